// Command tablesync reads and writes synchronized tables from the shell.
package main

import "github.com/mesh-intelligence/tablesync/internal/cli"

func main() {
	cli.Execute()
}
