// Package cli implements the tablesync command-line interface: a thin client
// that opens the tables declared in config.yaml against a remote table
// server and reads or writes them through the local cache.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/tablesync/internal/paths"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

var (
	errUsage    = errors.New("usage")
	errNotFound = errors.New("not found")
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	logLevel  string
	metrics   bool
}

// app is the state shared by the commands of one invocation.
type app struct {
	flags     rootFlags
	configDir string
	config    *fileConfig
	logger    *slog.Logger
	registry  *prometheus.Registry
}

// NewRootCmd creates the top-level "tablesync" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "tablesync",
		Short: "Read and write synchronized tables from the command line",
		Long: "tablesync reads records, lists and counts from a remote table server\n" +
			"through a local cache, and publishes or deletes records.",
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.dumpMetrics,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "cache data directory (default: $(CWD)/.tablesync-db)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.StringVar(&a.flags.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pf.BoolVar(&a.flags.metrics, "metrics", false, "print collected metrics to stderr on exit")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newCountCmd(a),
		newSetCmd(a),
		newDeleteCmd(a),
		newCacheCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tablesync:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration and usage mistakes to exitUserError and
// everything else to exitSysError.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, errUsage), errors.Is(err, errNotFound), types.IsConfig(err), types.IsMisuse(err):
		return exitUserError
	default:
		return exitSysError
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.logger = newLogger(cmd.ErrOrStderr(), a.flags.logLevel)
	a.registry = prometheus.NewRegistry()
	if cmd.Name() == "version" {
		return nil
	}

	dir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	a.configDir = dir
	a.config = cfg
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// dumpMetrics writes the gathered metrics in the Prometheus text format.
func (a *app) dumpMetrics(cmd *cobra.Command, _ []string) error {
	if !a.flags.metrics || a.registry == nil {
		return nil
	}
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(cmd.ErrOrStderr(), expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
