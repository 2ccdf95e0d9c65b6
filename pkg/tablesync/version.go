package tablesync

// Version is the release version of the module.
const Version = "0.1.0"
