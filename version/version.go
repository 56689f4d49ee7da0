package version

// Set by the linker, e.g. -ldflags "-X github.com/bitleak/eq/version.Version=v1.0.0"
var (
	Version     = "unknown"
	BuildCommit = "unknown"
	BuildDate   = "unknown"
)
