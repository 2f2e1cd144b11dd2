package arbcore

// Version information for the execution-coordination core
const (
	// Version is the current module version
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
