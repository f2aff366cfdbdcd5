// Package version holds build metadata for fbmsg.
package version

// Set at build time via -ldflags "-X".
var (
	Version   = "0.1.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)
