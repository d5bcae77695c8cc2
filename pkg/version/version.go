// Package version provides version information for the oracle-guard application.
package version

// Version is the current version of the oracle-guard application.
const Version = "1.1.0"

// AgentString returns the full agent string with versioning.
// Format: oracle-guard/v{version}
func AgentString() string {
	return "oracle-guard/v" + Version
}
