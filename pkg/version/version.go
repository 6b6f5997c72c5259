// Package version holds build-time version information for Rice.
package version

// These values are injected at build time via -ldflags.
var (
	// Version is the semantic version of the build.
	Version = "0.3.0-dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp (RFC 3339).
	Date = "unknown"
)

// Info bundles version metadata for API responses.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
}
