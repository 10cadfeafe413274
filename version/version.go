// Package version holds build information for the keyedpool binary.
//
// The values are stamped by the linker:
//
//	go build -ldflags "-X github.com/nossrannug/psycopg2-connection-pool/version.Version=1.0.0" ./cmd/keyedpool
//
// Unstamped builds report "dev".
package version

// Version is the release version.
var Version = "dev"

// GitCommit is the short commit hash the binary was built from.
var GitCommit = ""

// BuildTime is the UTC build timestamp, e.g. $(date -u +%Y-%m-%dT%H:%M:%SZ).
var BuildTime = ""

// Full returns Version with the commit and build time appended when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}
