// Package buildinfo carries the version stamped into lwktsim at link time:
//
//	go build -ldflags "-X lwkt/internal/buildinfo.Version=v0.3.0" ./cmd/lwktsim
package buildinfo

// Version is set at build time via -ldflags.
var Version = "dev"

// Commit is set at build time via -ldflags.
var Commit = "unknown"

// Short returns the release version, falling back to the commit.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return "dev-" + Commit
	}
	return "dev"
}
