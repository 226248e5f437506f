// Command portscope is an adaptive TCP/UDP port scanner with service
// fingerprinting, anomaly detection and security assessment.
package main

import "github.com/anstrom/portscope/cmd/cli"

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
