// Command gapscan scans a host with concurrent fast and exhaustive port
// scans and reports the ports the fast scan missed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/anstrom/gapscan/cmd/cli"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cli.SetVersion(version, commit, buildTime)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
