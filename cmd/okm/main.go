// OKM Core - RFID machine lock controller.
//
// okm polls the lock controllers fitted to workshop machines, checks every
// badge against the permission store, drives the locks and records who
// held which machine and for how long.
//
// Commands:
//
//	okm serve [--simulator]    run the crawler, API and event publishers
//	okm recover                close sessions left open by a crash
//	okm migrate up|down|status manage the database schema
//	okm token --subject NAME   issue an API token
//	okm version                print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnvVar overrides defaultConfigPath when --config is not given.
const configEnvVar = "OKM_CONFIG"

func main() {
	// Cancel on Ctrl+C and SIGTERM so serve shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
