package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build-time version identity, injected via -ldflags:
//
//	go build -ldflags="-X main.version=${VERSION} -X main.commitHash=${COMMIT_HASH} -X main.buildTime=$(date -u +%Y%m%dT%H%M%SZ)"
//
// In development (go run), the defaults are used.
var (
	version    = "dev"
	commitHash = "dev"     // 7-char git commit hash
	buildTime  = "unknown" // UTC timestamp (YYYYMMDDTHHMMSSz)
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config loading so version works in any environment.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "drone-ingest %s (commit %s, built %s)\n", version, commitHash, buildTime)
		},
	}
}
