// Package main implements tnsctl, the operator CLI for inspecting, adopting,
// importing and cleaning up volumes and snapshots managed by the TNS CSI driver.
//
// Installation:
//
//	go build -o tnsctl ./cmd/tnsctl
//	mv tnsctl /usr/local/bin/
//
// Usage:
//
//	tnsctl list                     # List all tns-csi managed volumes
//	tnsctl list-orphaned            # Find volumes with no matching PVC
//	tnsctl adopt <dataset-path>     # Generate static PV manifest
//	tnsctl status <volume-id>       # Show volume status from TrueNAS
//	tnsctl connectivity             # Test TrueNAS connection
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		truenasURL    string
		truenasAPIKey string
		secretRef     string
		outputFormat  string
		skipTLSVerify bool
	)

	rootCmd := &cobra.Command{
		Use:   "tnsctl",
		Short: "Inspect TNS CSI driver volumes",
		Long: `tnsctl is the operator CLI for the TNS CSI driver.

It opens its own session against the same TrueNAS backend the driver uses
and provides commands for discovering orphaned volumes, adopting volumes
across clusters, and troubleshooting volume issues. Most commands only
read; cleanup, import and mark-adoptable change TrueNAS state (deleting
datasets, creating shares, setting properties). It talks to TrueNAS, the
same source of truth the driver itself reconciles against.

Connection to TrueNAS can be configured via:
  - Flags: --url and --api-key
  - Kubernetes secret: --secret <namespace>/<name>
  - Environment: TRUENAS_URL and TRUENAS_API_KEY`,
		Version: version + " (" + commit + ")",
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&truenasURL, "url", "", "TrueNAS WebSocket URL (wss://host/api/current)")
	rootCmd.PersistentFlags().StringVar(&truenasAPIKey, "api-key", "", "TrueNAS API key")
	rootCmd.PersistentFlags().StringVar(&secretRef, "secret", "", "Kubernetes secret with TrueNAS credentials (namespace/name)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&skipTLSVerify, "insecure-skip-tls-verify", true, "Skip TLS certificate verification")

	// Add subcommands
	rootCmd.AddCommand(newListCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newListSnapshotsCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newListOrphanedCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newDescribeCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newHealthCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newTroubleshootCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newSummaryCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newCleanupCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newAdoptCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newStatusCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newConnectivityCmd(&truenasURL, &truenasAPIKey, &secretRef, &skipTLSVerify))
	rootCmd.AddCommand(newListClonesCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newMarkAdoptableCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newImportCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newListUnmanagedCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))
	rootCmd.AddCommand(newDashboardCmd(&truenasURL, &truenasAPIKey, &secretRef, &outputFormat, &skipTLSVerify))

	return rootCmd
}
