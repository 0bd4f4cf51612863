// Package main implements the TrueNAS CSI driver entry point.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/openzfs-csi/tns-csi-driver/pkg/config"
	"github.com/openzfs-csi/tns-csi-driver/pkg/driver"
	"github.com/openzfs-csi/tns-csi-driver/pkg/metrics"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f config.Flags
	var showVersion bool

	klog.InitFlags(nil)

	cmd := &cobra.Command{
		Use:   "tns-csi-driver",
		Short: "CSI driver for TrueNAS-backed NFS, NVMe-oF, and iSCSI volumes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &f, showVersion)
		},
	}

	cmd.Flags().BoolVar(&showVersion, "show-version", false, "Show version and exit")
	config.Bind(cmd, &f)

	// Expose klog's verbosity/logtostderr flags (-v, -logtostderr, ...)
	// alongside the driver's own, the same bridge CSI sidecar binaries use.
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	return cmd
}

func run(cmd *cobra.Command, f *config.Flags, showVersion bool) error {
	if showVersion {
		fmt.Printf("%s version: %s\n", f.DriverName, version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	}

	if f.Debug {
		if err := flag.Set("v", "4"); err != nil {
			klog.Warningf("Failed to set verbosity level: %v", err)
		}
	}

	cfg, err := config.Resolve(cmd, f, version)
	if err != nil {
		return err
	}

	metrics.SetVersionInfo(version, gitCommit, buildDate)

	klog.Infof("Starting TNS CSI Driver %s (commit: %s, built: %s)", version, gitCommit, buildDate)
	klog.V(4).Infof("Driver: %s", cfg.DriverName)
	klog.V(4).Infof("Node ID: %s", cfg.NodeID)

	drv, err := driver.NewDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	if err := drv.Run(); err != nil {
		return fmt.Errorf("driver failed: %w", err)
	}

	return nil
}
