// Package config builds the tns-csi-driver command tree: flag parsing via
// cobra/pflag, with environment variable fallbacks for the variables the
// driver is commonly launched with in a Kubernetes DaemonSet/Deployment.
package config

import (
	"fmt"
	"os"

	"github.com/openzfs-csi/tns-csi-driver/pkg/driver"
	"github.com/spf13/cobra"
)

// Flags holds the raw values bound to the root command's flag set.
type Flags struct {
	Endpoint      string
	NodeID        string
	DriverName    string
	APIURL        string
	APIKey        string
	MetricsAddr   string
	SkipTLSVerify bool
	Debug         bool
}

// Bind registers the daemon's flags on cmd.
func Bind(cmd *cobra.Command, f *Flags) {
	fl := cmd.Flags()
	fl.StringVar(&f.Endpoint, "endpoint", "unix:///var/lib/kubelet/plugins/tns.csi.io/csi.sock", "CSI endpoint")
	fl.StringVar(&f.NodeID, "node-id", "", "Node ID (falls back to $NODE_ID)")
	fl.StringVar(&f.DriverName, "driver-name", "tns.csi.io", "Name of the driver")
	fl.StringVar(&f.APIURL, "api-url", "", "Storage system API URL, e.g. ws://host/api/v2.0/websocket (falls back to $TRUENAS_HOST)")
	fl.StringVar(&f.APIKey, "api-key", "", "Storage system API key (falls back to $TRUENAS_API_KEY)")
	fl.StringVar(&f.MetricsAddr, "metrics-addr", ":8080", "Address to expose Prometheus metrics")
	fl.BoolVar(&f.SkipTLSVerify, "skip-tls-verify", false, "Skip TLS certificate verification (for self-signed certificates)")
	fl.BoolVar(&f.Debug, "debug", false, "Enable debug logging (equivalent to -v=4), also settable via $DEBUG_CSI")
}

// Resolve applies environment variable fallbacks to flags left unset on cmd,
// validates the required fields, and returns a driver.Config ready to hand
// to driver.NewDriver. The endpoint may also be supplied via $CSI_ENDPOINT.
func Resolve(cmd *cobra.Command, f *Flags, version string) (driver.Config, error) {
	if f.NodeID == "" {
		f.NodeID = os.Getenv("NODE_ID")
	}
	if f.APIURL == "" {
		f.APIURL = os.Getenv("TRUENAS_HOST")
	}
	if f.APIKey == "" {
		f.APIKey = os.Getenv("TRUENAS_API_KEY")
	}
	if endpoint := os.Getenv("CSI_ENDPOINT"); endpoint != "" && !cmd.Flags().Changed("endpoint") {
		f.Endpoint = endpoint
	}
	if !f.Debug {
		f.Debug = os.Getenv("DEBUG_CSI") == "true" || os.Getenv("DEBUG_CSI") == "1"
	}

	if f.NodeID == "" {
		return driver.Config{}, fmt.Errorf("node ID must be provided via --node-id or $NODE_ID")
	}
	if f.APIURL == "" {
		return driver.Config{}, fmt.Errorf("storage API URL must be provided via --api-url or $TRUENAS_HOST")
	}
	if f.APIKey == "" {
		return driver.Config{}, fmt.Errorf("storage API key must be provided via --api-key or $TRUENAS_API_KEY")
	}

	return driver.Config{
		DriverName:    f.DriverName,
		Version:       version,
		NodeID:        f.NodeID,
		Endpoint:      f.Endpoint,
		APIURL:        f.APIURL,
		APIKey:        f.APIKey,
		MetricsAddr:   f.MetricsAddr,
		SkipTLSVerify: f.SkipTLSVerify,
	}, nil
}
