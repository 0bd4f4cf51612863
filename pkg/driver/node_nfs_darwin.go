//go:build darwin

package driver

// defaultNFSMountOptions are the platform-specific default NFS mount options.
// macOS supports NFSv3 and NFSv4 (but not v4.2).
var defaultNFSMountOptions = []string{"vers=4", "nolock"}
