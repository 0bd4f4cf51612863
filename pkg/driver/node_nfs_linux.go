//go:build !darwin

package driver

// defaultNFSMountOptions are the platform-specific default NFS mount options.
// Linux supports NFSv4.2.
var defaultNFSMountOptions = []string{"vers=4.2", "nolock"}
