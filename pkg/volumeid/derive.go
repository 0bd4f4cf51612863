package volumeid

import (
	"crypto/sha256"
	"encoding/hex"
)

// MaxZFSComponentLength is the maximum length of a single path component
// TrueNAS/ZFS will accept for a dataset or ZVOL name.
const MaxZFSComponentLength = 64

// DeriveName builds the backend-facing leaf name for an orchestrator
// volume/snapshot name. Names that fit under MaxZFSComponentLength are
// passed through unchanged so handles stay human-readable; names that
// would overflow are truncated and suffixed with a short content hash so
// distinct long names never collide, while remaining deterministic (the
// same orchestrator name always derives the same backend name, which is
// what keeps CreateVolume idempotent).
func DeriveName(orchestratorName string) string {
	if len(orchestratorName) <= MaxZFSComponentLength {
		return orchestratorName
	}

	sum := sha256.Sum256([]byte(orchestratorName))
	suffix := "-" + hex.EncodeToString(sum[:])[:8]
	keep := MaxZFSComponentLength - len(suffix)
	if keep < 0 {
		keep = 0
	}
	return orchestratorName[:keep] + suffix
}
