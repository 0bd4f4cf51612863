package driver

import "strconv"

// Keys used in the CSI VolumeContext map exchanged between the controller and node
// services. The controller stamps these during CreateVolume; the node reads them
// back during staging and publishing.
const (
	VolumeContextKeyProtocol          = "protocol"
	VolumeContextKeyDatasetName       = "datasetName"
	VolumeContextKeyShare             = "share"
	VolumeContextKeyNFSShareID        = "nfsShareID"
	VolumeContextKeyNQN               = "nqn"
	VolumeContextKeyNSID              = "nsid"
	VolumeContextKeyNVMeOFSubsystemID = "nvmeofSubsystemID"
	VolumeContextKeyNVMeOFNamespaceID = "nvmeofNamespaceID"
	VolumeContextKeyISCSIIQN          = "iqn"
	VolumeContextKeyExpectedCapacity  = "expectedCapacity"
	VolumeContextKeyClonedFromSnap    = "clonedFromSnapshot"

	// VolumeContextValueTrue is the canonical "true" sentinel for boolean-flavored
	// volume context values (e.g. VolumeContextKeyClonedFromSnap).
	VolumeContextValueTrue = "true"
)

// VolumeContextKeyServer carries the TrueNAS server address the node plugin
// dials for NVMe-oF/iSCSI connections.
const VolumeContextKeyServer = "server"

// VolumeContextKeyPort carries the iSCSI portal port (default 3260 when absent).
const VolumeContextKeyPort = "port"

// VolumeContextKeyISCSITargetID carries the TrueNAS iSCSI target ID for diagnostics.
const VolumeContextKeyISCSITargetID = "iscsiTargetID"

// buildVolumeContext assembles the protocol-agnostic portion of the CSI
// VolumeContext from a volume's metadata; each protocol's CreateVolume path
// layers its own keys (share path, NQN, portal) on top of this.
func buildVolumeContext(meta VolumeMetadata) map[string]string {
	volumeContext := map[string]string{
		VolumeContextKeyProtocol:    meta.Protocol,
		VolumeContextKeyDatasetName: meta.DatasetName,
	}
	if meta.Server != "" {
		volumeContext[VolumeContextKeyServer] = meta.Server
	}
	switch meta.Protocol {
	case ProtocolNFS:
		if meta.NFSShareID != 0 {
			volumeContext[VolumeContextKeyNFSShareID] = strconv.Itoa(meta.NFSShareID)
		}
	case ProtocolNVMeOF:
		nqn := meta.NVMeOFNQN
		if nqn == "" {
			nqn = meta.SubsystemNQN
		}
		if nqn != "" {
			volumeContext[VolumeContextKeyNQN] = nqn
		}
		if meta.NVMeOFSubsystemID != 0 {
			volumeContext[VolumeContextKeyNVMeOFSubsystemID] = strconv.Itoa(meta.NVMeOFSubsystemID)
		}
		if meta.NVMeOFNamespaceID != 0 {
			volumeContext[VolumeContextKeyNVMeOFNamespaceID] = strconv.Itoa(meta.NVMeOFNamespaceID)
		}
	case ProtocolISCSI:
		if meta.ISCSIIQN != "" {
			volumeContext[VolumeContextKeyISCSIIQN] = meta.ISCSIIQN
		}
		if meta.ISCSITargetID != 0 {
			volumeContext[VolumeContextKeyISCSITargetID] = strconv.Itoa(meta.ISCSITargetID)
		}
		volumeContext[VolumeContextKeyPort] = "3260"
	}
	return volumeContext
}

// getProtocolFromVolumeContext returns the storage protocol recorded in volumeContext,
// defaulting to ProtocolNFS when the context is nil, empty, or lacks the key.
func getProtocolFromVolumeContext(volumeContext map[string]string) string {
	protocol := volumeContext[VolumeContextKeyProtocol]
	if protocol == "" {
		return ProtocolNFS
	}
	return protocol
}
