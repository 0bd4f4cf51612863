package driver

import (
	"context"
	"os"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/openzfs-csi/tns-csi-driver/pkg/mount"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Protocol constants.
const (
	ProtocolNFS    = "nfs"
	ProtocolNVMeOF = "nvmeof"
	ProtocolISCSI  = "iscsi"
)

// mockVolumeStatsBytes is the hardcoded capacity reported by NodeGetVolumeStats
// in test mode, instead of inspecting real storage.
const mockVolumeStatsBytes = 1073741824

// NodeService implements the CSI Node service.
type NodeService struct {
	csi.UnimplementedNodeServer
	apiClient    APIClient
	nodeID       string
	testMode     bool
	nodeRegistry *NodeRegistry
}

// NewNodeService creates a new node service.
func NewNodeService(nodeID string, apiClient APIClient, testMode bool, registry *NodeRegistry) *NodeService {
	return &NodeService{
		nodeID:       nodeID,
		apiClient:    apiClient,
		testMode:     testMode,
		nodeRegistry: registry,
	}
}

// resolveProtocol determines the storage protocol for a volume, preferring the
// structured volume ID metadata and falling back to the volume context.
func resolveProtocol(volumeID string, volumeContext map[string]string) string {
	protocol := getProtocolFromVolumeContext(volumeContext)
	if meta, err := decodeVolumeID(volumeID); err == nil {
		protocol = meta.Protocol
	}
	return protocol
}

// NodeStageVolume stages a volume to a staging path.
func (s *NodeService) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	klog.V(4).Infof("NodeStageVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "Volume capability is required")
	}

	volumeID := req.GetVolumeId()
	stagingTargetPath := req.GetStagingTargetPath()
	volumeContext := req.GetVolumeContext()
	protocol := resolveProtocol(volumeID, volumeContext)

	klog.Infof("Staging volume %s (protocol: %s) to %s", volumeID, protocol, stagingTargetPath)

	switch protocol {
	case ProtocolNFS:
		klog.V(4).Infof("NFS volume, no staging required")
		return &csi.NodeStageVolumeResponse{}, nil

	case ProtocolNVMeOF:
		return s.stageNVMeOFVolume(ctx, req, volumeContext)

	case ProtocolISCSI:
		return s.stageISCSIVolume(ctx, req, volumeContext)

	default:
		return nil, status.Errorf(codes.InvalidArgument, "Unknown protocol: %s", protocol)
	}
}

// NodeUnstageVolume unstages a volume from a staging path.
func (s *NodeService) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	klog.V(4).Infof("NodeUnstageVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
	}

	volumeID := req.GetVolumeId()
	stagingTargetPath := req.GetStagingTargetPath()

	meta, err := decodeVolumeID(volumeID)
	if err != nil {
		klog.Warningf("Failed to decode volume ID %s: %v, attempting unstage anyway", volumeID, err)
		mounted, mountErr := mount.IsMounted(ctx, stagingTargetPath)
		if mountErr != nil {
			klog.Warningf("Failed to check if staging path is mounted: %v", mountErr)
		}
		if mounted {
			if unmountErr := mount.Unmount(ctx, stagingTargetPath); unmountErr != nil {
				klog.Warningf("Failed to unmount staging path: %v", unmountErr)
			}
		}
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	klog.Infof("Unstaging volume %s (protocol: %s) from %s", meta.Name, meta.Protocol, stagingTargetPath)

	defer func() {
		if removeErr := getFormattedVolumesRegistry().Remove(volumeID); removeErr != nil {
			klog.Warningf("Failed to remove volume %s from formatted volumes registry: %v", volumeID, removeErr)
		}
	}()

	switch meta.Protocol {
	case ProtocolNFS:
		klog.V(4).Infof("NFS volume, no unstaging required")
		return &csi.NodeUnstageVolumeResponse{}, nil

	case ProtocolNVMeOF:
		volumeContext := map[string]string{
			VolumeContextKeyNQN: meta.NVMeOFNQN,
		}
		return s.unstageNVMeOFVolume(ctx, req, volumeContext)

	case ProtocolISCSI:
		volumeContext := map[string]string{
			VolumeContextKeyISCSIIQN: meta.ISCSIIQN,
			"server":                 meta.Server,
		}
		return s.unstageISCSIVolume(ctx, req, volumeContext)

	default:
		return nil, status.Errorf(codes.InvalidArgument, "Unknown protocol: %s", meta.Protocol)
	}
}

// NodePublishVolume mounts the volume to the target path.
func (s *NodeService) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	klog.V(4).Infof("NodePublishVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Target path is required")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "Volume capability is required")
	}

	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()
	protocol := resolveProtocol(volumeID, req.GetVolumeContext())

	klog.Infof("Publishing volume %s (protocol: %s) to %s", volumeID, protocol, targetPath)

	switch protocol {
	case ProtocolNFS:
		return s.publishNFSVolume(ctx, req)

	case ProtocolNVMeOF, ProtocolISCSI:
		stagingTargetPath := req.GetStagingTargetPath()
		if stagingTargetPath == "" {
			return nil, status.Errorf(codes.InvalidArgument, "Staging target path is required for %s volumes", protocol)
		}
		if req.GetVolumeCapability().GetBlock() != nil {
			return s.publishBlockVolume(ctx, stagingTargetPath, targetPath, req.GetReadonly())
		}
		return s.publishFilesystemVolume(ctx, stagingTargetPath, targetPath, req.GetReadonly())

	default:
		return nil, status.Errorf(codes.InvalidArgument, "Unknown protocol: %s", protocol)
	}
}

// NodeUnpublishVolume unmounts the volume from the target path.
func (s *NodeService) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	klog.V(4).Infof("NodeUnpublishVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Target path is required")
	}

	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()

	if s.testMode {
		klog.V(4).Infof("Test mode: removing target path %s instead of unmounting", targetPath)
		if err := os.RemoveAll(targetPath); err != nil && !os.IsNotExist(err) {
			return nil, status.Errorf(codes.Internal, "Failed to remove target path: %v", err)
		}
		return &csi.NodeUnpublishVolumeResponse{}, nil
	}

	klog.Infof("Unmounting volume %s from %s", volumeID, targetPath)

	mounted, err := mount.IsMounted(ctx, targetPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to check if path is mounted: %v", err)
	}
	if !mounted {
		klog.V(4).Infof("Path %s is not mounted, nothing to do", targetPath)
		return &csi.NodeUnpublishVolumeResponse{}, nil
	}

	if err := mount.Unmount(ctx, targetPath); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to unmount: %v", err)
	}

	klog.Infof("Successfully unmounted volume %s from %s", volumeID, targetPath)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetVolumeStats returns volume capacity statistics.
func (s *NodeService) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	klog.V(4).Infof("NodeGetVolumeStats called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}

	volumePath := req.GetVolumePath()
	if volumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume path is required")
	}

	pathInfo, err := os.Stat(volumePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "Volume path %s does not exist", volumePath)
		}
		return nil, status.Errorf(codes.Internal, "Failed to stat volume path: %v", err)
	}

	if s.testMode {
		klog.V(4).Infof("Test mode: returning mock volume stats for %s", volumePath)
		return &csi.NodeGetVolumeStatsResponse{
			Usage: []*csi.VolumeUsage{
				{
					Unit:      csi.VolumeUsage_BYTES,
					Total:     mockVolumeStatsBytes,
					Used:      0,
					Available: mockVolumeStatsBytes,
				},
			},
		}, nil
	}

	var statfs syscall.Statfs_t
	if err := syscall.Statfs(volumePath, &statfs); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to get volume stats: %v", err)
	}

	blockSize := getBlockSize(&statfs)
	totalBytes := statfs.Blocks * blockSize
	availableBytes := statfs.Bavail * blockSize
	usedBytes := totalBytes - (statfs.Bfree * blockSize)

	klog.V(4).Infof("Volume stats for %s: total=%d, used=%d, available=%d",
		volumePath, totalBytes, usedBytes, availableBytes)

	resp := &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{
				Unit:      csi.VolumeUsage_BYTES,
				Total:     safeUint64ToInt64(totalBytes),
				Used:      safeUint64ToInt64(usedBytes),
				Available: safeUint64ToInt64(availableBytes),
			},
		},
	}

	if pathInfo.IsDir() {
		totalInodes := statfs.Files
		freeInodes := statfs.Ffree
		usedInodes := totalInodes - freeInodes

		resp.Usage = append(resp.Usage, &csi.VolumeUsage{
			Unit:      csi.VolumeUsage_INODES,
			Total:     safeUint64ToInt64(totalInodes),
			Used:      safeUint64ToInt64(usedInodes),
			Available: safeUint64ToInt64(freeInodes),
		})

		klog.V(4).Infof("Inode stats for %s: total=%d, used=%d, free=%d",
			volumePath, totalInodes, usedInodes, freeInodes)
	}

	resp.VolumeCondition = s.checkVolumeHealth(ctx, volumePath, "").ToCSI()

	return resp, nil
}

// NodeExpandVolume expands a previously staged/published volume's filesystem.
func (s *NodeService) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	klog.V(4).Infof("NodeExpandVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}

	volumePath := req.GetVolumePath()
	if volumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume path is required")
	}

	if _, err := os.Stat(volumePath); err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "Volume path %s does not exist", volumePath)
		}
		return nil, status.Errorf(codes.Internal, "Failed to stat volume path: %v", err)
	}

	requiredBytes := req.GetCapacityRange().GetRequiredBytes()

	if s.testMode {
		klog.V(4).Infof("Test mode: echoing requested capacity for %s", volumePath)
		return &csi.NodeExpandVolumeResponse{CapacityBytes: requiredBytes}, nil
	}

	protocol := resolveProtocol(req.GetVolumeId(), req.GetVolumeContext())
	if protocol == ProtocolNFS {
		klog.V(4).Infof("NFS volume, capacity is managed server-side, nothing to expand locally")
		return &csi.NodeExpandVolumeResponse{CapacityBytes: requiredBytes}, nil
	}

	devicePath, err := getSourceDevice(ctx, volumePath)
	if err != nil {
		klog.Warningf("Failed to determine source device for %s, assuming no local expansion needed: %v", volumePath, err)
		return &csi.NodeExpandVolumeResponse{CapacityBytes: requiredBytes}, nil
	}

	if err := RescanDevice(ctx, devicePath); err != nil {
		klog.Warningf("Failed to rescan device %s (continuing anyway): %v", devicePath, err)
	}

	fsType, err := detectDeviceFilesystemType(ctx, devicePath)
	if err != nil || fsType == "" {
		klog.V(4).Infof("No filesystem detected on %s, treating as raw block volume", devicePath)
		return &csi.NodeExpandVolumeResponse{CapacityBytes: requiredBytes}, nil
	}

	if err := ExpandFilesystem(ctx, devicePath, volumePath, fsType); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to expand filesystem on %s: %v", devicePath, err)
	}

	return &csi.NodeExpandVolumeResponse{CapacityBytes: requiredBytes}, nil
}

// NodeGetCapabilities returns node capabilities.
func (s *NodeService) NodeGetCapabilities(_ context.Context, _ *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(4).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: []*csi.NodeServiceCapability{
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
					},
				},
			},
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
					},
				},
			},
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
					},
				},
			},
		},
	}, nil
}

// NodeGetInfo returns node information.
func (s *NodeService) NodeGetInfo(_ context.Context, _ *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	klog.V(4).Info("NodeGetInfo called")

	if s.nodeRegistry != nil {
		s.nodeRegistry.Register(s.nodeID)
	}

	return &csi.NodeGetInfoResponse{
		NodeId: s.nodeID,
	}, nil
}

// safeUint64ToInt64 safely converts uint64 to int64, capping at math.MaxInt64.
// This is necessary for CSI VolumeUsage which uses int64 per the protobuf spec.
func safeUint64ToInt64(val uint64) int64 {
	const maxInt64 = 9223372036854775807 // math.MaxInt64
	if val > maxInt64 {
		return maxInt64
	}
	return int64(val)
}
