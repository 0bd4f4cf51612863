// Package driver implements iSCSI-specific CSI controller operations.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/openzfs-csi/tns-csi-driver/pkg/metrics"
	"github.com/openzfs-csi/tns-csi-driver/pkg/retry"
	"github.com/openzfs-csi/tns-csi-driver/pkg/tnsapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// iscsiExtentType is the extent backing-store type TrueNAS uses for a
// ZVOL-backed extent.
const iscsiExtentType = "DISK"

// iscsiVolumeParams holds validated parameters for iSCSI volume creation.
//
//nolint:govet // fieldalignment: struct layout prioritizes readability over memory optimization
type iscsiVolumeParams struct {
	requestedCapacity int64
	pool              string
	server            string
	parentDataset     string
	volumeName        string
	zvolName          string
	targetName        string
	deleteStrategy    string
	markAdoptable     bool
	zfsProps          *zfsZvolProperties
	encryption        *encryptionConfig
	pvcName           string
	pvcNamespace      string
	storageClass      string
}

// validateISCSIParams validates and extracts iSCSI volume parameters from the request.
// It mirrors validateNVMeOFParams: the two protocols share pool/server/parentDataset/
// ZFS-property/encryption handling and differ only downstream, in how the TrueNAS-side
// object (subsystem+namespace vs. target+extent) is built.
func validateISCSIParams(req *csi.CreateVolumeRequest) (*iscsiVolumeParams, error) {
	params := req.GetParameters()

	pool := params["pool"]
	if pool == "" {
		return nil, status.Error(codes.InvalidArgument, "pool parameter is required for iSCSI volumes")
	}

	server := params["server"]
	if server == "" {
		return nil, status.Error(codes.InvalidArgument, "server parameter is required for iSCSI volumes")
	}

	parentDataset := params["parentDataset"]
	if parentDataset == "" {
		parentDataset = pool
	}

	requestedCapacity := req.GetCapacityRange().GetRequiredBytes()
	if requestedCapacity == 0 {
		requestedCapacity = 1 * 1024 * 1024 * 1024 // Default 1GB
	}

	volumeName, err := ResolveVolumeName(params, req.GetName())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to resolve volume name: %v", err)
	}
	zvolName := fmt.Sprintf("%s/%s", parentDataset, volumeName)

	deleteStrategy := params["deleteStrategy"]
	if deleteStrategy == "" {
		deleteStrategy = tnsapi.DeleteStrategyDelete
	}

	markAdoptable := params["markAdoptable"] == VolumeContextValueTrue

	return &iscsiVolumeParams{
		pool:              pool,
		server:            server,
		parentDataset:     parentDataset,
		requestedCapacity: requestedCapacity,
		volumeName:        volumeName,
		zvolName:          zvolName,
		targetName:        sanitizeISCSITargetName(volumeName),
		deleteStrategy:    deleteStrategy,
		markAdoptable:     markAdoptable,
		zfsProps:          parseZFSZvolProperties(params),
		encryption:        parseEncryptionConfig(params, req.GetSecrets()),
		pvcName:           params["csi.storage.k8s.io/pvc/name"],
		pvcNamespace:      params["csi.storage.k8s.io/pvc/namespace"],
		storageClass:      params["csi.storage.k8s.io/sc/name"],
	}, nil
}

// sanitizeISCSITargetName converts a volume name into a TrueNAS-safe iSCSI
// target name: lowercase, with anything other than [a-z0-9.:-] mapped to "-".
// TrueNAS target names feed directly into the generated IQN and reject
// uppercase or underscore characters.
func sanitizeISCSITargetName(volumeName string) string {
	lower := strings.ToLower(volumeName)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// iqnForTarget derives a target's full IQN from the iSCSI service's configured
// base name, the same way TrueNAS itself composes "<basename>:<target name>".
func iqnForTarget(basename, targetName string) string {
	return fmt.Sprintf("%s:%s", basename, targetName)
}

func (s *ControllerService) createISCSIVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ProtocolISCSI, "create")
	klog.V(4).Info("Creating iSCSI volume")

	params, err := validateISCSIParams(req)
	if err != nil {
		timer.ObserveError()
		return nil, err
	}

	klog.V(4).Infof("Creating iSCSI volume: %s with size: %d bytes, target: %s",
		params.volumeName, params.requestedCapacity, params.targetName)

	existingZvols, err := s.apiClient.QueryAllDatasets(ctx, params.zvolName)
	if err != nil {
		timer.ObserveError()
		return nil, status.Errorf(classify(err), "Failed to query existing ZVOLs: %v", err)
	}

	if len(existingZvols) > 0 {
		resp, done, handleErr := s.handleExistingISCSIVolume(ctx, params, &existingZvols[0], timer)
		if handleErr != nil {
			return nil, handleErr
		}
		if done {
			return resp, nil
		}
	}

	zvol, err := s.getOrCreateISCSIZVOL(ctx, params, existingZvols, timer)
	if err != nil {
		return nil, err
	}

	target, extent, targetExtent, err := s.createISCSIObjects(ctx, params, zvol, timer)
	if err != nil {
		return nil, err
	}

	_, iqn := s.resolveISCSIBasename(ctx, params.targetName)

	props := tnsapi.ISCSIVolumePropertiesV1(tnsapi.ISCSIVolumeParams{
		VolumeID:       params.volumeName,
		CapacityBytes:  params.requestedCapacity,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		DeleteStrategy: params.deleteStrategy,
		TargetID:       target.ID,
		ExtentID:       extent.ID,
		TargetIQN:      iqn,
		PVCName:        params.pvcName,
		PVCNamespace:   params.pvcNamespace,
		StorageClass:   params.storageClass,
		Adoptable:      params.markAdoptable,
	})
	if err := s.apiClient.SetDatasetProperties(ctx, zvol.ID, props); err != nil {
		klog.Warningf("Failed to set ZFS properties on ZVOL %s: %v (volume will still work)", zvol.ID, err)
	}

	if err := s.apiClient.ReloadISCSIService(ctx); err != nil {
		klog.Warningf("Failed to reload iSCSI service after creating target %s: %v (target may not be reachable until next reload)", params.targetName, err)
	}

	resp := buildISCSIVolumeResponse(params.volumeName, params.server, iqn, zvol, target, extent, targetExtent, params.requestedCapacity)
	klog.Infof("Created iSCSI volume: %s (target: %s, IQN: %s)", params.volumeName, target.Name, iqn)
	timer.ObserveSuccess()
	return resp, nil
}

// resolveISCSIBasename looks up the iSCSI service's configured base name and
// derives this target's full IQN from it, falling back to a TrueNAS-shaped
// default base name if the global config cannot be read (e.g. the service
// has never been configured on a fresh appliance).
func (s *ControllerService) resolveISCSIBasename(ctx context.Context, targetName string) (basename, iqn string) {
	cfg, err := s.apiClient.GetISCSIGlobalConfig(ctx)
	if err != nil || cfg.Basename == "" {
		klog.Warningf("Failed to read iSCSI global config, using default basename: %v", err)
		basename = "iqn.2005-10.org.freenas.ctl"
	} else {
		basename = cfg.Basename
	}
	return basename, iqnForTarget(basename, targetName)
}

// handleExistingISCSIVolume handles the case when a ZVOL already exists (idempotency).
func (s *ControllerService) handleExistingISCSIVolume(ctx context.Context, params *iscsiVolumeParams, existingZvol *tnsapi.Dataset, timer *metrics.OperationTimer) (*csi.CreateVolumeResponse, bool, error) {
	klog.V(4).Infof("ZVOL %s already exists (ID: %s), checking idempotency", params.zvolName, existingZvol.ID)

	existingCapacity := getZvolCapacity(existingZvol)
	if existingCapacity > 0 {
		if existingCapacity != params.requestedCapacity {
			timer.ObserveError()
			return nil, false, status.Errorf(codes.AlreadyExists,
				"Volume '%s' already exists with different capacity: existing=%d bytes, requested=%d bytes",
				params.volumeName, existingCapacity, params.requestedCapacity)
		}
	} else {
		existingCapacity = params.requestedCapacity
	}

	target, err := s.apiClient.ISCSITargetByName(ctx, params.targetName)
	if err != nil {
		klog.V(4).Infof("Target not found for existing ZVOL, will create: %v", err)
		return nil, false, nil
	}

	extent, err := s.apiClient.ISCSIExtentByName(ctx, params.targetName)
	if err != nil {
		klog.V(4).Infof("Extent not found for existing ZVOL, will create: %v", err)
		return nil, false, nil
	}

	targetExtents, err := s.apiClient.ISCSITargetExtentByTarget(ctx, target.ID)
	if err != nil || len(targetExtents) == 0 {
		klog.V(4).Infof("Target/extent association not found for existing ZVOL, will create: %v", err)
		return nil, false, nil
	}

	_, iqn := s.resolveISCSIBasename(ctx, params.targetName)
	klog.V(4).Infof("iSCSI volume already exists (target: %d, extent: %d), returning existing volume", target.ID, extent.ID)
	resp := buildISCSIVolumeResponse(params.volumeName, params.server, iqn, existingZvol, target, &extent, &targetExtents[0], existingCapacity)
	timer.ObserveSuccess()
	return resp, true, nil
}

// getOrCreateISCSIZVOL gets an existing ZVOL or creates a new one. Block-mode
// iSCSI ZVOLs default to a 4K volblocksize, a quarter of the 16K default used for
// NVMe-oF, matching the smaller transfer sizes typical of iSCSI initiators.
func (s *ControllerService) getOrCreateISCSIZVOL(ctx context.Context, params *iscsiVolumeParams, existingZvols []tnsapi.Dataset, timer *metrics.OperationTimer) (*tnsapi.Dataset, error) {
	if len(existingZvols) > 0 {
		zvol := &existingZvols[0]
		klog.V(4).Infof("Using existing ZVOL: %s (ID: %s)", zvol.Name, zvol.ID)
		return zvol, nil
	}

	createParams := tnsapi.ZvolCreateParams{
		Name:         params.zvolName,
		Type:         "VOLUME",
		Volsize:      params.requestedCapacity,
		Volblocksize: "4K",
	}

	if params.zfsProps != nil {
		createParams.Compression = params.zfsProps.Compression
		createParams.Dedup = params.zfsProps.Dedup
		createParams.Sync = params.zfsProps.Sync
		createParams.Copies = params.zfsProps.Copies
		createParams.Readonly = params.zfsProps.Readonly
		createParams.Sparse = params.zfsProps.Sparse
		if params.zfsProps.Volblocksize != "" {
			createParams.Volblocksize = params.zfsProps.Volblocksize
		}
	}

	if params.encryption != nil && params.encryption.Enabled { //nolint:dupl // Intentionally duplicated in NFS/NVMe-oF
		createParams.Encryption = true
		inheritEncryption := false
		createParams.InheritEncryption = &inheritEncryption

		encOpts := &tnsapi.EncryptionOptions{Algorithm: params.encryption.Algorithm}
		switch {
		case params.encryption.Passphrase != "":
			encOpts.Passphrase = params.encryption.Passphrase
		case params.encryption.Key != "":
			encOpts.Key = params.encryption.Key
		case params.encryption.GenerateKey:
			encOpts.GenerateKey = true
		}
		createParams.EncryptionOptions = encOpts
	}

	zvol, err := s.apiClient.CreateZvol(ctx, createParams)
	if err != nil {
		timer.ObserveError()
		return nil, status.Errorf(classify(err), "Failed to create ZVOL: %v", err)
	}

	klog.V(4).Infof("Created ZVOL: %s (ID: %s)", zvol.Name, zvol.ID)
	return zvol, nil
}

// createISCSIObjects creates the target, extent, and target/extent association
// for a ZVOL, cleaning up whatever was already created if a later step fails.
func (s *ControllerService) createISCSIObjects(ctx context.Context, params *iscsiVolumeParams, zvol *tnsapi.Dataset, timer *metrics.OperationTimer) (*tnsapi.ISCSITarget, *tnsapi.ISCSIExtent, *tnsapi.ISCSITargetExtent, error) {
	target, err := s.apiClient.CreateISCSITarget(ctx, tnsapi.ISCSITargetCreateParams{
		Name:  params.targetName,
		Alias: params.volumeName,
		Mode:  "ISCSI",
	})
	if err != nil {
		timer.ObserveError()
		klog.Errorf("Failed to create iSCSI target, cleaning up ZVOL: %v", err)
		if delErr := s.apiClient.DeleteDataset(ctx, zvol.ID); delErr != nil {
			klog.Errorf("Failed to cleanup ZVOL: %v", delErr)
		}
		return nil, nil, nil, status.Errorf(classify(err), "Failed to create iSCSI target: %v", err)
	}

	enabled := true
	extent, err := s.apiClient.CreateISCSIExtent(ctx, tnsapi.ISCSIExtentCreateParams{
		Name:    params.targetName,
		Type:    iscsiExtentType,
		Disk:    "zvol/" + zvol.Name,
		Comment: params.volumeName,
		Enabled: &enabled,
	})
	if err != nil {
		klog.Errorf("Failed to create iSCSI extent, cleaning up: %v", err)
		if delErr := s.apiClient.DeleteISCSITarget(ctx, target.ID, true); delErr != nil {
			klog.Errorf("Failed to cleanup target: %v", delErr)
		}
		if delErr := s.apiClient.DeleteDataset(ctx, zvol.ID); delErr != nil {
			klog.Errorf("Failed to cleanup ZVOL: %v", delErr)
		}
		timer.ObserveError()
		return nil, nil, nil, status.Errorf(classify(err), "Failed to create iSCSI extent: %v", err)
	}

	targetExtent, err := s.apiClient.CreateISCSITargetExtent(ctx, tnsapi.ISCSITargetExtentCreateParams{
		Target: target.ID,
		Extent: extent.ID,
		LunID:  0, // LUN 0 with one extent per dedicated target
	})
	if err != nil {
		klog.Errorf("Failed to associate iSCSI target/extent, cleaning up: %v", err)
		if delErr := s.apiClient.DeleteISCSIExtent(ctx, extent.ID, false, true); delErr != nil {
			klog.Errorf("Failed to cleanup extent: %v", delErr)
		}
		if delErr := s.apiClient.DeleteISCSITarget(ctx, target.ID, true); delErr != nil {
			klog.Errorf("Failed to cleanup target: %v", delErr)
		}
		if delErr := s.apiClient.DeleteDataset(ctx, zvol.ID); delErr != nil {
			klog.Errorf("Failed to cleanup ZVOL: %v", delErr)
		}
		timer.ObserveError()
		return nil, nil, nil, status.Errorf(classify(err), "Failed to associate iSCSI target/extent: %v", err)
	}

	klog.V(4).Infof("Created iSCSI target=%d extent=%d targetextent=%d for ZVOL %s", target.ID, extent.ID, targetExtent.ID, zvol.Name)
	return target, extent, targetExtent, nil
}

// buildISCSIVolumeResponse builds the CreateVolumeResponse for an iSCSI volume.
func buildISCSIVolumeResponse(volumeName, server, iqn string, zvol *tnsapi.Dataset, target *tnsapi.ISCSITarget, extent *tnsapi.ISCSIExtent, targetExtent *tnsapi.ISCSITargetExtent, capacity int64) *csi.CreateVolumeResponse {
	meta := VolumeMetadata{
		Name:                volumeName,
		Protocol:            ProtocolISCSI,
		DatasetID:           zvol.ID,
		DatasetName:         zvol.Name,
		Server:              server,
		ISCSITargetID:       target.ID,
		ISCSIExtentID:       extent.ID,
		ISCSITargetExtentID: targetExtent.ID,
		ISCSIIQN:            iqn,
	}

	volumeID := volumeName
	volumeContext := buildVolumeContext(meta)
	volumeContext[VolumeContextKeyExpectedCapacity] = fmt.Sprintf("%d", capacity)

	metrics.SetVolumeCapacity(volumeID, metrics.ProtocolISCSI, capacity)

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      volumeID,
			CapacityBytes: capacity,
			VolumeContext: volumeContext,
		},
	}
}

// verifyISCSIOwnership verifies ownership of an iSCSI volume via ZFS properties,
// mirroring verifyNVMeOFOwnership. Returns the deleteStrategy from ZFS properties
// (defaults to "delete" if not found).
func (s *ControllerService) verifyISCSIOwnership(ctx context.Context, meta *VolumeMetadata) (string, error) {
	deleteStrategy := tnsapi.DeleteStrategyDelete

	if meta.DatasetID == "" {
		return deleteStrategy, nil
	}

	props, err := s.apiClient.GetDatasetProperties(ctx, meta.DatasetID, []string{
		tnsapi.PropertyManagedBy,
		tnsapi.PropertyCSIVolumeName,
		tnsapi.PropertyISCSITargetID,
		tnsapi.PropertyISCSIExtentID,
		tnsapi.PropertyISCSIIQN,
		tnsapi.PropertyDeleteStrategy,
	})
	if err != nil {
		klog.V(4).Infof("Could not read ZFS properties for %s: %v (proceeding with metadata-based deletion)", meta.DatasetID, err)
		return deleteStrategy, nil
	}

	if managedBy, ok := props[tnsapi.PropertyManagedBy]; ok && managedBy != tnsapi.ManagedByValue {
		return "", status.Errorf(codes.FailedPrecondition,
			"ZVOL %s is not managed by tns-csi (managed_by=%s), refusing to delete",
			meta.DatasetID, managedBy)
	}

	if storedVolumeName, ok := props[tnsapi.PropertyCSIVolumeName]; ok && storedVolumeName != meta.Name {
		return "", status.Errorf(codes.FailedPrecondition,
			"Volume name mismatch: ZVOL %s belongs to volume '%s', not '%s' (possible ID reuse)",
			meta.DatasetID, storedVolumeName, meta.Name)
	}

	if storedTargetID, ok := props[tnsapi.PropertyISCSITargetID]; ok {
		if parsedID := tnsapi.StringToInt(storedTargetID); parsedID > 0 && parsedID != meta.ISCSITargetID {
			klog.Infof("Using stored target ID %d instead of metadata ID %d", parsedID, meta.ISCSITargetID)
			meta.ISCSITargetID = parsedID
		}
	}
	if storedExtentID, ok := props[tnsapi.PropertyISCSIExtentID]; ok {
		if parsedID := tnsapi.StringToInt(storedExtentID); parsedID > 0 && parsedID != meta.ISCSIExtentID {
			klog.Infof("Using stored extent ID %d instead of metadata ID %d", parsedID, meta.ISCSIExtentID)
			meta.ISCSIExtentID = parsedID
		}
	}

	if strategy, ok := props[tnsapi.PropertyDeleteStrategy]; ok && strategy != "" {
		deleteStrategy = strategy
	}

	klog.V(4).Infof("Ownership verified for ZVOL %s (volume: %s)", meta.DatasetID, meta.Name)
	return deleteStrategy, nil
}

// deleteISCSIVolume deletes an iSCSI volume: the target/extent association,
// the extent, the target, and finally the backing ZVOL, in that order, using
// best-effort cleanup the same way deleteNVMeOFVolume does.
func (s *ControllerService) deleteISCSIVolume(ctx context.Context, meta *VolumeMetadata) (*csi.DeleteVolumeResponse, error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ProtocolISCSI, "delete")
	klog.V(4).Infof("Deleting iSCSI volume: %s (dataset: %s, target: %d, extent: %d)",
		meta.Name, meta.DatasetName, meta.ISCSITargetID, meta.ISCSIExtentID)

	deleteStrategy, err := s.verifyISCSIOwnership(ctx, meta)
	if err != nil {
		timer.ObserveError()
		return nil, err
	}

	if deleteStrategy == tnsapi.DeleteStrategyRetain {
		klog.Infof("Volume %s has deleteStrategy=retain, skipping actual deletion", meta.Name)
		timer.ObserveSuccess()
		return &csi.DeleteVolumeResponse{}, nil
	}

	var deletionErrors []error

	if err := s.deleteISCSITargetExtent(ctx, meta); err != nil {
		klog.Errorf("Failed to delete target/extent association %d (continuing with cleanup): %v", meta.ISCSITargetExtentID, err)
		deletionErrors = append(deletionErrors, fmt.Errorf("target/extent deletion failed: %w", err))
	}

	if err := s.deleteISCSIExtent(ctx, meta); err != nil {
		klog.Errorf("Failed to delete extent %d (continuing with cleanup): %v", meta.ISCSIExtentID, err)
		deletionErrors = append(deletionErrors, fmt.Errorf("extent deletion failed: %w", err))
	}

	if err := s.deleteISCSITarget(ctx, meta); err != nil {
		klog.Errorf("Failed to delete target %d (continuing with cleanup): %v", meta.ISCSITargetID, err)
		deletionErrors = append(deletionErrors, fmt.Errorf("target deletion failed: %w", err))
	}

	if err := s.deleteZVOL(ctx, meta); err != nil {
		klog.Errorf("Failed to delete ZVOL %s (continuing with cleanup): %v", meta.DatasetID, err)
		deletionErrors = append(deletionErrors, fmt.Errorf("ZVOL deletion failed: %w", err))
	}

	if err := s.apiClient.ReloadISCSIService(ctx); err != nil {
		klog.Warningf("Failed to reload iSCSI service after deleting target %d: %v", meta.ISCSITargetID, err)
	}

	if len(deletionErrors) == 0 {
		klog.Infof("Deleted iSCSI volume: %s (target/extent, extent, target, ZVOL)", meta.Name)
		metrics.DeleteVolumeCapacity(meta.Name, metrics.ProtocolISCSI)
		timer.ObserveSuccess()
		return &csi.DeleteVolumeResponse{}, nil
	}

	klog.Errorf("Failed to delete %d of 4 resources for volume %s: %v", len(deletionErrors), meta.Name, deletionErrors)
	timer.ObserveError()
	return nil, status.Errorf(codes.Internal,
		"Failed to delete %d of 4 volume resources for %s (successfully deleted %d): %v",
		len(deletionErrors), meta.Name, 4-len(deletionErrors), deletionErrors)
}

func (s *ControllerService) deleteISCSITargetExtent(ctx context.Context, meta *VolumeMetadata) error {
	if meta.ISCSITargetExtentID <= 0 {
		return nil
	}
	retryConfig := retry.DeletionConfig("delete-iscsi-targetextent")
	err := retry.WithRetryNoResult(ctx, retryConfig, func() error {
		deleteErr := s.apiClient.DeleteISCSITargetExtent(ctx, meta.ISCSITargetExtentID, true)
		if deleteErr != nil && isNotFoundError(deleteErr) {
			klog.V(4).Infof("Target/extent %d not found, assuming already deleted (idempotency)", meta.ISCSITargetExtentID)
			return nil
		}
		return deleteErr
	})
	if err != nil {
		return status.Errorf(classify(err), "Failed to delete iSCSI target/extent %d: %v", meta.ISCSITargetExtentID, err)
	}
	return nil
}

func (s *ControllerService) deleteISCSIExtent(ctx context.Context, meta *VolumeMetadata) error {
	if meta.ISCSIExtentID <= 0 {
		return nil
	}
	retryConfig := retry.DeletionConfig("delete-iscsi-extent")
	err := retry.WithRetryNoResult(ctx, retryConfig, func() error {
		deleteErr := s.apiClient.DeleteISCSIExtent(ctx, meta.ISCSIExtentID, false, true)
		if deleteErr != nil && isNotFoundError(deleteErr) {
			klog.V(4).Infof("Extent %d not found, assuming already deleted (idempotency)", meta.ISCSIExtentID)
			return nil
		}
		return deleteErr
	})
	if err != nil {
		return status.Errorf(classify(err), "Failed to delete iSCSI extent %d: %v", meta.ISCSIExtentID, err)
	}
	return nil
}

func (s *ControllerService) deleteISCSITarget(ctx context.Context, meta *VolumeMetadata) error {
	if meta.ISCSITargetID <= 0 {
		return nil
	}
	retryConfig := retry.DeletionConfig("delete-iscsi-target")
	err := retry.WithRetryNoResult(ctx, retryConfig, func() error {
		deleteErr := s.apiClient.DeleteISCSITarget(ctx, meta.ISCSITargetID, true)
		if deleteErr != nil && isNotFoundError(deleteErr) {
			klog.V(4).Infof("Target %d not found, assuming already deleted (idempotency)", meta.ISCSITargetID)
			return nil
		}
		return deleteErr
	})
	if err != nil {
		return status.Errorf(classify(err), "Failed to delete iSCSI target %d: %v", meta.ISCSITargetID, err)
	}
	return nil
}

// expandISCSIVolume expands an iSCSI volume by growing the backing ZVOL.
// As with NVMe-oF, the initiator must rescan the session to see the new size;
// NodeExpansionRequired tells Kubernetes to call NodeExpandVolume afterward.
func (s *ControllerService) expandISCSIVolume(ctx context.Context, meta *VolumeMetadata, requiredBytes int64) (*csi.ControllerExpandVolumeResponse, error) {
	klog.V(4).Infof("Expanding iSCSI volume: %s to %d bytes (dataset: %s)", meta.Name, requiredBytes, meta.DatasetID)

	if meta.DatasetID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume metadata missing dataset ID, cannot expand")
	}

	_, err := s.apiClient.UpdateDataset(ctx, meta.DatasetID, tnsapi.DatasetUpdateParams{
		Volsize: &requiredBytes,
	})
	if err != nil {
		return nil, status.Errorf(classify(err), "Failed to expand ZVOL %s: %v", meta.DatasetID, err)
	}

	klog.Infof("Expanded iSCSI ZVOL %s to %d bytes", meta.DatasetID, requiredBytes)
	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         requiredBytes,
		NodeExpansionRequired: true,
	}, nil
}
