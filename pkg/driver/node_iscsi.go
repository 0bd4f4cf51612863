package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/openzfs-csi/tns-csi-driver/pkg/mount"
	"github.com/openzfs-csi/tns-csi-driver/pkg/retry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Static errors for iSCSI operations.
var (
	ErrISCSIAdmNotFound    = errors.New("iscsiadm command not found - please install open-iscsi")
	ErrISCSIDeviceNotFound = errors.New("iSCSI device not found")
	ErrISCSIDeviceTimeout  = errors.New("timeout waiting for iSCSI device to appear")
	ErrISCSILoginFailed    = errors.New("failed to login to iSCSI target")
)

// defaultISCSIMountOptions are sensible defaults for iSCSI filesystem mounts.
var defaultISCSIMountOptions = []string{"noatime", "_netdev"}

// iscsiConnectionParams holds validated iSCSI connection parameters.
// Every volume gets its own dedicated target, so the LUN is always 0.
type iscsiConnectionParams struct {
	iqn    string
	server string
	port   string
	lun    int
}

func (p *iscsiConnectionParams) portal() string {
	return p.server + ":" + p.port
}

// stageISCSIVolume stages an iSCSI volume by logging into its dedicated target.
func (s *NodeService) stageISCSIVolume(ctx context.Context, req *csi.NodeStageVolumeRequest, volumeContext map[string]string) (*csi.NodeStageVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	stagingTargetPath := req.GetStagingTargetPath()
	volumeCapability := req.GetVolumeCapability()
	datasetName := volumeContext["datasetName"]

	params, err := s.validateISCSIParams(volumeContext)
	if err != nil {
		return nil, err
	}

	isBlockVolume := volumeCapability.GetBlock() != nil
	klog.V(4).Infof("Staging iSCSI volume %s (block mode: %v): portal=%s, IQN=%s, LUN=%d, dataset=%s",
		volumeID, isBlockVolume, params.portal(), params.iqn, params.lun, datasetName)

	if devicePath, findErr := s.findISCSIDevice(ctx, params); findErr == nil && devicePath != "" {
		klog.V(4).Infof("iSCSI device already connected at %s - reusing existing session", devicePath)
		return s.stageISCSIDevice(ctx, volumeID, devicePath, stagingTargetPath, volumeCapability, isBlockVolume, volumeContext)
	}

	if checkErr := s.checkISCSIAdm(ctx); checkErr != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "open-iscsi not available: %v", checkErr)
	}

	return s.connectAndStageISCSIDevice(ctx, params, volumeID, stagingTargetPath, volumeCapability, isBlockVolume, volumeContext, datasetName)
}

// connectAndStageISCSIDevice logs into the target and stages the resulting device, retrying
// the whole login/wait cycle if the device fails to appear (a freshly created target on
// TrueNAS is sometimes not immediately ready to serve I/O after a successful login).
func (s *NodeService) connectAndStageISCSIDevice(ctx context.Context, params *iscsiConnectionParams, volumeID, stagingTargetPath string, volumeCapability *csi.VolumeCapability, isBlockVolume bool, volumeContext map[string]string, datasetName string) (*csi.NodeStageVolumeResponse, error) {
	const (
		deviceWaitTimeout = 30 * time.Second
		maxLoginCycles    = 2
	)

	var lastErr error
	for attempt := 1; attempt <= maxLoginCycles; attempt++ {
		if attempt > 1 {
			klog.V(4).Infof("Retrying iSCSI login cycle (attempt %d/%d) for target: %s", attempt, maxLoginCycles, params.iqn)
		}

		if loginErr := s.loginISCSITarget(ctx, params); loginErr != nil {
			lastErr = loginErr
			klog.Warningf("iSCSI login attempt %d failed: %v", attempt, loginErr)
			continue
		}

		devicePath, waitErr := s.waitForISCSIDevice(ctx, params, deviceWaitTimeout)
		if waitErr == nil {
			klog.V(4).Infof("iSCSI device connected at %s (IQN: %s, LUN: %d, dataset: %s) on attempt %d",
				devicePath, params.iqn, params.lun, datasetName, attempt)
			return s.stageISCSIDevice(ctx, volumeID, devicePath, stagingTargetPath, volumeCapability, isBlockVolume, volumeContext)
		}

		lastErr = waitErr
		klog.Warningf("iSCSI device wait failed on attempt %d: %v", attempt, waitErr)

		if logoutErr := s.logoutISCSITarget(ctx, params); logoutErr != nil {
			klog.Warningf("Failed to logout from iSCSI target after device wait failure: %v", logoutErr)
		}

		if attempt < maxLoginCycles {
			time.Sleep(3 * time.Second)
		}
	}

	return nil, status.Errorf(codes.Internal, "Failed to find iSCSI device after %d login cycles (IQN: %s): %v",
		maxLoginCycles, params.iqn, lastErr)
}

// validateISCSIParams validates and extracts iSCSI connection parameters from volume context.
func (s *NodeService) validateISCSIParams(volumeContext map[string]string) (*iscsiConnectionParams, error) {
	params := &iscsiConnectionParams{
		iqn:    volumeContext[VolumeContextKeyISCSIIQN],
		server: volumeContext["server"],
		port:   volumeContext["port"],
		lun:    0,
	}

	if params.iqn == "" || params.server == "" {
		return nil, status.Error(codes.InvalidArgument, "iSCSI IQN and server must be provided in volume context")
	}

	if params.port == "" {
		params.port = "3260"
	}

	return params, nil
}

// checkISCSIAdm checks if iscsiadm is installed.
func (s *NodeService) checkISCSIAdm(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(checkCtx, "iscsiadm", "--version")
	if err := cmd.Run(); err != nil {
		return ErrISCSIAdmNotFound
	}
	return nil
}

// loginISCSITarget discovers the portal and logs into the target, retrying transient
// login failures (a target that was just provisioned may briefly refuse sessions).
func (s *NodeService) loginISCSITarget(ctx context.Context, params *iscsiConnectionParams) error {
	s.discoverISCSIPortal(ctx, params)

	klog.V(4).Infof("Logging into iSCSI target: %s at %s", params.iqn, params.portal())

	config := retry.Config{
		MaxAttempts:       4,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 1.5,
		RetryableFunc:     isRetryableISCSILoginError,
		OperationName:     fmt.Sprintf("iscsiadm-login(%s)", params.iqn),
	}

	return retry.WithRetryNoResult(ctx, config, func() error {
		return s.attemptISCSILogin(ctx, params)
	})
}

// discoverISCSIPortal runs sendtargets discovery against the portal. Failure here is not
// fatal: the target may already be known to the initiator from a previous session.
func (s *NodeService) discoverISCSIPortal(ctx context.Context, params *iscsiConnectionParams) {
	klog.V(4).Infof("Discovering iSCSI targets at %s", params.portal())
	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	//nolint:gosec // iscsiadm with portal from volume context is expected for CSI driver
	cmd := exec.CommandContext(discoverCtx, "iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", params.portal())
	output, err := cmd.CombinedOutput()
	if err != nil {
		klog.Warningf("iSCSI discovery failed (may be OK if target is known): %v, output: %s", err, string(output))
		return
	}
	klog.V(4).Infof("iSCSI discovery output: %s", string(output))
}

// attemptISCSILogin performs a single iscsiadm login attempt.
func (s *NodeService) attemptISCSILogin(ctx context.Context, params *iscsiConnectionParams) error {
	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	//nolint:gosec // iscsiadm login with IQN and portal from volume context is expected for CSI driver
	cmd := exec.CommandContext(loginCtx, "iscsiadm", "-m", "node", "-T", params.iqn, "-p", params.portal(), "--login")
	output, err := cmd.CombinedOutput()
	if err == nil {
		klog.V(4).Infof("Successfully logged into iSCSI target: %s", params.iqn)
		return nil
	}

	if strings.Contains(string(output), "already present") || strings.Contains(string(output), "session already exists") {
		klog.V(4).Infof("iSCSI target already logged in: %s", params.iqn)
		return nil
	}

	klog.Errorf("iSCSI login failed for target %s at %s: %v, output: %s", params.iqn, params.portal(), err, string(output))
	return fmt.Errorf("%w: %s", ErrISCSILoginFailed, string(output))
}

// isRetryableISCSILoginError determines if an iscsiadm login failure is transient and
// worth retrying, e.g. a target that was just created and isn't fully ready yet.
func isRetryableISCSILoginError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	retryablePatterns := []string{
		"connection timed out",
		"connection refused",
		"No route to host",
		"transport endpoint is not connected",
		"iSCSI login failed due to authorization failure", // target ACL not yet propagated
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// logoutISCSITarget logs out from an iSCSI target.
func (s *NodeService) logoutISCSITarget(ctx context.Context, params *iscsiConnectionParams) error {
	klog.V(4).Infof("Logging out from iSCSI target: %s at %s", params.iqn, params.portal())
	logoutCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	//nolint:gosec // iscsiadm logout with IQN and portal from volume context is expected for CSI driver
	cmd := exec.CommandContext(logoutCtx, "iscsiadm", "-m", "node", "-T", params.iqn, "-p", params.portal(), "--logout")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No matching sessions") || strings.Contains(string(output), "not found") {
			klog.V(4).Infof("iSCSI target already logged out")
			return nil
		}
		return err
	}

	klog.V(4).Infof("Successfully logged out from iSCSI target: %s", params.iqn)
	return nil
}

// findISCSIDevice finds the device path for an iSCSI LUN via /dev/disk/by-path.
func (s *NodeService) findISCSIDevice(_ context.Context, params *iscsiConnectionParams) (string, error) {
	pattern := "ip-" + params.portal() + "-iscsi-" + params.iqn + "-lun-*"
	byPathDir := "/dev/disk/by-path"

	matches, err := filepath.Glob(filepath.Join(byPathDir, pattern))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrISCSIDeviceNotFound
	}

	devicePath, err := filepath.EvalSymlinks(matches[0])
	if err != nil {
		return "", err
	}

	klog.V(4).Infof("Found iSCSI device: %s -> %s", matches[0], devicePath)
	return devicePath, nil
}

// waitForISCSIDevice polls for the iSCSI device to appear after login.
func (s *NodeService) waitForISCSIDevice(ctx context.Context, params *iscsiConnectionParams, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		devicePath, err := s.findISCSIDevice(ctx, params)
		if err == nil && devicePath != "" {
			if _, statErr := os.Stat(devicePath); statErr == nil {
				klog.V(4).Infof("iSCSI device found at %s after %d attempts", devicePath, attempt)
				return devicePath, nil
			}
		}
		time.Sleep(1 * time.Second)
	}

	return "", ErrISCSIDeviceTimeout
}

// stageISCSIDevice stages an iSCSI device as either a raw block volume or a filesystem.
func (s *NodeService) stageISCSIDevice(ctx context.Context, volumeID, devicePath, stagingTargetPath string, volumeCapability *csi.VolumeCapability, isBlockVolume bool, volumeContext map[string]string) (*csi.NodeStageVolumeResponse, error) {
	if !isBlockVolume {
		if err := waitForDeviceInitialization(ctx, devicePath); err != nil {
			return nil, status.Errorf(codes.Internal, "Device initialization timeout: %v", err)
		}

		if err := forceDeviceRescan(ctx, devicePath); err != nil {
			klog.Warningf("Device rescan warning for %s: %v (continuing anyway)", devicePath, err)
		}

		const deviceMetadataDelay = 2 * time.Second
		klog.V(4).Infof("Waiting %v for device %s metadata to stabilize", deviceMetadataDelay, devicePath)
		time.Sleep(deviceMetadataDelay)
	}

	if isBlockVolume {
		return s.stageBlockDevice(devicePath, stagingTargetPath)
	}
	return s.formatAndMountISCSIDevice(ctx, volumeID, devicePath, stagingTargetPath, volumeCapability, volumeContext)
}

// formatAndMountISCSIDevice formats (if needed) and mounts an iSCSI device.
func (s *NodeService) formatAndMountISCSIDevice(ctx context.Context, volumeID, devicePath, stagingTargetPath string, volumeCapability *csi.VolumeCapability, volumeContext map[string]string) (*csi.NodeStageVolumeResponse, error) {
	datasetName := volumeContext["datasetName"]
	iqn := volumeContext[VolumeContextKeyISCSIIQN]
	klog.V(4).Infof("Formatting and mounting iSCSI device: device=%s, path=%s, volume=%s, dataset=%s, IQN=%s",
		devicePath, stagingTargetPath, volumeID, datasetName, iqn)

	s.logDeviceInfo(ctx, devicePath)

	if err := s.verifyDeviceSize(ctx, devicePath, volumeContext); err != nil {
		klog.Errorf("Device size verification FAILED for %s: %v", devicePath, err)
		return nil, status.Errorf(codes.FailedPrecondition,
			"Device size mismatch detected - refusing to mount: %v", err)
	}

	fsType := "ext4"
	if mnt := volumeCapability.GetMount(); mnt != nil && mnt.FsType != "" {
		fsType = mnt.FsType
	}

	isClone := false
	if cloned, exists := volumeContext[VolumeContextKeyClonedFromSnap]; exists && cloned == VolumeContextValueTrue {
		isClone = true
		klog.V(4).Infof("Volume %s was cloned from snapshot - adding stabilization delay", volumeID)
		const cloneStabilizationDelay = 5 * time.Second
		time.Sleep(cloneStabilizationDelay)
	}

	if err := s.handleDeviceFormatting(ctx, volumeID, devicePath, fsType, datasetName, iqn, isClone); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(stagingTargetPath, 0o750); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to create staging target path: %v", err)
	}

	mounted, err := mount.IsMounted(ctx, stagingTargetPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to check if staging path is mounted: %v", err)
	}
	if mounted {
		klog.V(4).Infof("Staging path %s is already mounted", stagingTargetPath)
		return &csi.NodeStageVolumeResponse{}, nil
	}

	klog.V(4).Infof("Mounting device %s to %s", devicePath, stagingTargetPath)

	var userMountOptions []string
	if mnt := volumeCapability.GetMount(); mnt != nil {
		userMountOptions = mnt.MountFlags
	}
	mountOptions := getISCSIMountOptions(userMountOptions)
	klog.V(4).Infof("iSCSI mount options: user=%v, final=%v", userMountOptions, mountOptions)

	args := []string{devicePath, stagingTargetPath}
	if len(mountOptions) > 0 {
		args = []string{"-o", mount.JoinMountOptions(mountOptions), devicePath, stagingTargetPath}
	}

	mountCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	//nolint:gosec // mount command with dynamic args is expected for CSI driver
	cmd := exec.CommandContext(mountCtx, "mount", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to mount device: %v, output: %s", err, string(output))
	}

	klog.V(4).Infof("Mounted iSCSI device to staging path")
	return &csi.NodeStageVolumeResponse{}, nil
}

// unstageISCSIVolume unstages an iSCSI volume by unmounting and logging out from the target.
func (s *NodeService) unstageISCSIVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest, volumeContext map[string]string) (*csi.NodeUnstageVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	stagingTargetPath := req.GetStagingTargetPath()

	klog.V(4).Infof("Unstaging iSCSI volume %s from %s", volumeID, stagingTargetPath)

	mounted, err := mount.IsMounted(ctx, stagingTargetPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to check if staging path is mounted: %v", err)
	}
	if mounted {
		klog.V(4).Infof("Unmounting staging path: %s", stagingTargetPath)
		if err := mount.Unmount(ctx, stagingTargetPath); err != nil {
			return nil, status.Errorf(codes.Internal, "Failed to unmount staging path: %v", err)
		}
	}

	iqn := volumeContext[VolumeContextKeyISCSIIQN]
	if iqn == "" {
		klog.Warningf("Cannot determine IQN for volume %s - skipping iSCSI logout", volumeID)
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	port := volumeContext["port"]
	if port == "" {
		port = "3260"
	}
	params := &iscsiConnectionParams{
		iqn:    iqn,
		server: volumeContext["server"],
		port:   port,
	}

	klog.V(4).Infof("Logging out from iSCSI target for volume %s: IQN=%s", volumeID, iqn)
	if err := s.logoutISCSITarget(ctx, params); err != nil {
		klog.Warningf("Failed to logout from iSCSI target (continuing anyway): %v", err)
	}

	return &csi.NodeUnstageVolumeResponse{}, nil
}

// getISCSIMountOptions merges user-provided mount options with sensible defaults.
func getISCSIMountOptions(userOptions []string) []string {
	if len(userOptions) == 0 {
		return defaultISCSIMountOptions
	}

	userOptionKeys := make(map[string]bool)
	for _, opt := range userOptions {
		userOptionKeys[extractISCSIOptionKey(opt)] = true
	}

	result := make([]string, 0, len(userOptions)+len(defaultISCSIMountOptions))
	result = append(result, userOptions...)

	for _, defaultOpt := range defaultISCSIMountOptions {
		if !userOptionKeys[extractISCSIOptionKey(defaultOpt)] {
			result = append(result, defaultOpt)
		}
	}

	return result
}

// extractISCSIOptionKey extracts the key from a mount option of the form "key=value".
func extractISCSIOptionKey(option string) string {
	for i, c := range option {
		if c == '=' {
			return option[:i]
		}
	}
	return option
}
