package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/openzfs-csi/tns-csi-driver/pkg/tnsapi"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"k8s.io/klog/v2"
)

// Static errors for the detached-snapshot engine.
var (
	ErrDetachedSnapshotEmpty = errors.New("detached snapshot has no retained internal snapshot")
)

const (
	detachedReplicationPollInterval = 2 * time.Second
	detachedTransientPrefix         = "tns-csi-detach-"
)

// createDetachedSnapshot materializes srcDataset's current state as an
// independent dataset at parentDataset/snapshots/<id> via zfs send|receive,
// using TrueNAS's replication.run_onetime job rather than a local shell
// pipe: there is no local shell access to the appliance's pool.
//
// The transient snapshot used to seed the replication is removed from the
// source afterward either way; the destination carries no ZFS parent/child
// relationship to the source, so deleting the source later does not affect
// it.
func (s *ControllerService) createDetachedSnapshot(ctx context.Context, srcDataset, id string) (destDataset string, err error) {
	parentDataset := s.detachedSnapshotParent(srcDataset)
	destDataset = fmt.Sprintf("%s/snapshots/%s", parentDataset, id)
	transientSnap := detachedTransientPrefix + id

	if _, err := s.apiClient.CreateSnapshot(ctx, tnsapi.SnapshotCreateParams{
		Dataset:   srcDataset,
		Name:      transientSnap,
		Recursive: false,
	}); err != nil {
		return "", fmt.Errorf("create transient snapshot for detached copy: %w", err)
	}

	replErr := s.apiClient.RunOnetimeReplicationAndWait(ctx, tnsapi.ReplicationRunOnetimeParams{
		Direction:        "PUSH",
		Transport:        "LOCAL",
		SourceDatasets:   []string{fmt.Sprintf("%s@%s", srcDataset, transientSnap)},
		TargetDataset:    destDataset,
		Properties:       true,
		Replicate:        false,
		RetentionPolicy:  "NONE",
		Readonly:         "IGNORE",
		AllowFromScratch: true,
	}, detachedReplicationPollInterval)

	// The transient snapshot has done its job regardless of outcome;
	// clean it up best-effort so it doesn't accumulate on the source.
	if delErr := s.apiClient.DeleteSnapshot(ctx, fmt.Sprintf("%s@%s", srcDataset, transientSnap)); delErr != nil {
		klog.Warningf("detached snapshot: failed to remove transient snapshot %s@%s: %v", srcDataset, transientSnap, delErr)
	}

	if replErr != nil {
		klog.Errorf("detached snapshot: send/receive %s -> %s failed: %v", srcDataset, destDataset, replErr)
		if delErr := s.apiClient.DeleteDataset(ctx, destDataset); delErr != nil {
			klog.Warningf("detached snapshot: failed to clean up partial destination %s: %v", destDataset, delErr)
		}
		return "", fmt.Errorf("send/receive %s to %s: %w", srcDataset, destDataset, replErr)
	}

	klog.Infof("detached snapshot: materialized %s as independent dataset %s", srcDataset, destDataset)
	return destDataset, nil
}

// restoreDetachedSnapshot populates a new volume dataset from a detached
// snapshot's retained internal snapshot, then applies any zfs.* property
// overrides requested on the new volume.
func (s *ControllerService) restoreDetachedSnapshot(ctx context.Context, detachedDataset, destDataset string, propOverrides map[string]string) error {
	retained, err := s.latestSnapshotName(ctx, detachedDataset)
	if err != nil {
		return fmt.Errorf("resolve retained snapshot on detached dataset %s: %w", detachedDataset, err)
	}

	if err := s.apiClient.RunOnetimeReplicationAndWait(ctx, tnsapi.ReplicationRunOnetimeParams{
		Direction:        "PUSH",
		Transport:        "LOCAL",
		SourceDatasets:   []string{fmt.Sprintf("%s@%s", detachedDataset, retained)},
		TargetDataset:    destDataset,
		Properties:       true,
		Replicate:        false,
		RetentionPolicy:  "NONE",
		Readonly:         "IGNORE",
		AllowFromScratch: true,
	}, detachedReplicationPollInterval); err != nil {
		return fmt.Errorf("restore %s from detached snapshot %s@%s: %w", destDataset, detachedDataset, retained, err)
	}

	if len(propOverrides) > 0 {
		if err := s.apiClient.SetDatasetProperties(ctx, destDataset, propOverrides); err != nil {
			return fmt.Errorf("apply property overrides to %s: %w", destDataset, err)
		}
	}

	klog.Infof("detached snapshot: restored %s from %s", destDataset, detachedDataset)
	return nil
}

// latestSnapshotName finds the most recently created snapshot retained on
// a dataset, used to locate the internal snapshot a detached copy carries.
func (s *ControllerService) latestSnapshotName(ctx context.Context, dataset string) (string, error) {
	snapshots, err := s.apiClient.QuerySnapshots(ctx, []interface{}{
		[]interface{}{"dataset", "=", dataset},
	})
	if err != nil {
		return "", err
	}
	if len(snapshots) == 0 {
		return "", fmt.Errorf("%s: %w", dataset, ErrDetachedSnapshotEmpty)
	}

	latest := snapshots[0]
	latestTXG := parseTXG(latest.CreateTXG)
	for _, snap := range snapshots[1:] {
		if txg := parseTXG(snap.CreateTXG); txg > latestTXG {
			latest, latestTXG = snap, txg
		}
	}

	idx := strings.LastIndex(latest.ID, "@")
	if idx == -1 || idx == len(latest.ID)-1 {
		return "", fmt.Errorf("%w: malformed snapshot id %q", ErrDetachedSnapshotEmpty, latest.ID)
	}
	return latest.ID[idx+1:], nil
}

// extractZFSPropertyOverrides strips the "zfs." prefix from StorageClass
// parameters, producing the flat property map TrueNAS's dataset-update
// call expects. Values are uppercased, matching the convention TrueNAS's
// API requires for enum-valued properties (ON/OFF/LZ4/...).
func extractZFSPropertyOverrides(params map[string]string) map[string]string {
	overrides := make(map[string]string)
	for key, value := range params {
		if name, ok := strings.CutPrefix(key, "zfs."); ok {
			overrides[name] = strings.ToUpper(value)
		}
	}
	return overrides
}

// listDetachedSnapshotByID reports a detached snapshot's dataset as the
// ListSnapshots entry if it still exists.
func (s *ControllerService) listDetachedSnapshotByID(ctx context.Context, snapshotID, destDataset string) (*csi.ListSnapshotsResponse, error) {
	dataset, err := s.apiClient.Dataset(ctx, destDataset)
	if err != nil {
		return nil, status.Errorf(classify(err), "Failed to query detached snapshot dataset: %v", err)
	}
	if dataset == nil || dataset.Name != destDataset {
		return &csi.ListSnapshotsResponse{Entries: []*csi.ListSnapshotsResponse_Entry{}}, nil
	}

	return &csi.ListSnapshotsResponse{
		Entries: []*csi.ListSnapshotsResponse_Entry{
			{
				Snapshot: &csi.Snapshot{
					SnapshotId:   snapshotID,
					CreationTime: timestamppb.Now(),
					ReadyToUse:   true,
				},
			},
		},
	}, nil
}

// parseTXG parses a ZFS creation transaction group, treating an
// unparseable value as the oldest possible so it never wins a comparison.
func parseTXG(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

// detachedSnapshotParent returns the dataset under which detached datasets
// are stored (the caller appends "/snapshots/<id>"): the source's pool,
// keeping them in the same pool's dataset tree so existing dataset CRUD
// manages them uniformly.
func (s *ControllerService) detachedSnapshotParent(srcDataset string) string {
	pool, _, _, err := splitDatasetName(srcDataset)
	if err != nil {
		// Fall back to the source's immediate parent when the dataset
		// name doesn't have the usual pool/parent/name shape.
		if idx := strings.LastIndex(srcDataset, "/"); idx != -1 {
			return srcDataset[:idx]
		}
		return srcDataset
	}
	return pool
}
