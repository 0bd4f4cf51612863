// Package tnsapi provides a WebSocket client for TrueNAS Scale API.
package tnsapi

import (
	"context"
	"time"
)

// ClientInterface defines the interface for TrueNAS API operations.
// This allows for dependency injection and easier testing.
//
//nolint:interfacebloat // TrueNAS API client naturally has many methods covering different resource types
type ClientInterface interface {
	// Pool operations
	QueryPool(ctx context.Context, poolName string) (*Pool, error)

	// Dataset operations
	CreateDataset(ctx context.Context, params DatasetCreateParams) (*Dataset, error)
	DeleteDataset(ctx context.Context, datasetID string) error
	Dataset(ctx context.Context, datasetID string) (*Dataset, error)
	UpdateDataset(ctx context.Context, datasetID string, params DatasetUpdateParams) (*Dataset, error)
	QueryAllDatasets(ctx context.Context, prefix string) ([]Dataset, error)

	// NFS share operations
	CreateNFSShare(ctx context.Context, params NFSShareCreateParams) (*NFSShare, error)
	DeleteNFSShare(ctx context.Context, shareID int) error
	QueryNFSShare(ctx context.Context, path string) ([]NFSShare, error)
	QueryAllNFSShares(ctx context.Context, pathPrefix string) ([]NFSShare, error)

	// ZVOL operations
	CreateZvol(ctx context.Context, params ZvolCreateParams) (*Dataset, error)

	// NVMe-oF operations
	CreateNVMeOFSubsystem(ctx context.Context, params NVMeOFSubsystemCreateParams) (*NVMeOFSubsystem, error)
	DeleteNVMeOFSubsystem(ctx context.Context, subsystemID int) error
	NVMeOFSubsystemByNQN(ctx context.Context, nqn string) (*NVMeOFSubsystem, error)
	QueryNVMeOFSubsystem(ctx context.Context, nqn string) ([]NVMeOFSubsystem, error)
	ListAllNVMeOFSubsystems(ctx context.Context) ([]NVMeOFSubsystem, error)

	CreateNVMeOFNamespace(ctx context.Context, params NVMeOFNamespaceCreateParams) (*NVMeOFNamespace, error)
	DeleteNVMeOFNamespace(ctx context.Context, namespaceID int) error
	QueryAllNVMeOFNamespaces(ctx context.Context) ([]NVMeOFNamespace, error)

	AddSubsystemToPort(ctx context.Context, subsystemID, portID int) error
	RemoveSubsystemFromPort(ctx context.Context, portSubsysID int) error
	QuerySubsystemPortBindings(ctx context.Context, subsystemID int) ([]NVMeOFPortSubsystem, error)
	QueryNVMeOFPorts(ctx context.Context) ([]NVMeOFPort, error)

	// iSCSI operations
	CreateISCSITarget(ctx context.Context, params ISCSITargetCreateParams) (*ISCSITarget, error)
	DeleteISCSITarget(ctx context.Context, targetID int, force bool) error
	QueryISCSITargets(ctx context.Context, filters []interface{}) ([]ISCSITarget, error)
	ISCSITargetByName(ctx context.Context, name string) (*ISCSITarget, error)
	CreateISCSIExtent(ctx context.Context, params ISCSIExtentCreateParams) (*ISCSIExtent, error)
	DeleteISCSIExtent(ctx context.Context, extentID int, remove, force bool) error
	QueryISCSIExtents(ctx context.Context, filters []interface{}) ([]ISCSIExtent, error)
	ISCSIExtentByName(ctx context.Context, name string) (*ISCSIExtent, error)
	CreateISCSITargetExtent(ctx context.Context, params ISCSITargetExtentCreateParams) (*ISCSITargetExtent, error)
	DeleteISCSITargetExtent(ctx context.Context, teID int, force bool) error
	QueryISCSITargetExtents(ctx context.Context, filters []interface{}) ([]ISCSITargetExtent, error)
	ISCSITargetExtentByTarget(ctx context.Context, targetID int) ([]ISCSITargetExtent, error)
	GetISCSIGlobalConfig(ctx context.Context) (*ISCSIGlobalConfig, error)
	QueryISCSIPortals(ctx context.Context) ([]ISCSIPortal, error)
	QueryISCSIInitiators(ctx context.Context) ([]ISCSIInitiator, error)
	ReloadISCSIService(ctx context.Context) error

	// Snapshot operations
	CreateSnapshot(ctx context.Context, params SnapshotCreateParams) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	QuerySnapshots(ctx context.Context, filters []interface{}) ([]Snapshot, error)
	CloneSnapshot(ctx context.Context, params CloneSnapshotParams) (*Dataset, error)
	PromoteDataset(ctx context.Context, datasetID string) error

	// Replication (send/receive) operations, backing the detached-snapshot engine
	RunOnetimeReplication(ctx context.Context, params ReplicationRunOnetimeParams) (int, error)
	GetJobStatus(ctx context.Context, jobID int) (*ReplicationJobState, error)
	WaitForJob(ctx context.Context, jobID int, pollInterval time.Duration) error
	RunOnetimeReplicationAndWait(ctx context.Context, params ReplicationRunOnetimeParams, pollInterval time.Duration) error

	// Dataset property operations
	SetDatasetProperties(ctx context.Context, datasetID string, properties map[string]string) error
	GetDatasetProperties(ctx context.Context, datasetID string, propertyNames []string) (map[string]string, error)

	// Connection management
	Close()
}

// Verify that Client implements ClientInterface at compile time.
var _ ClientInterface = (*Client)(nil)
