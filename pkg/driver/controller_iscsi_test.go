package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/openzfs-csi/tns-csi-driver/pkg/tnsapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateISCSIParams(t *testing.T) {
	tests := []struct {
		req      *csi.CreateVolumeRequest
		check    func(*testing.T, *iscsiVolumeParams)
		name     string
		wantCode codes.Code
		wantErr  bool
	}{
		{
			name: "valid params with defaults",
			req: &csi.CreateVolumeRequest{
				Name: "test-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
				CapacityRange: &csi.CapacityRange{
					RequiredBytes: 5 * 1024 * 1024 * 1024,
				},
			},
			check: func(t *testing.T, p *iscsiVolumeParams) {
				t.Helper()
				if p.pool != "tank" {
					t.Errorf("Expected pool=tank, got %s", p.pool)
				}
				if p.parentDataset != "tank" {
					t.Errorf("Expected parentDataset defaulted to pool, got %s", p.parentDataset)
				}
				if p.zvolName != "tank/test-volume" {
					t.Errorf("Expected zvolName=tank/test-volume, got %s", p.zvolName)
				}
				if p.targetName != "test-volume" {
					t.Errorf("Expected targetName=test-volume, got %s", p.targetName)
				}
				if p.deleteStrategy != tnsapi.DeleteStrategyDelete {
					t.Errorf("Expected default deleteStrategy=delete, got %s", p.deleteStrategy)
				}
				if p.requestedCapacity != 5*1024*1024*1024 {
					t.Errorf("Expected capacity 5GB, got %d", p.requestedCapacity)
				}
			},
		},
		{
			name: "default capacity when unspecified",
			req: &csi.CreateVolumeRequest{
				Name: "test-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
			},
			check: func(t *testing.T, p *iscsiVolumeParams) {
				t.Helper()
				if p.requestedCapacity != 1*1024*1024*1024 {
					t.Errorf("Expected default capacity 1GB, got %d", p.requestedCapacity)
				}
			},
		},
		{
			name: "explicit parentDataset overrides pool",
			req: &csi.CreateVolumeRequest{
				Name: "test-volume",
				Parameters: map[string]string{
					"pool":          "tank",
					"server":        "192.168.1.100",
					"parentDataset": "tank/iscsi",
				},
			},
			check: func(t *testing.T, p *iscsiVolumeParams) {
				t.Helper()
				if p.parentDataset != "tank/iscsi" {
					t.Errorf("Expected parentDataset=tank/iscsi, got %s", p.parentDataset)
				}
				if p.zvolName != "tank/iscsi/test-volume" {
					t.Errorf("Expected zvolName=tank/iscsi/test-volume, got %s", p.zvolName)
				}
			},
		},
		{
			name: "target name is sanitized",
			req: &csi.CreateVolumeRequest{
				Name: "Test_Volume.01",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
			},
			check: func(t *testing.T, p *iscsiVolumeParams) {
				t.Helper()
				if p.targetName != "test-volume.01" {
					t.Errorf("Expected sanitized targetName=test-volume.01, got %s", p.targetName)
				}
			},
		},
		{
			name: "missing pool parameter",
			req: &csi.CreateVolumeRequest{
				Name: "test-volume",
				Parameters: map[string]string{
					"server": "192.168.1.100",
				},
			},
			wantErr:  true,
			wantCode: codes.InvalidArgument,
		},
		{
			name: "missing server parameter",
			req: &csi.CreateVolumeRequest{
				Name: "test-volume",
				Parameters: map[string]string{
					"pool": "tank",
				},
			},
			wantErr:  true,
			wantCode: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := validateISCSIParams(tt.req)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if st, ok := status.FromError(err); ok && st.Code() != tt.wantCode {
					t.Errorf("Expected error code %v, got %v", tt.wantCode, st.Code())
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, params)
			}
		})
	}
}

func TestSanitizeISCSITargetName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple-name", "simple-name"},
		{"UPPER_CASE", "upper-case"},
		{"pvc_12345.test", "pvc-12345.test"},
		{"name:with:colons", "name:with:colons"},
		{"name with spaces", "name-with-spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeISCSITargetName(tt.input); got != tt.want {
				t.Errorf("sanitizeISCSITargetName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIQNForTarget(t *testing.T) {
	got := iqnForTarget("iqn.2005-10.org.freenas.ctl", "test-volume")
	want := "iqn.2005-10.org.freenas.ctl:test-volume"
	if got != want {
		t.Errorf("iqnForTarget() = %q, want %q", got, want)
	}
}

func TestBuildISCSIVolumeResponse(t *testing.T) {
	zvol := &tnsapi.Dataset{ID: "tank/test-volume", Name: "tank/test-volume", Type: "VOLUME"}
	target := &tnsapi.ISCSITarget{ID: 10, Name: "test-volume"}
	extent := &tnsapi.ISCSIExtent{ID: 20, Name: "test-volume"}
	targetExtent := &tnsapi.ISCSITargetExtent{ID: 30, Target: 10, Extent: 20}

	resp := buildISCSIVolumeResponse("test-volume", "192.168.1.100",
		"iqn.2005-10.org.freenas.ctl:test-volume", zvol, target, extent, targetExtent,
		5*1024*1024*1024)

	if resp.Volume == nil {
		t.Fatal("Expected non-nil volume")
	}
	if resp.Volume.VolumeId != "test-volume" {
		t.Errorf("Expected VolumeId=test-volume, got %s", resp.Volume.VolumeId)
	}
	if resp.Volume.CapacityBytes != 5*1024*1024*1024 {
		t.Errorf("Expected capacity 5GB, got %d", resp.Volume.CapacityBytes)
	}
	vc := resp.Volume.VolumeContext
	if vc[VolumeContextKeyServer] != "192.168.1.100" {
		t.Errorf("Expected server=192.168.1.100, got %s", vc[VolumeContextKeyServer])
	}
	if vc[VolumeContextKeyISCSIIQN] != "iqn.2005-10.org.freenas.ctl:test-volume" {
		t.Errorf("Expected iqn set, got %s", vc[VolumeContextKeyISCSIIQN])
	}
	if vc[VolumeContextKeyISCSITargetID] != "10" {
		t.Errorf("Expected iscsiTargetID=10, got %s", vc[VolumeContextKeyISCSITargetID])
	}
	if vc[VolumeContextKeyDatasetName] != "tank/test-volume" {
		t.Errorf("Expected datasetName set, got %s", vc[VolumeContextKeyDatasetName])
	}
	if vc[VolumeContextKeyPort] != "3260" {
		t.Errorf("Expected port=3260, got %s", vc[VolumeContextKeyPort])
	}
}

func TestCreateISCSIVolume(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		req           *csi.CreateVolumeRequest
		mockSetup     func(*MockAPIClientForSnapshots)
		checkResponse func(*testing.T, *csi.CreateVolumeResponse)
		name          string
		wantCode      codes.Code
		wantErr       bool
	}{
		{
			name: "successful iSCSI volume creation",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				VolumeCapabilities: []*csi.VolumeCapability{
					{
						AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_BlockVolume{}},
					},
				},
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
				CapacityRange: &csi.CapacityRange{
					RequiredBytes: 10 * 1024 * 1024 * 1024,
				},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{}, nil
				}
				m.CreateZvolFunc = func(ctx context.Context, params tnsapi.ZvolCreateParams) (*tnsapi.Dataset, error) {
					if params.Name != "tank/test-iscsi-volume" {
						t.Errorf("Expected ZVOL name tank/test-iscsi-volume, got %s", params.Name)
					}
					if params.Volblocksize != "4K" {
						t.Errorf("Expected default volblocksize 4K, got %s", params.Volblocksize)
					}
					return &tnsapi.Dataset{ID: "tank/test-iscsi-volume", Name: "tank/test-iscsi-volume", Type: "VOLUME"}, nil
				}
				m.CreateISCSITargetFunc = func(ctx context.Context, params tnsapi.ISCSITargetCreateParams) (*tnsapi.ISCSITarget, error) {
					if params.Name != "test-iscsi-volume" {
						t.Errorf("Expected target name test-iscsi-volume, got %s", params.Name)
					}
					return &tnsapi.ISCSITarget{ID: 10, Name: params.Name}, nil
				}
				m.CreateISCSIExtentFunc = func(ctx context.Context, params tnsapi.ISCSIExtentCreateParams) (*tnsapi.ISCSIExtent, error) {
					if params.Disk != "zvol/tank/test-iscsi-volume" {
						t.Errorf("Expected disk zvol/tank/test-iscsi-volume, got %s", params.Disk)
					}
					return &tnsapi.ISCSIExtent{ID: 20, Name: params.Name}, nil
				}
				m.CreateISCSITargetExtentFunc = func(ctx context.Context, params tnsapi.ISCSITargetExtentCreateParams) (*tnsapi.ISCSITargetExtent, error) {
					if params.Target != 10 || params.Extent != 20 {
						t.Errorf("Expected target=10 extent=20, got target=%d extent=%d", params.Target, params.Extent)
					}
					return &tnsapi.ISCSITargetExtent{ID: 30, Target: params.Target, Extent: params.Extent}, nil
				}
				m.GetISCSIGlobalConfigFunc = func(ctx context.Context) (*tnsapi.ISCSIGlobalConfig, error) {
					return &tnsapi.ISCSIGlobalConfig{Basename: "iqn.2005-10.org.freenas.ctl"}, nil
				}
				m.SetDatasetPropertiesFunc = func(ctx context.Context, datasetID string, props map[string]string) error {
					return nil
				}
				m.ReloadISCSIServiceFunc = func(ctx context.Context) error {
					return nil
				}
			},
			wantErr: false,
			checkResponse: func(t *testing.T, resp *csi.CreateVolumeResponse) {
				t.Helper()
				if resp.Volume == nil {
					t.Fatal("Expected non-nil volume")
				}
				if resp.Volume.CapacityBytes != 10*1024*1024*1024 {
					t.Errorf("Expected capacity 10GB, got %d", resp.Volume.CapacityBytes)
				}
				wantIQN := "iqn.2005-10.org.freenas.ctl:test-iscsi-volume"
				if resp.Volume.VolumeContext[VolumeContextKeyISCSIIQN] != wantIQN {
					t.Errorf("Expected iqn %s, got %s", wantIQN, resp.Volume.VolumeContext[VolumeContextKeyISCSIIQN])
				}
				if resp.Volume.VolumeContext[VolumeContextKeyISCSITargetID] != "10" {
					t.Errorf("Expected iscsiTargetID=10, got %s", resp.Volume.VolumeContext[VolumeContextKeyISCSITargetID])
				}
			},
		},
		{
			name: "missing pool parameter",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"server": "192.168.1.100",
				},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {},
			wantErr:   true,
			wantCode:  codes.InvalidArgument,
		},
		{
			name: "ZVOL creation failure",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{}, nil
				}
				m.CreateZvolFunc = func(ctx context.Context, params tnsapi.ZvolCreateParams) (*tnsapi.Dataset, error) {
					return nil, errors.New("insufficient space in pool")
				}
			},
			wantErr:  true,
			wantCode: codes.Internal,
		},
		{
			name: "target creation failure with ZVOL cleanup",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				zvolCreated := false
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{}, nil
				}
				m.CreateZvolFunc = func(ctx context.Context, params tnsapi.ZvolCreateParams) (*tnsapi.Dataset, error) {
					zvolCreated = true
					return &tnsapi.Dataset{ID: "tank/test-iscsi-volume", Name: "tank/test-iscsi-volume", Type: "VOLUME"}, nil
				}
				m.CreateISCSITargetFunc = func(ctx context.Context, params tnsapi.ISCSITargetCreateParams) (*tnsapi.ISCSITarget, error) {
					return nil, errors.New("failed to create target")
				}
				m.DeleteDatasetFunc = func(ctx context.Context, datasetID string) error {
					if !zvolCreated {
						t.Error("DeleteDataset called before CreateZvol")
					}
					return nil
				}
			},
			wantErr:  true,
			wantCode: codes.Internal,
		},
		{
			name: "extent creation failure with full cleanup",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				targetCreated := false
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{}, nil
				}
				m.CreateZvolFunc = func(ctx context.Context, params tnsapi.ZvolCreateParams) (*tnsapi.Dataset, error) {
					return &tnsapi.Dataset{ID: "tank/test-iscsi-volume", Name: "tank/test-iscsi-volume", Type: "VOLUME"}, nil
				}
				m.CreateISCSITargetFunc = func(ctx context.Context, params tnsapi.ISCSITargetCreateParams) (*tnsapi.ISCSITarget, error) {
					targetCreated = true
					return &tnsapi.ISCSITarget{ID: 10, Name: params.Name}, nil
				}
				m.CreateISCSIExtentFunc = func(ctx context.Context, params tnsapi.ISCSIExtentCreateParams) (*tnsapi.ISCSIExtent, error) {
					return nil, errors.New("failed to create extent")
				}
				m.DeleteISCSITargetFunc = func(ctx context.Context, targetID int, force bool) error {
					if !targetCreated {
						t.Error("DeleteISCSITarget called before CreateISCSITarget")
					}
					if targetID != 10 {
						t.Errorf("Expected target ID 10, got %d", targetID)
					}
					return nil
				}
				m.DeleteDatasetFunc = func(ctx context.Context, datasetID string) error {
					return nil
				}
			},
			wantErr:  true,
			wantCode: codes.Internal,
		},
		{
			name: "target/extent association failure with full cleanup",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{}, nil
				}
				m.CreateZvolFunc = func(ctx context.Context, params tnsapi.ZvolCreateParams) (*tnsapi.Dataset, error) {
					return &tnsapi.Dataset{ID: "tank/test-iscsi-volume", Name: "tank/test-iscsi-volume", Type: "VOLUME"}, nil
				}
				m.CreateISCSITargetFunc = func(ctx context.Context, params tnsapi.ISCSITargetCreateParams) (*tnsapi.ISCSITarget, error) {
					return &tnsapi.ISCSITarget{ID: 10, Name: params.Name}, nil
				}
				m.CreateISCSIExtentFunc = func(ctx context.Context, params tnsapi.ISCSIExtentCreateParams) (*tnsapi.ISCSIExtent, error) {
					return &tnsapi.ISCSIExtent{ID: 20, Name: params.Name}, nil
				}
				m.CreateISCSITargetExtentFunc = func(ctx context.Context, params tnsapi.ISCSITargetExtentCreateParams) (*tnsapi.ISCSITargetExtent, error) {
					return nil, errors.New("failed to associate")
				}
				m.DeleteISCSIExtentFunc = func(ctx context.Context, extentID int, remove, force bool) error {
					if extentID != 20 {
						t.Errorf("Expected extent ID 20, got %d", extentID)
					}
					return nil
				}
				m.DeleteISCSITargetFunc = func(ctx context.Context, targetID int, force bool) error {
					if targetID != 10 {
						t.Errorf("Expected target ID 10, got %d", targetID)
					}
					return nil
				}
				m.DeleteDatasetFunc = func(ctx context.Context, datasetID string) error {
					return nil
				}
			},
			wantErr:  true,
			wantCode: codes.Internal,
		},
		{
			name: "existing ZVOL with matching capacity and complete objects returns existing volume",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
				CapacityRange: &csi.CapacityRange{RequiredBytes: 10 * 1024 * 1024 * 1024},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{{
						ID:      "tank/test-iscsi-volume",
						Name:    "tank/test-iscsi-volume",
						Type:    "VOLUME",
						Volsize: map[string]interface{}{"parsed": float64(10 * 1024 * 1024 * 1024)},
					}}, nil
				}
				m.ISCSITargetByNameFunc = func(ctx context.Context, name string) (*tnsapi.ISCSITarget, error) {
					return &tnsapi.ISCSITarget{ID: 10, Name: name}, nil
				}
				m.ISCSIExtentByNameFunc = func(ctx context.Context, name string) (*tnsapi.ISCSIExtent, error) {
					return &tnsapi.ISCSIExtent{ID: 20, Name: name}, nil
				}
				m.ISCSITargetExtentByTargetFunc = func(ctx context.Context, targetID int) ([]tnsapi.ISCSITargetExtent, error) {
					return []tnsapi.ISCSITargetExtent{{ID: 30, Target: targetID, Extent: 20}}, nil
				}
				m.GetISCSIGlobalConfigFunc = func(ctx context.Context) (*tnsapi.ISCSIGlobalConfig, error) {
					return &tnsapi.ISCSIGlobalConfig{Basename: "iqn.2005-10.org.freenas.ctl"}, nil
				}
			},
			wantErr: false,
			checkResponse: func(t *testing.T, resp *csi.CreateVolumeResponse) {
				t.Helper()
				if resp.Volume.VolumeContext[VolumeContextKeyISCSITargetID] != "10" {
					t.Errorf("Expected existing target reused, got %s", resp.Volume.VolumeContext[VolumeContextKeyISCSITargetID])
				}
			},
		},
		{
			name: "existing ZVOL with mismatched capacity returns AlreadyExists error",
			req: &csi.CreateVolumeRequest{
				Name: "test-iscsi-volume",
				Parameters: map[string]string{
					"pool":   "tank",
					"server": "192.168.1.100",
				},
				CapacityRange: &csi.CapacityRange{RequiredBytes: 20 * 1024 * 1024 * 1024},
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.QueryAllDatasetsFunc = func(ctx context.Context, prefix string) ([]tnsapi.Dataset, error) {
					return []tnsapi.Dataset{{
						ID:      "tank/test-iscsi-volume",
						Name:    "tank/test-iscsi-volume",
						Type:    "VOLUME",
						Volsize: map[string]interface{}{"parsed": float64(10 * 1024 * 1024 * 1024)},
					}}, nil
				}
			},
			wantErr:  true,
			wantCode: codes.AlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &MockAPIClientForSnapshots{}
			tt.mockSetup(mockClient)

			controller := NewControllerService(mockClient, NewNodeRegistry())
			resp, err := controller.createISCSIVolume(ctx, tt.req)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if st, ok := status.FromError(err); ok && st.Code() != tt.wantCode {
					t.Errorf("Expected error code %v, got %v", tt.wantCode, st.Code())
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.checkResponse != nil {
				tt.checkResponse(t, resp)
			}
		})
	}
}

func TestDeleteISCSIVolume(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		meta      *VolumeMetadata
		mockSetup func(*MockAPIClientForSnapshots)
		name      string
		wantErr   bool
	}{
		{
			name: "successful deletion of targetextent, extent, target, and ZVOL",
			meta: &VolumeMetadata{
				Name:                "test-iscsi-volume",
				Protocol:            ProtocolISCSI,
				DatasetID:           "tank/test-iscsi-volume",
				DatasetName:         "tank/test-iscsi-volume",
				ISCSITargetID:       10,
				ISCSIExtentID:       20,
				ISCSITargetExtentID: 30,
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				teDeleted := false
				extentDeleted := false
				targetDeleted := false
				m.GetDatasetPropertiesFunc = func(ctx context.Context, datasetID string, props []string) (map[string]string, error) {
					return map[string]string{}, nil
				}
				m.DeleteISCSITargetExtentFunc = func(ctx context.Context, teID int, force bool) error {
					if teID != 30 {
						t.Errorf("Expected targetExtent ID 30, got %d", teID)
					}
					teDeleted = true
					return nil
				}
				m.DeleteISCSIExtentFunc = func(ctx context.Context, extentID int, remove, force bool) error {
					if !teDeleted {
						t.Error("Expected targetExtent to be deleted before extent")
					}
					if extentID != 20 {
						t.Errorf("Expected extent ID 20, got %d", extentID)
					}
					extentDeleted = true
					return nil
				}
				m.DeleteISCSITargetFunc = func(ctx context.Context, targetID int, force bool) error {
					if !extentDeleted {
						t.Error("Expected extent to be deleted before target")
					}
					if targetID != 10 {
						t.Errorf("Expected target ID 10, got %d", targetID)
					}
					targetDeleted = true
					return nil
				}
				m.DeleteDatasetFunc = func(ctx context.Context, datasetID string) error {
					if !targetDeleted {
						t.Error("Expected target to be deleted before ZVOL")
					}
					if datasetID != "tank/test-iscsi-volume" {
						t.Errorf("Expected dataset ID tank/test-iscsi-volume, got %s", datasetID)
					}
					return nil
				}
				m.ReloadISCSIServiceFunc = func(ctx context.Context) error {
					return nil
				}
			},
			wantErr: false,
		},
		{
			name: "idempotent deletion - all resources already gone",
			meta: &VolumeMetadata{
				Name:                "test-iscsi-volume",
				Protocol:            ProtocolISCSI,
				DatasetID:           "tank/test-iscsi-volume",
				DatasetName:         "tank/test-iscsi-volume",
				ISCSITargetID:       10,
				ISCSIExtentID:       20,
				ISCSITargetExtentID: 30,
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.GetDatasetPropertiesFunc = func(ctx context.Context, datasetID string, props []string) (map[string]string, error) {
					return map[string]string{}, nil
				}
				notFound := status.Error(codes.NotFound, "not found")
				m.DeleteISCSITargetExtentFunc = func(ctx context.Context, teID int, force bool) error { return notFound }
				m.DeleteISCSIExtentFunc = func(ctx context.Context, extentID int, remove, force bool) error { return notFound }
				m.DeleteISCSITargetFunc = func(ctx context.Context, targetID int, force bool) error { return notFound }
				m.DeleteDatasetFunc = func(ctx context.Context, datasetID string) error { return notFound }
				m.ReloadISCSIServiceFunc = func(ctx context.Context) error { return nil }
			},
			wantErr: false,
		},
		{
			name: "deletion skipped when ownership verification reports retain strategy",
			meta: &VolumeMetadata{
				Name:                "test-iscsi-volume",
				Protocol:            ProtocolISCSI,
				DatasetID:           "tank/test-iscsi-volume",
				DatasetName:         "tank/test-iscsi-volume",
				ISCSITargetID:       10,
				ISCSIExtentID:       20,
				ISCSITargetExtentID: 30,
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.GetDatasetPropertiesFunc = func(ctx context.Context, datasetID string, props []string) (map[string]string, error) {
					return map[string]string{tnsapi.PropertyDeleteStrategy: tnsapi.DeleteStrategyRetain}, nil
				}
				m.DeleteISCSITargetExtentFunc = func(ctx context.Context, teID int, force bool) error {
					t.Error("Should not delete targetextent when deleteStrategy=retain")
					return nil
				}
			},
			wantErr: false,
		},
		{
			name: "ownership mismatch refuses deletion",
			meta: &VolumeMetadata{
				Name:          "test-iscsi-volume",
				Protocol:      ProtocolISCSI,
				DatasetID:     "tank/test-iscsi-volume",
				DatasetName:   "tank/test-iscsi-volume",
				ISCSITargetID: 10,
			},
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.GetDatasetPropertiesFunc = func(ctx context.Context, datasetID string, props []string) (map[string]string, error) {
					return map[string]string{tnsapi.PropertyManagedBy: "someone-else"}, nil
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &MockAPIClientForSnapshots{}
			tt.mockSetup(mockClient)

			controller := NewControllerService(mockClient, NewNodeRegistry())
			_, err := controller.deleteISCSIVolume(ctx, tt.meta)

			if tt.wantErr && err == nil {
				t.Error("Expected error but got nil")
			} else if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestExpandISCSIVolume(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		mockSetup     func(*MockAPIClientForSnapshots)
		checkResponse func(*testing.T, *csi.ControllerExpandVolumeResponse)
		meta          *VolumeMetadata
		name          string
		requiredBytes int64
		wantCode      codes.Code
		wantErr       bool
	}{
		{
			name: "successful expansion",
			meta: &VolumeMetadata{
				Name:          "test-iscsi-volume",
				Protocol:      ProtocolISCSI,
				DatasetID:     "tank/test-iscsi-volume",
				DatasetName:   "tank/test-iscsi-volume",
				ISCSITargetID: 10,
				ISCSIExtentID: 20,
			},
			requiredBytes: 20 * 1024 * 1024 * 1024,
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.UpdateDatasetFunc = func(ctx context.Context, datasetID string, params tnsapi.DatasetUpdateParams) (*tnsapi.Dataset, error) {
					if datasetID != "tank/test-iscsi-volume" {
						t.Errorf("Expected dataset ID tank/test-iscsi-volume, got %s", datasetID)
					}
					if params.Volsize == nil || *params.Volsize != 20*1024*1024*1024 {
						t.Errorf("Expected volsize 20GB, got %v", params.Volsize)
					}
					return &tnsapi.Dataset{ID: datasetID, Name: "tank/test-iscsi-volume", Type: "VOLUME"}, nil
				}
			},
			wantErr: false,
			checkResponse: func(t *testing.T, resp *csi.ControllerExpandVolumeResponse) {
				t.Helper()
				if resp.CapacityBytes != 20*1024*1024*1024 {
					t.Errorf("Expected capacity 20GB, got %d", resp.CapacityBytes)
				}
				if !resp.NodeExpansionRequired {
					t.Error("Expected NodeExpansionRequired to be true for iSCSI")
				}
			},
		},
		{
			name: "expansion with missing dataset ID",
			meta: &VolumeMetadata{
				Name:          "test-iscsi-volume",
				Protocol:      ProtocolISCSI,
				DatasetID:     "",
				ISCSITargetID: 10,
				ISCSIExtentID: 20,
			},
			requiredBytes: 20 * 1024 * 1024 * 1024,
			mockSetup:     func(m *MockAPIClientForSnapshots) {},
			wantErr:       true,
			wantCode:      codes.InvalidArgument,
		},
		{
			name: "TrueNAS API error during expansion",
			meta: &VolumeMetadata{
				Name:          "test-iscsi-volume",
				Protocol:      ProtocolISCSI,
				DatasetID:     "tank/test-iscsi-volume",
				ISCSITargetID: 10,
				ISCSIExtentID: 20,
			},
			requiredBytes: 20 * 1024 * 1024 * 1024,
			mockSetup: func(m *MockAPIClientForSnapshots) {
				m.UpdateDatasetFunc = func(ctx context.Context, datasetID string, params tnsapi.DatasetUpdateParams) (*tnsapi.Dataset, error) {
					return nil, errors.New("ZVOL not found on TrueNAS")
				}
			},
			wantErr:  true,
			wantCode: codes.Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &MockAPIClientForSnapshots{}
			tt.mockSetup(mockClient)

			controller := NewControllerService(mockClient, NewNodeRegistry())
			resp, err := controller.expandISCSIVolume(ctx, tt.meta, tt.requiredBytes)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if st, ok := status.FromError(err); ok && st.Code() != tt.wantCode {
					t.Errorf("Expected error code %v, got %v", tt.wantCode, st.Code())
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.checkResponse != nil {
				tt.checkResponse(t, resp)
			}
		})
	}
}
