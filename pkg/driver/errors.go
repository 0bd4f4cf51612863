package driver

import (
	"errors"

	"github.com/openzfs-csi/tns-csi-driver/pkg/tnsapi"
	"google.golang.org/grpc/codes"
)

// classify maps a backend or driver-internal error to the gRPC status code an
// orchestrator should see, per the error handling table: bad input never
// retries, missing objects are treated as success by callers that delete,
// session loss and timeouts retry, everything else surfaces as Internal.
func classify(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	switch {
	case errors.Is(err, ErrVolumeNotFound),
		errors.Is(err, ErrVolumeIDNotEncoded),
		errors.Is(err, tnsapi.ErrDatasetNotFound),
		errors.Is(err, tnsapi.ErrPoolNotFound),
		errors.Is(err, tnsapi.ErrJobNotFound),
		errors.Is(err, tnsapi.ErrClonedDatasetNotFound),
		errors.Is(err, tnsapi.ErrSubsystemNotFound),
		errors.Is(err, ErrSnapshotNotFoundTrueNAS):
		return codes.NotFound

	case errors.Is(err, ErrSnapshotNameExists),
		errors.Is(err, tnsapi.ErrMultipleSubsystems):
		return codes.AlreadyExists

	case errors.Is(err, ErrNoTCPNVMeOFPort):
		return codes.FailedPrecondition

	case errors.Is(err, tnsapi.ErrClientClosed),
		errors.Is(err, tnsapi.ErrConnectionClosed):
		return codes.Unavailable

	case errors.Is(err, tnsapi.ErrAuthenticationRejected),
		errors.Is(err, tnsapi.ErrResponseIDMismatch),
		errors.Is(err, ErrDatasetNameShape),
		errors.Is(err, ErrVolumeNameEmpty),
		errors.Is(err, ErrVolumeNameInvalid),
		errors.Is(err, ErrProtocolRequired),
		errors.Is(err, ErrSourceVolumeRequired),
		errors.Is(err, ErrSnapshotNameRequired),
		errors.Is(err, ErrInvalidSnapshotIDFormat),
		errors.Is(err, ErrInvalidProtocol):
		return codes.InvalidArgument

	case errors.Is(err, tnsapi.ErrJobAborted):
		return codes.DeadlineExceeded

	default:
		return codes.Internal
	}
}
