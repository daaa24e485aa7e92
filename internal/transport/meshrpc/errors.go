package meshrpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/disposition-checker/internal/netsim"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// ErrMissingNode is returned when a stream opens without naming its router.
var ErrMissingNode = errors.New("missing " + nodeMetadataKey + " metadata")

// toStatusError maps mesh and transport errors onto gRPC status codes.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, model.ErrUnknownNode),
		errors.Is(err, netsim.ErrNoSuchConnector):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrMissingNode),
		errors.Is(err, ErrBadFrame),
		errors.Is(err, transport.ErrUnsupportedAddress):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, transport.ErrNoCredit):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, transport.ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
