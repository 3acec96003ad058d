package classify

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fromGRPC translates errors carrying a gRPC status, including a RetryInfo
// hint when the server attached one.
func fromGRPC(err error) (Descriptor, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK || st.Code() == codes.Unknown {
		return Descriptor{}, false
	}

	d := Descriptor{Message: st.Message()}
	switch st.Code() {
	case codes.ResourceExhausted:
		d.Reason = ReasonRateLimit
	case codes.DeadlineExceeded:
		d.Reason = ReasonTimeout
	case codes.Unavailable, codes.Internal, codes.Aborted:
		d.Reason = ReasonServer
	case codes.Unauthenticated:
		d.Reason = ReasonAuth
	case codes.PermissionDenied:
		d.Reason = ReasonPermission
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange,
		codes.NotFound, codes.Unimplemented:
		d.Reason = ReasonBadRequest
	default:
		d.Reason = ReasonUnknown
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			d.RetryAfter = info.GetRetryDelay().AsDuration()
		}
	}
	return d, true
}
