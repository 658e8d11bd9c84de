package storage

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolchainlabs/remexec/src/digest"
)

// ErrAlreadyExists is returned by BeginWrite or Commit when the blob has
// already been published under this digest. Most callers treat it as success;
// see IgnoreAlreadyExists.
var ErrAlreadyExists = errors.New("blob already exists")

// Kind classifies a storage error.
type Kind int

const (
	KindCancelled Kind = iota
	KindInvalidArgument
	KindInvalidSize
	KindInvalidHash
	KindInternal
	KindUnavailable
	KindOutOfRange
)

// An Error is a classified storage failure. The DataLoss flag distinguishes
// corruption discovered in the backend from a bad client upload, which choose
// different wire codes.
type Error struct {
	Kind     Kind
	Msg      string
	DataLoss bool
}

func (e *Error) Error() string { return e.Msg }

// GRPCStatus maps the error onto the wire taxonomy.
func (e *Error) GRPCStatus() *status.Status {
	switch e.Kind {
	case KindCancelled:
		return status.New(codes.Canceled, e.Msg)
	case KindInvalidArgument:
		return status.New(codes.InvalidArgument, e.Msg)
	case KindInvalidSize, KindInvalidHash:
		if e.DataLoss {
			return status.New(codes.DataLoss, e.Msg)
		}
		return status.New(codes.InvalidArgument, e.Msg)
	case KindUnavailable:
		return status.New(codes.Unavailable, e.Msg)
	case KindOutOfRange:
		return status.New(codes.OutOfRange, e.Msg)
	default:
		return status.New(codes.Internal, e.Msg)
	}
}

// ErrInvalidSize reports a blob whose observed size didn't match its digest.
func ErrInvalidSize(expected digest.Digest, actual int64, dataLoss bool) error {
	return &Error{
		Kind:     KindInvalidSize,
		Msg:      fmt.Sprintf("invalid blob size for %s: got %d bytes", expected, actual),
		DataLoss: dataLoss,
	}
}

// ErrInvalidHash reports a blob whose content didn't hash to its digest.
func ErrInvalidHash(expected digest.Digest, actual digest.Digest, dataLoss bool) error {
	return &Error{
		Kind:     KindInvalidHash,
		Msg:      fmt.Sprintf("invalid blob hash: expected %s, got %s", expected.Hex(), actual.Hex()),
		DataLoss: dataLoss,
	}
}

// ErrInternal reports an unexpected condition.
func ErrInternal(format string, args ...interface{}) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// ErrUnavailable reports a backend that could not be reached.
func ErrUnavailable(format string, args ...interface{}) error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// ErrOutOfRange reports an out-of-bounds read parameter.
func ErrOutOfRange(param string, value int64) error {
	return &Error{Kind: KindOutOfRange, Msg: fmt.Sprintf("%s %d out of range", param, value)}
}

// ErrInvalidArgument reports a malformed request.
func ErrInvalidArgument(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// IgnoreAlreadyExists converts ErrAlreadyExists to nil for callers that
// consider a concurrent identical write a success.
func IgnoreAlreadyExists(err error) error {
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// IsUnavailable reports whether the error indicates an unreachable backend.
func IsUnavailable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUnavailable
}

// AsStatus converts any storage error to a gRPC status error.
func AsStatus(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
