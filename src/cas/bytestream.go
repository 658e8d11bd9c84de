package cas

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolchainlabs/remexec/src/digest"
	"github.com/toolchainlabs/remexec/src/storage"
)

func (s *Server) Read(req *bs.ReadRequest, stream bs.ByteStream_ReadServer) error {
	instance, d, err := parseReadResource(req.ResourceName)
	if err != nil {
		return err
	}
	if req.ReadOffset < 0 || req.ReadOffset > d.Size {
		return status.Errorf(codes.OutOfRange, "read offset %d out of range for %s", req.ReadOffset, d)
	} else if req.ReadLimit < 0 {
		return status.Errorf(codes.OutOfRange, "read limit %d out of range", req.ReadLimit)
	}
	r, found, err := s.cas.Read(stream.Context(), instance, d, storage.DefaultChunkSize, req.ReadOffset, req.ReadLimit)
	if err != nil {
		return storage.AsStatus(err)
	} else if !found {
		return status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	defer r.Close()
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return storage.AsStatus(err)
		}
		if err := stream.Send(&bs.ReadResponse{Data: chunk}); err != nil {
			return err
		}
	}
}

func (s *Server) Write(stream bs.ByteStream_WriteServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	instance, d, err := parseWriteResource(req.ResourceName)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	w, err := s.cas.BeginWrite(ctx, instance, d)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Someone else got there first; the contract is to report the whole
		// blob as committed without consuming the rest of the stream.
		return stream.SendAndClose(&bs.WriteResponse{CommittedSize: d.Size})
	} else if err != nil {
		return storage.AsStatus(err)
	}
	defer w.Abandon()
	committed := int64(0)
	for {
		if req.WriteOffset != committed {
			return status.Errorf(codes.OutOfRange, "write offset %d does not match committed size %d", req.WriteOffset, committed)
		}
		if err := w.Write(ctx, req.Data); errors.Is(err, storage.ErrAlreadyExists) {
			return stream.SendAndClose(&bs.WriteResponse{CommittedSize: d.Size})
		} else if err != nil {
			return storage.AsStatus(err)
		}
		committed += int64(len(req.Data))
		if req.FinishWrite || committed >= d.Size {
			break
		}
		if req, err = stream.Recv(); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if committed != d.Size {
		return status.Errorf(codes.InvalidArgument, "upload of %s ended after %d bytes", d, committed)
	}
	if err := storage.IgnoreAlreadyExists(w.Commit(ctx)); err != nil {
		return storage.AsStatus(err)
	}
	return stream.SendAndClose(&bs.WriteResponse{CommittedSize: committed})
}

func (s *Server) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "QueryWriteStatus is not implemented")
}

// parseReadResource parses a download resource name,
// "{instance}/blobs/{hash}/{size}". Instance names may contain slashes.
func parseReadResource(name string) (string, digest.Digest, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 3 || parts[len(parts)-3] != "blobs" {
		return "", digest.Digest{}, status.Errorf(codes.InvalidArgument, "invalid resource name %q", name)
	}
	d, err := parseDigestParts(parts[len(parts)-2], parts[len(parts)-1])
	if err != nil {
		return "", digest.Digest{}, err
	}
	return strings.Join(parts[:len(parts)-3], "/"), d, nil
}

// parseWriteResource parses an upload resource name,
// "{instance}/uploads/{uuid}/blobs/{hash}/{size}".
func parseWriteResource(name string) (string, digest.Digest, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 5 || parts[len(parts)-5] != "uploads" || parts[len(parts)-3] != "blobs" {
		return "", digest.Digest{}, status.Errorf(codes.InvalidArgument, "invalid resource name %q", name)
	}
	d, err := parseDigestParts(parts[len(parts)-2], parts[len(parts)-1])
	if err != nil {
		return "", digest.Digest{}, err
	}
	return strings.Join(parts[:len(parts)-5], "/"), d, nil
}

func parseDigestParts(hash, size string) (digest.Digest, error) {
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return digest.Digest{}, status.Errorf(codes.InvalidArgument, "invalid blob size %q", size)
	}
	d, err := digest.New(hash, n)
	if err != nil {
		return digest.Digest{}, status.Errorf(codes.InvalidArgument, "%s", err)
	}
	return d, nil
}
