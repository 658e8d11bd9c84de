package cas

import (
	"context"
	"math/rand"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/toolchainlabs/remexec/src/digest"
	"github.com/toolchainlabs/remexec/src/storage"
)

func (s *Server) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	ad, err := digest.FromProto(req.ActionDigest)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s", err)
	}
	b, found, err := storage.ReadAll(ctx, s.actionCache, req.InstanceName, ad)
	if err != nil {
		return nil, storage.AsStatus(err)
	} else if !found {
		return nil, status.Errorf(codes.NotFound, "no action result for %s", ad)
	}
	ar := &pb.ActionResult{}
	if err := proto.Unmarshal(b, ar); err != nil {
		return nil, status.Errorf(codes.Internal, "undecodable action result for %s: %s", ad, err)
	}
	if rand.Intn(1000) < s.completenessPro {
		if err := s.checkComplete(ctx, req.InstanceName, ar); err != nil {
			return nil, err
		}
	}
	if req.InlineStdout {
		if ar.StdoutRaw, err = s.inlineBlob(ctx, req.InstanceName, ar.StdoutDigest); err != nil {
			return nil, err
		}
	}
	if req.InlineStderr {
		if ar.StderrRaw, err = s.inlineBlob(ctx, req.InstanceName, ar.StderrDigest); err != nil {
			return nil, err
		}
	}
	return ar, nil
}

func (s *Server) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	ad, err := digest.FromProto(req.ActionDigest)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s", err)
	}
	ar := req.ActionResult
	if ar == nil {
		return nil, status.Errorf(codes.InvalidArgument, "missing action result")
	}
	// Inlined stdout/stderr get moved out to the CAS; the stored result only
	// ever references them by digest.
	var g errgroup.Group
	if len(ar.StdoutRaw) > 0 {
		raw := ar.StdoutRaw
		d := digest.OfBytes(raw)
		ar.StdoutDigest = d.ToProto()
		ar.StdoutRaw = nil
		g.Go(func() error {
			return storage.WriteAll(ctx, s.cas, req.InstanceName, d, raw)
		})
	}
	if len(ar.StderrRaw) > 0 {
		raw := ar.StderrRaw
		d := digest.OfBytes(raw)
		ar.StderrDigest = d.ToProto()
		ar.StderrRaw = nil
		g.Go(func() error {
			return storage.WriteAll(ctx, s.cas, req.InstanceName, d, raw)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storage.AsStatus(err)
	}
	b, err := proto.Marshal(ar)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s", err)
	}
	if err := storage.WriteAll(ctx, s.actionCache, req.InstanceName, ad, b); err != nil {
		return nil, storage.AsStatus(err)
	}
	return ar, nil
}

// checkComplete verifies that every blob a cached result references is still
// present in the CAS, so we never hand out results whose outputs have been
// garbage collected.
func (s *Server) checkComplete(ctx context.Context, instance string, ar *pb.ActionResult) error {
	digests := []digest.Digest{}
	add := func(dp *pb.Digest) error {
		if dp == nil {
			return nil
		}
		d, err := digest.FromProto(dp)
		if err != nil {
			return status.Errorf(codes.Internal, "invalid digest in cached result: %s", err)
		}
		digests = append(digests, d)
		return nil
	}
	if err := add(ar.StdoutDigest); err != nil {
		return err
	} else if err := add(ar.StderrDigest); err != nil {
		return err
	}
	for _, f := range ar.OutputFiles {
		if err := add(f.Digest); err != nil {
			return err
		}
	}
	for _, dir := range ar.OutputDirectories {
		td, err := digest.FromProto(dir.TreeDigest)
		if err != nil {
			return status.Errorf(codes.Internal, "invalid tree digest in cached result: %s", err)
		}
		b, found, err := storage.ReadAll(ctx, s.cas, instance, td)
		if err != nil {
			return storage.AsStatus(err)
		} else if !found {
			return status.Errorf(codes.NotFound, "output tree %s no longer present", td)
		}
		tree := &pb.Tree{}
		if err := proto.Unmarshal(b, tree); err != nil {
			return status.Errorf(codes.Internal, "undecodable tree %s: %s", td, err)
		}
		for _, d := range append(tree.Children, tree.Root) {
			if d == nil {
				continue
			}
			for _, f := range d.Files {
				if err := add(f.Digest); err != nil {
					return err
				}
			}
		}
	}
	missing, err := s.cas.FindMissing(ctx, instance, digests)
	if err != nil {
		return storage.AsStatus(err)
	} else if len(missing) > 0 {
		return status.Errorf(codes.NotFound, "action result incomplete: %s and %d more blobs missing", missing[0], len(missing)-1)
	}
	return nil
}

// inlineBlob fetches a referenced blob for inlining into an action result.
// Empty blobs and blobs too large for the batch API are skipped.
func (s *Server) inlineBlob(ctx context.Context, instance string, dp *pb.Digest) ([]byte, error) {
	if dp == nil {
		return nil, nil
	}
	d, err := digest.FromProto(dp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "invalid digest in cached result: %s", err)
	}
	if d.Size < 1 || d.Size > batchAPILimit {
		return nil, nil
	}
	b, found, err := storage.ReadAll(ctx, s.cas, instance, d)
	if err != nil {
		return nil, storage.AsStatus(err)
	} else if !found {
		log.Warning("Blob %s referenced by an action result has vanished", d)
		return nil, nil
	}
	return b, nil
}
