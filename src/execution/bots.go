package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *Server) CreateBotSession(ctx context.Context, req *rwpb.CreateBotSessionRequest) (*rwpb.BotSession, error) {
	session := req.BotSession
	if session == nil {
		return nil, status.Errorf(codes.InvalidArgument, "missing bot session")
	}
	session.Name = fmt.Sprintf("%s/%s", req.Parent, uuid.New())
	session.Status = rwpb.BotStatus_OK
	log.Notice("Bot %s connected as session %s", session.BotId, session.Name)
	// A freshly created session can pick up work straight away.
	s.instance(req.Parent).Poll(ctx, session, s.pollTimeout(ctx))
	return session, nil
}

func (s *Server) UpdateBotSession(ctx context.Context, req *rwpb.UpdateBotSessionRequest) (*rwpb.BotSession, error) {
	session := req.BotSession
	if session == nil {
		return nil, status.Errorf(codes.InvalidArgument, "missing bot session")
	} else if session.Name != req.Name {
		return nil, status.Errorf(codes.InvalidArgument, "session name %q does not match %q", session.Name, req.Name)
	}
	instance, err := operationInstance(session.Name)
	if err != nil {
		return nil, err
	}
	s.instance(instance).Poll(ctx, session, s.pollTimeout(ctx))
	return session, nil
}

// pollTimeout is how long a bot call may be held open: just inside the
// client's own deadline so the response always gets out, or a default when
// the client didn't set one.
func (s *Server) pollTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultPollTimeout
	}
	timeout := time.Until(deadline) - pollMargin
	if timeout < 0 {
		return 0
	}
	return timeout
}
