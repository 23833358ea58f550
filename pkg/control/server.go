// Package control exposes the running trap over gRPC: manual triggers,
// status and a live feed of capture outcomes.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	pipeline "github.com/mpoegel/camtrap/pkg/pipeline"
	zap "go.uber.org/zap"
	grpc "google.golang.org/grpc"
	codes "google.golang.org/grpc/codes"
	peer "google.golang.org/grpc/peer"
	status "google.golang.org/grpc/status"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

type Backend interface {
	TriggerCapture(ctx context.Context, source string) pipeline.Outcome
	Status(ctx context.Context) map[string]any
}

type Server struct {
	backend Backend
	logger  *zap.Logger

	fullAddr string
	network  string
	addr     string

	grpcServer *grpc.Server
	liveBroker *Broker[pipeline.Outcome]
}

// ParseAddr splits "network://address".
func ParseAddr(fullAddr string) (network, addr string, err error) {
	splitKey := "://"
	splitIndex := strings.Index(fullAddr, splitKey)
	if splitIndex == -1 {
		return "", "", fmt.Errorf("invalid control address %q", fullAddr)
	}
	network = fullAddr[:splitIndex]
	addr = fullAddr[splitIndex+len(splitKey):]
	if network != "unix" && network != "tcp" {
		return "", "", fmt.Errorf("unsupported control network %q", network)
	}
	return network, addr, nil
}

func NewServer(fullAddr string, backend Backend, logger *zap.Logger) (*Server, error) {
	network, addr, err := ParseAddr(fullAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		backend:    backend,
		logger:     logger,
		fullAddr:   fullAddr,
		network:    network,
		addr:       addr,
		grpcServer: grpc.NewServer(),
		liveBroker: NewBroker[pipeline.Outcome](),
	}
	RegisterControlServer(s.grpcServer, s)
	return s, nil
}

// Publish forwards an outcome to every watcher.
func (s *Server) Publish(out pipeline.Outcome) {
	s.liveBroker.Broadcast(out)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.network == "unix" {
		// stale socket from an unclean exit
		if err := os.Remove(s.addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	lnConfig := net.ListenConfig{}
	ln, err := lnConfig.Listen(ctx, s.network, s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("listening", zap.String("addr", s.fullAddr))
	go s.liveBroker.Start()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.liveBroker.Stop()
	s.grpcServer.Stop()
}

func (s *Server) Trigger(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	source := "control"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil && p.Addr.String() != "" {
		source = "control " + p.Addr.String()
	}
	s.logger.Info("got trigger request", zap.String("source", source))
	out := s.backend.TriggerCapture(ctx, source)
	if out.Skipped {
		return nil, status.Error(codes.Unavailable, "shutting down")
	}
	return structpb.NewStruct(out.Fields())
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(s.backend.Status(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	c := s.liveBroker.Subscribe()
	if c == nil {
		return status.Error(codes.Unavailable, "subscription unavailable")
	}
	defer s.liveBroker.Unsubscribe(c)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case out, ok := <-c:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(out.Fields())
			if err != nil {
				s.logger.Warn("failed to encode outcome", zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			s.logger.Debug("live stream updated", zap.String("id", out.ID))
		}
	}
}
