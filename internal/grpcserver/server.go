// Package grpcserver exposes run submission and run records over gRPC,
// next to the standard gRPC health service.
package grpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"dimatch/internal/config"
	"dimatch/internal/pipeline"
	"dimatch/internal/storage"
)

// ServiceName is the fully qualified name of the runs service.
const ServiceName = "dimatch.v1.Runs"

// Submitter queues jobs; *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// RunsServer is the server API of the runs service. Requests and responses
// are protobuf Structs holding the same JSON documents as the HTTP API.
type RunsServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server implements RunsServer.
type Server struct {
	store  *storage.Store
	pipe   Submitter
	base   *config.Config
	log    *slog.Logger
	health *health.Server
}

// New returns a runs service backed by store and pipe.
func New(store *storage.Store, pipe Submitter, base *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, pipe: pipe, base: base, log: log, health: health.NewServer()}
}

// Register adds the runs and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&runsServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		gs.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := req.MarshalJSON()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, err := pipeline.DecodeRequest(bytes.NewReader(data))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job, err := r.Job(s.base)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.pipe.Submit(job); err != nil {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	return structpb.NewStruct(map[string]any{"id": job.ID, "status": storage.StatusQueued})
}

func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Run(id)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "run %s not found", id)
	}
	meta, _ := s.store.RunMeta(id)
	return toStruct(map[string]any{"run": rec, "meta": meta})
}

func (s *Server) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = 100
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	return toStruct(map[string]any{"runs": recs})
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
