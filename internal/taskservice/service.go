// Package taskservice is a minimal demo service exercised by the routing
// middleware: it enqueues and queries tasks against a store.Store, reached
// locally through internal/router's LocalBackend.
package taskservice

import (
	"context"
	"fmt"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/mcastellin/taskmesh/internal/store"
)

// EnqueueRequest carries one batch of payloads for a single queue
// partition.
type EnqueueRequest struct {
	QueueID     string
	PartitionID int32
	Payloads    [][]byte
}

// EnqueueResponse carries the assigned task ids, in request order.
type EnqueueResponse struct {
	TaskIDs []store.TaskID
}

// QueryRequest selects tasks by queue partition and status.
type QueryRequest struct {
	QueueID     string
	PartitionID int32
	Status      store.TaskStatus
	Count       int
}

// QueryResponse carries the matched task records.
type QueryResponse struct {
	Tasks []store.TaskRecord
}

// Server implements the task service's RPC surface against a store.Store.
type Server struct {
	backing store.Store
	logger  *zap.Logger
}

// NewServer constructs a Server backed by s.
func NewServer(s store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backing: s, logger: logger}
}

// EnqueueTasks inserts a batch of payloads as new pending tasks.
func (s *Server) EnqueueTasks(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	callID := xid.New()
	s.logger.Debug("enqueue_tasks",
		zap.String("call_id", callID.String()),
		zap.String("queue_id", req.QueueID),
		zap.Int32("partition_id", req.PartitionID),
		zap.Int("count", len(req.Payloads)))

	ids, err := s.backing.EnqueueTasks(ctx, req.QueueID, req.PartitionID, req.Payloads)
	if err != nil {
		return nil, fmt.Errorf("enqueue tasks: %w", err)
	}
	return &EnqueueResponse{TaskIDs: ids}, nil
}

// QueryTasks returns tasks matching the request's queue, partition, and
// status.
func (s *Server) QueryTasks(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	callID := xid.New()
	s.logger.Debug("query_tasks",
		zap.String("call_id", callID.String()),
		zap.String("queue_id", req.QueueID),
		zap.Int32("partition_id", req.PartitionID),
		zap.String("status", req.Status.String()))

	recs, err := s.backing.QueryTasks(ctx, req.QueueID, req.PartitionID, req.Status, req.Count)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return &QueryResponse{Tasks: recs}, nil
}

// serviceName is the gRPC full service name this service registers under.
const serviceName = "taskmesh.TaskService"

func enqueueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(EnqueueRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).EnqueueTasks(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/EnqueueTasks"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).EnqueueTasks(ctx, req.(*EnqueueRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(QueryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).QueryTasks(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/QueryTasks"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).QueryTasks(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a TaskService with EnqueueTasks/QueryTasks unary RPCs; no
// protoc toolchain is available in this environment to generate it.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EnqueueTasks", Handler: enqueueHandler},
		{MethodName: "QueryTasks", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/taskservice/service.go",
}

// Register registers srv against the gRPC server s. s must have been
// created with ServerOptions so it speaks the gob wire codec declared in
// codec.go.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}
