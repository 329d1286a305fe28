package taskservice

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mcastellin/taskmesh/internal/store"
)

type fakeStore struct {
	nextSeq int64
	tasks   []store.TaskRecord
}

func (f *fakeStore) EnqueueTasks(_ context.Context, queueID string, partitionID int32, payloads [][]byte) ([]store.TaskID, error) {
	ids := make([]store.TaskID, 0, len(payloads))
	for _, p := range payloads {
		f.nextSeq++
		id := store.TaskID{QueueID: queueID, PartitionID: partitionID, SeqID: f.nextSeq}
		f.tasks = append(f.tasks, store.TaskRecord{ID: id, Status: store.StatusPending, Payload: p})
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) ProcessTasks(_ context.Context, _ string, _ int32, _ int, _ store.Processor) error {
	return nil
}

func (f *fakeStore) QueryTasks(_ context.Context, queueID string, partitionID int32, status store.TaskStatus, count int) ([]store.TaskRecord, error) {
	var out []store.TaskRecord
	for _, t := range f.tasks {
		if t.ID.QueueID == queueID && t.ID.PartitionID == partitionID && t.Status == status {
			out = append(out, t)
			if len(out) == count {
				break
			}
		}
	}
	return out, nil
}

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := grpc.NewServer(ServerOptions()...)
	Register(srv, NewServer(&fakeStore{}, nil))
	go srv.Serve(lis)

	dialOpts := append(DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(lis.Addr().String(), dialOpts...)
	if err != nil {
		srv.Stop()
		t.Fatalf("dial: %v", err)
	}

	return NewClient(conn), func() {
		conn.Close()
		srv.Stop()
	}
}

func TestEnqueueThenQueryRoundTrip(t *testing.T) {
	client, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enqResp, err := client.EnqueueTasks(ctx, &EnqueueRequest{
		QueueID:     "q1",
		PartitionID: 0,
		Payloads:    [][]byte{[]byte("hello"), []byte("world")},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(enqResp.TaskIDs) != 2 {
		t.Fatalf("expected 2 task ids, got %d", len(enqResp.TaskIDs))
	}

	queryResp, err := client.QueryTasks(ctx, &QueryRequest{
		QueueID: "q1", PartitionID: 0, Status: store.StatusPending, Count: 10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(queryResp.Tasks) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(queryResp.Tasks))
	}
}
