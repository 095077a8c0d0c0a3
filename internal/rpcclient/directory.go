// Package rpcclient implements the push-mode client directory: one gRPC
// connection per agent, dialed lazily from a static task-to-address map.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/ChuLiYu/cluster-coordinator/internal/coordination"
)

const reportErrorMethod = "/coordination.Agent/ReportErrorToTask"

// codecName selects the JSON codec on every call; agents are plain JSON
// gRPC peers, no generated message types involved.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                     { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Directory resolves task names to agent clients. Connections are dialed
// on first use and cached for the life of the directory.
type Directory struct {
	mu    sync.Mutex
	addrs map[string]string
	conns map[string]*grpc.ClientConn
}

var _ coordination.ClientDirectory = (*Directory)(nil)

// NewDirectory builds a directory from a task-name to address map.
func NewDirectory(addrs map[string]string) *Directory {
	copied := make(map[string]string, len(addrs))
	for name, addr := range addrs {
		copied[name] = addr
	}
	return &Directory{
		addrs: copied,
		conns: make(map[string]*grpc.ClientConn),
	}
}

// GetClient returns the outbound client for taskName, dialing if needed.
func (d *Directory) GetClient(taskName string) (coordination.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[taskName]; ok {
		return &agentClient{conn: conn}, nil
	}
	addr, ok := d.addrs[taskName]
	if !ok {
		return nil, fmt.Errorf("no agent address configured for task %s", taskName)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent %s at %s: %w", taskName, addr, err)
	}
	d.conns[taskName] = conn
	return &agentClient{conn: conn}, nil
}

// Close tears down every cached connection.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, conn := range d.conns {
		if err := conn.Close(); err != nil {
			// Best effort; the process is going away.
			_ = err
		}
		delete(d.conns, name)
	}
}

type agentClient struct {
	conn *grpc.ClientConn
}

type reportErrorResponse struct{}

func (c *agentClient) ReportErrorToTask(ctx context.Context, req *coordination.ReportErrorRequest) error {
	var resp reportErrorResponse
	return c.conn.Invoke(ctx, reportErrorMethod, req, &resp)
}
