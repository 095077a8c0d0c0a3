package coordination

import (
	"context"

	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// ReportErrorRequest is the payload the service pushes to an agent when a
// cluster error must be surfaced.
type ReportErrorRequest struct {
	ErrorCode        uint32     `json:"error_code"`
	ErrorMessage     string     `json:"error_message"`
	SourceTask       types.Task `json:"source_task"`
	IsReportedByTask bool       `json:"is_reported_by_task,omitempty"`
}

// Client is an outbound connection to one agent.
type Client interface {
	// ReportErrorToTask delivers a cluster error to the agent. The context
	// carries the send deadline; failures are logged by the caller, never
	// retried.
	ReportErrorToTask(ctx context.Context, req *ReportErrorRequest) error
}

// ClientDirectory resolves a task name to an outbound client. Injecting a
// non-nil directory at construction selects push-mode error delivery;
// without one, agents must poll via PollForErrorAsync.
type ClientDirectory interface {
	GetClient(taskName string) (Client, error)
}
