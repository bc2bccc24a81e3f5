package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultApprovalSubject is the NATS subject approval notifications go to.
const DefaultApprovalSubject = "decisiond.approvals"

// Notifier delivers approval requests to whoever can act on them.
type Notifier interface {
	Notify(ctx context.Context, wf *Workflow) error
}

// LogNotifier writes approval requests to the log. It is the default when no
// message bus is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the approval request.
func (n *LogNotifier) Notify(ctx context.Context, wf *Workflow) error {
	tier := ""
	if wf.Evaluation != nil {
		tier = string(wf.Evaluation.RequiredApproval)
	}
	n.logger.Info("approval required",
		zap.String("workflow_id", wf.ID),
		zap.String("customer", wf.Customer),
		zap.String("requested_action", wf.RequestedAction),
		zap.String("required_tier", tier),
	)
	return nil
}

// NATSNotifier publishes approval requests to a NATS subject so downstream
// tooling (chat bots, ticketing) can pick them up.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSNotifier creates a NATS-backed notifier. An empty subject uses
// DefaultApprovalSubject.
func NewNATSNotifier(conn *nats.Conn, subject string, logger *zap.Logger) (*NATSNotifier, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if subject == "" {
		subject = DefaultApprovalSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{conn: conn, subject: subject, logger: logger}, nil
}

// Notify publishes the workflow as JSON.
func (n *NATSNotifier) Notify(ctx context.Context, wf *Workflow) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encoding workflow %s: %w", wf.ID, err)
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.subject, err)
	}

	n.logger.Debug("published approval notification",
		zap.String("workflow_id", wf.ID),
		zap.String("subject", n.subject),
	)
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*NATSNotifier)(nil)
)
