package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
)

// DefaultRequestTimeout bounds a NATS request when ctx has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// Requester is the part of *nats.Conn used by NATS.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// NATS sends device requests as NATS request/reply messages.
type NATS struct {
	conn    Requester
	device  string
	subject string
	timeout time.Duration
}

// NewNATS creates a NATS client for device. An empty subject defaults to the
// emulator's subject for the device.
func NewNATS(conn Requester, device, subject string) *NATS {
	if subject == "" {
		subject = emulator.Subject(device)
	}
	return &NATS{
		conn:    conn,
		device:  device,
		subject: subject,
		timeout: DefaultRequestTimeout,
	}
}

// Call implements Client.
func (n *NATS) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, transportError(n.device, "invalid request", err)
	}

	data, err := protocol.Marshal(protocol.MessageTypeRequest, req)
	if err != nil {
		return nil, transportError(n.device, "failed to encode request", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	reply, err := n.conn.RequestWithContext(ctx, n.subject, data)
	if err != nil {
		return nil, transportError(n.device, fmt.Sprintf("request to %s", n.subject), err)
	}

	msg, err := protocol.Unmarshal(reply.Data)
	if err != nil {
		return nil, transportError(n.device, "failed to decode reply", err)
	}
	resp, err := protocol.ParseResponse(msg)
	if err != nil {
		return nil, transportError(n.device, "device rejected request", err)
	}
	if resp.RequestID != req.ID {
		return nil, transportError(n.device, fmt.Sprintf("request ID mismatch: expected %s, got %s", req.ID, resp.RequestID), nil)
	}
	return resp, nil
}

// Close implements Client. The connection is owned by the caller.
func (n *NATS) Close() error {
	return nil
}
