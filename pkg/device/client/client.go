// Package client provides device clients used by tickers to send one request
// at a time to a device and await its response.
package client

import (
	"context"

	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
	"github.com/openfroyo/riskcell/pkg/engine"
)

// Client sends device requests.
type Client interface {
	// Call sends req and waits for exactly one response. Any failure to get
	// a response is returned as a transient engine error.
	Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// Close releases the client's resources.
	Close() error
}

func transportError(device, message string, err error) error {
	return engine.NewTransientError(message, err).
		WithCode(engine.ErrCodeTransport).
		WithDevice(device)
}

// Local calls an in-process emulator.
type Local struct {
	handler emulator.Handler
}

// NewLocal creates a client for handler.
func NewLocal(handler emulator.Handler) *Local {
	return &Local{handler: handler}
}

// Call implements Client.
func (l *Local) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, transportError(req.Device, "invalid request", err)
	}
	resp, err := l.handler.Handle(ctx, req)
	if err != nil {
		return nil, transportError(req.Device, "device call interrupted", err)
	}
	return resp, nil
}

// Close implements Client.
func (l *Local) Close() error {
	return nil
}
