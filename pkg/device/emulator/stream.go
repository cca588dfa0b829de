package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/riskcell/pkg/device/protocol"
)

// Version is reported in READY messages.
const Version = "1.0.0"

// Exit reasons reported in EXIT messages.
const (
	ExitStdinClosed = "stdin_closed"
	ExitCancelled   = "cancelled"
	ExitError       = "error"
)

// StreamServer serves one Handler over a JSON-lines stream.
type StreamServer struct {
	handler      Handler
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	requestCount int
}

// NewStreamServer creates a server reading requests from r and writing
// responses to w.
func NewStreamServer(handler Handler, r io.Reader, w io.Writer) *StreamServer {
	return &StreamServer{
		handler: handler,
		encoder: protocol.NewEncoder(w),
		decoder: protocol.NewDecoder(r),
	}
}

// Serve announces READY, answers requests in order until the input closes or
// ctx ends, and finishes with an EXIT message. Malformed requests are answered
// with ERROR and do not stop the server.
func (s *StreamServer) Serve(ctx context.Context) error {
	if err := s.encoder.EncodeReady(&protocol.ReadyMessage{
		Device:   s.handler.Device(),
		Version:  Version,
		PID:      os.Getpid(),
		Commands: s.handler.Commands(),
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	reason, exitCode := ExitStdinClosed, 0
	var serveErr error
	for {
		if ctx.Err() != nil {
			reason = ExitCancelled
			break
		}
		err := s.processNextRequest(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			reason = ExitCancelled
			break
		}
		reason, exitCode, serveErr = ExitError, 1, err
		break
	}

	if err := s.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		RequestsTotal: s.requestCount,
	}); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("failed to send exit: %w", err)
	}
	return serveErr
}

// RequestsTotal returns the number of requests answered so far.
func (s *StreamServer) RequestsTotal() int {
	return s.requestCount
}

func (s *StreamServer) processNextRequest(ctx context.Context) error {
	msg, err := s.decoder.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return s.encoder.EncodeError(&protocol.ErrorMessage{Code: "BAD_MESSAGE", Message: err.Error()})
	}

	req, err := protocol.ParseRequest(msg)
	if err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{Code: "BAD_REQUEST", Message: err.Error()})
	}
	if req.Device != s.handler.Device() {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			RequestID: req.ID,
			Code:      "WRONG_DEVICE",
			Message:   fmt.Sprintf("request for %s sent to %s", req.Device, s.handler.Device()),
		})
	}

	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		return err
	}
	s.requestCount++
	return s.encoder.EncodeResponse(resp)
}
