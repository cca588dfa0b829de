package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
)

// Transport starts a device process and exposes its stdio.
type Transport interface {
	// Start starts the device and returns its stdin and stdout.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Stop waits for or terminates the device.
	Stop() error
}

// StreamConfig contains stream client configuration options.
type StreamConfig struct {
	Device         string
	Transport      Transport
	StartupTimeout time.Duration
}

// Stream talks JSON lines to a device process.
type Stream struct {
	device    string
	transport Transport
	encoder   *protocol.Encoder
	decoder   *protocol.Decoder
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	ready     *protocol.ReadyMessage
	mu        sync.Mutex
	closed    bool
}

// NewStream starts the transport and waits for the device's READY message.
func NewStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("device is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}

	stdin, stdout, err := cfg.Transport.Start(ctx)
	if err != nil {
		return nil, transportError(cfg.Device, "failed to start device", err)
	}

	s := &Stream{
		device:    cfg.Device,
		transport: cfg.Transport,
		encoder:   protocol.NewEncoder(stdin),
		decoder:   protocol.NewDecoder(stdout),
		stdin:     stdin,
		stdout:    stdout,
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := s.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		_ = s.Close()
		return nil, transportError(cfg.Device, "timeout waiting for READY message", readyCtx.Err())
	case err := <-errCh:
		_ = s.Close()
		return nil, transportError(cfg.Device, "failed to receive READY", err)
	case ready := <-readyCh:
		if ready.Device != cfg.Device {
			_ = s.Close()
			return nil, transportError(cfg.Device, fmt.Sprintf("process serves %s", ready.Device), nil)
		}
		s.ready = ready
		return s, nil
	}
}

// Ready returns the READY message received during startup.
func (s *Stream) Ready() *protocol.ReadyMessage {
	return s.ready
}

type callResult struct {
	resp *protocol.Response
	err  error
}

// Call implements Client. Calls are serialized. A call abandoned through ctx
// closes the stream, since its response would arrive out of turn.
func (s *Stream) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, transportError(s.device, "client is closed", nil)
	}

	if err := s.encoder.EncodeRequest(req); err != nil {
		return nil, transportError(s.device, "failed to send request", err)
	}

	done := make(chan callResult, 1)
	go func() {
		resp, err := s.readResponse(req.ID)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		s.closeLocked()
		return nil, transportError(s.device, "request abandoned", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, transportError(s.device, "failed to read response", res.err)
		}
		return res.resp, nil
	}
}

func (s *Stream) readResponse(id string) (*protocol.Response, error) {
	msg, err := s.decoder.Decode()
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case protocol.MessageTypeResponse, protocol.MessageTypeError:
		resp, err := protocol.ParseResponse(msg)
		if err != nil {
			return nil, err
		}
		if resp.RequestID != id {
			return nil, fmt.Errorf("request ID mismatch: expected %s, got %s", id, resp.RequestID)
		}
		return resp, nil

	case protocol.MessageTypeExit:
		return nil, fmt.Errorf("device exited unexpectedly")

	default:
		return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

// Close implements Client.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Stream) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error

	// Closing stdin makes the device exit.
	if err := s.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := s.stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	if err := s.transport.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop device: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// ProcessTransport runs a device emulator binary as a child process.
type ProcessTransport struct {
	Path string
	Args []string

	cmd *exec.Cmd
}

// Start implements Transport. ctx bounds the lifetime of the process.
func (p *ProcessTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", p.Path, err)
	}
	p.cmd = cmd
	return stdin, stdout, nil
}

// Stop implements Transport.
func (p *ProcessTransport) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		return <-done
	}
}

// PipeTransport serves a handler in-process over pipes.
type PipeTransport struct {
	Handler emulator.Handler

	cancel context.CancelFunc
	done   chan error
}

// Start implements Transport.
func (p *PipeTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	serveCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := emulator.NewStreamServer(p.Handler, reqR, respW).Serve(serveCtx)
		if errors.Is(err, io.ErrClosedPipe) {
			err = nil
		}
		_ = respW.CloseWithError(io.EOF)
		_ = reqR.Close()
		p.done <- err
	}()

	return reqW, respR, nil
}

// Stop implements Transport.
func (p *PipeTransport) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}
