package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
	"github.com/openfroyo/riskcell/pkg/engine"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testGantry() *emulator.Device {
	return emulator.NewGantry("gantry", emulator.WithInjector(faults.NewInjector(1)), emulator.WithSleeper(noSleep))
}

func moveRequest(id string) *protocol.Request {
	return &protocol.Request{ID: id, Device: "gantry", Command: protocol.CommandMove, Position: "b"}
}

func TestLocalCall(t *testing.T) {
	c := NewLocal(testGantry())
	defer c.Close()

	resp, err := c.Call(context.Background(), moveRequest("r1"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !resp.Success {
		t.Errorf("Expected success, got %+v", resp)
	}

	_, err = c.Call(context.Background(), &protocol.Request{Device: "gantry"})
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient error for invalid request, got %v", err)
	}
}

func TestStreamCall(t *testing.T) {
	ctx := context.Background()
	c, err := NewStream(ctx, StreamConfig{
		Device:    "gantry",
		Transport: &PipeTransport{Handler: testGantry()},
	})
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}

	if ready := c.Ready(); ready == nil || ready.Device != "gantry" {
		t.Fatalf("Expected READY from gantry, got %+v", ready)
	}

	for _, id := range []string{"r1", "r2", "r3"} {
		resp, err := c.Call(ctx, moveRequest(id))
		if err != nil {
			t.Fatalf("Call %s failed: %v", id, err)
		}
		if resp.RequestID != id {
			t.Errorf("Expected response for %s, got %s", id, resp.RequestID)
		}
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := c.Call(ctx, moveRequest("r4")); !engine.IsTransient(err) {
		t.Errorf("Expected transient error after close, got %v", err)
	}
}

func TestStreamRejectsWrongDevice(t *testing.T) {
	_, err := NewStream(context.Background(), StreamConfig{
		Device:    "robot",
		Transport: &PipeTransport{Handler: testGantry()},
	})
	if err == nil {
		t.Fatal("Expected error when the process serves another device")
	}
}

func TestStreamAbandonedCall(t *testing.T) {
	slow := emulator.NewGantry("gantry", emulator.WithInjector(faults.NewInjector(1)))
	c, err := NewStream(context.Background(), StreamConfig{
		Device:    "gantry",
		Transport: &PipeTransport{Handler: slow},
	})
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := moveRequest("r1")
	req.Emulation = faults.Params{ExecTimeMode: faults.ExecTimeFixed, ExecTimeValue: 60000}
	_, err = c.Call(ctx, req)
	if !engine.IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline in chain, got %v", err)
	}
	if _, err := c.Call(context.Background(), moveRequest("r2")); err == nil {
		t.Error("Expected the stream to be closed after an abandoned call")
	}
}

// loopbackConn answers requests with an emulator service in-process.
type loopbackConn struct {
	svc   *emulator.NATSService
	err   error
	calls []string
}

func (l *loopbackConn) RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	l.calls = append(l.calls, subject)
	if l.err != nil {
		return nil, l.err
	}
	return &nats.Msg{Subject: subject, Data: l.svc.Reply(ctx, data)}, nil
}

func TestNATSCall(t *testing.T) {
	conn := &loopbackConn{svc: emulator.NewNATSService(testGantry(), "", zerolog.Nop())}
	c := NewNATS(conn, "gantry", "")

	resp, err := c.Call(context.Background(), moveRequest("r1"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !resp.Success || resp.Info != "Gantry: Succeeded to move to b." {
		t.Errorf("Unexpected response %+v", resp)
	}
	if len(conn.calls) != 1 || conn.calls[0] != "riskcell.device.gantry" {
		t.Errorf("Expected request on device subject, got %v", conn.calls)
	}

	wrong := moveRequest("r2")
	wrong.Device = "robot"
	if _, err := c.Call(context.Background(), wrong); !engine.IsTransient(err) {
		t.Errorf("Expected rejected request to be a transport error, got %v", err)
	}
}

func TestNATSTransportFailure(t *testing.T) {
	conn := &loopbackConn{err: nats.ErrNoResponders}
	c := NewNATS(conn, "gantry", "cell.gantry")

	_, err := c.Call(context.Background(), moveRequest("r1"))
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	if ee.Code != engine.ErrCodeTransport || ee.Device != "gantry" {
		t.Errorf("Unexpected error fields: code=%s device=%s", ee.Code, ee.Device)
	}
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Errorf("Expected ErrNoResponders in chain, got %v", err)
	}
}
