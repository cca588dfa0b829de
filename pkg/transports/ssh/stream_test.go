package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/riskcell/pkg/device/client"
	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
)

// labHost is an in-process SSH server standing in for a lab machine. Exec
// requests naming device-emulator run a gantry emulator on the session; any
// other command exits 127. The sftp subsystem serves the local filesystem.
type labHost struct {
	ln  net.Listener
	cfg *ssh.ServerConfig

	mu  sync.Mutex
	ran []string
}

func newTestSSHServer(t *testing.T) *labHost {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != "cell" || string(pass) != "secret" {
				return nil, errors.New("invalid credentials")
			}
			return nil, nil
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &labHost{ln: ln, cfg: cfg}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.serveConn(conn)
		}
	}()
	return h
}

func (h *labHost) serveConn(conn net.Conn) {
	defer conn.Close()
	sc, chans, reqs, err := ssh.NewServerConn(conn, h.cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err == nil {
			go h.serveSession(ch, chReqs)
		}
	}
}

func (h *labHost) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		var ok bool
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if ok = ssh.Unmarshal(req.Payload, &p) == nil; ok {
				h.mu.Lock()
				h.ran = append(h.ran, p.Command)
				h.mu.Unlock()
				go h.run(ch, p.Command)
			}
		case "subsystem":
			var p struct{ Name string }
			if ok = ssh.Unmarshal(req.Payload, &p) == nil && p.Name == "sftp"; ok {
				go serveSFTP(ch)
			}
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

func serveSFTP(ch ssh.Channel) {
	defer ch.Close()
	srv, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	defer srv.Close()
	_ = srv.Serve()
}

func (h *labHost) run(ch ssh.Channel, command string) {
	defer ch.Close()

	var status uint32
	if strings.Contains(command, "device-emulator") {
		gantry := emulator.NewGantry("gantry",
			emulator.WithInjector(faults.NewInjector(1)),
			emulator.WithSleeper(func(context.Context, time.Duration) error { return nil }))
		if err := emulator.NewStreamServer(gantry, ch, ch).Serve(context.Background()); err != nil {
			status = 1
		}
	} else {
		_, _ = io.WriteString(ch.Stderr(), command+": not found\n")
		status = 127
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (h *labHost) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ran)
}

// clientConfig logs in as cell with a password and skips host key checks.
func (h *labHost) clientConfig(t *testing.T) *Config {
	t.Helper()
	addr := h.ln.Addr().(*net.TCPAddr)

	c := DefaultConfig(addr.IP.String(), "cell")
	c.Port = addr.Port
	c.AuthMethod, c.Password = AuthMethodPassword, "secret"
	c.StrictHostKeyChecking = false
	c.ConnectionTimeout = 5 * time.Second
	return c
}

func TestStreamTransportServesDevice(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	transport := &StreamTransport{
		Config:  server.clientConfig(t),
		Command: []string{"/opt/riskcell/device-emulator", "--name", "gantry"},
		Logger:  zerolog.Nop(),
	}
	c, err := client.NewStream(ctx, client.StreamConfig{Device: "gantry", Transport: transport})
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}

	resp, err := c.Call(ctx, &protocol.Request{ID: "r1", Device: "gantry", Command: protocol.CommandMove, Position: "b"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.RequestID != "r1" || !resp.Success {
		t.Errorf("Expected successful response to r1, got %+v", resp)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	commands := server.executed()
	if len(commands) != 1 || commands[0] != "/opt/riskcell/device-emulator --name gantry" {
		t.Errorf("Unexpected remote commands: %q", commands)
	}
}

func TestStreamTransportKeyAuth(t *testing.T) {
	server := newTestSSHServer(t)

	config := server.clientConfig(t)
	config.AuthMethod = AuthMethodKey
	config.Password = ""
	config.PrivateKeyPath = writeTestKey(t)

	transport := &StreamTransport{Config: config, Command: []string{"device-emulator"}, Logger: zerolog.Nop()}
	c, err := client.NewStream(context.Background(), client.StreamConfig{Device: "gantry", Transport: transport})
	if err != nil {
		t.Fatalf("NewStream with key auth failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestStreamTransportUploadsEmulator(t *testing.T) {
	server := newTestSSHServer(t)

	local := filepath.Join(t.TempDir(), "device-emulator")
	binary := []byte("#!/bin/sh\nexec riskcell-emulator \"$@\"\n")
	if err := os.WriteFile(local, binary, 0o600); err != nil {
		t.Fatalf("failed to write binary: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "bin", "device-emulator")

	transport := &StreamTransport{
		Config: server.clientConfig(t),
		Upload: &Upload{LocalPath: local, RemotePath: remote},
		Logger: zerolog.Nop(),
	}
	c, err := client.NewStream(context.Background(), client.StreamConfig{Device: "gantry", Transport: transport})
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	defer c.Close()

	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("Expected uploaded binary: %v", err)
	}
	if !bytes.Equal(got, binary) {
		t.Errorf("Uploaded content differs: %q", got)
	}
	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("Expected mode 0755, got %o", info.Mode().Perm())
	}

	if commands := server.executed(); len(commands) != 1 || commands[0] != remote {
		t.Errorf("Expected the uploaded binary to run, got %q", commands)
	}
}

func TestStreamTransportAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)

	config := server.clientConfig(t)
	config.Password = "wrong"

	transport := &StreamTransport{Config: config, Command: []string{"device-emulator"}, Logger: zerolog.Nop()}
	_, _, err := transport.Start(context.Background())
	if err == nil {
		t.Fatal("Expected authentication failure")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %T", err)
	}
	if !te.IsAuthError || te.Temporary() {
		t.Errorf("Expected permanent auth error, got %+v", te)
	}
}

func TestStreamTransportRemoteCommandFails(t *testing.T) {
	server := newTestSSHServer(t)

	transport := &StreamTransport{Config: server.clientConfig(t), Command: []string{"missing-binary"}, Logger: zerolog.Nop()}
	stdin, stdout, err := transport.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := io.ReadAll(stdout); err != nil {
		t.Errorf("Reading stdout failed: %v", err)
	}
	stdin.Close()

	var exitErr *ssh.ExitError
	if err := transport.Stop(); !errors.As(err, &exitErr) || exitErr.ExitStatus() != 127 {
		t.Errorf("Expected exit status 127, got %v", err)
	}
}

func TestStreamTransportRequiresCommand(t *testing.T) {
	transport := &StreamTransport{Config: DefaultConfig("lab-1", "cell")}
	if _, _, err := transport.Start(context.Background()); err == nil {
		t.Error("Expected error without a command")
	}
	if err := transport.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"device-emulator", "device-emulator"},
		{"--name=gantry", "--name=gantry"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
