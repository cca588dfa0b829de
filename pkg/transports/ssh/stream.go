package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Upload copies a local emulator binary to the remote host before it starts.
type Upload struct {
	LocalPath  string
	RemotePath string

	// Mode of the remote file. Zero means 0755.
	Mode os.FileMode
}

// StreamTransport runs a device emulator on a remote host and exposes its
// stdio. It satisfies the stream device client's Transport interface.
type StreamTransport struct {
	Config *Config

	// Command is the remote command line. Empty runs Upload.RemotePath
	// without arguments.
	Command []string

	Upload *Upload
	Logger zerolog.Logger

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	done    chan struct{}
}

// Start connects, uploads the binary if configured, and starts the remote
// command. ctx bounds the lifetime of the remote process.
func (t *StreamTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if t.Config == nil {
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("config is required")}
	}
	command := t.commandLine()
	if command == "" {
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("command is required")}
	}

	client, err := t.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	if t.Upload != nil {
		if err := t.upload(ctx, client); err != nil {
			client.Close()
			return nil, nil, err
		}
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	session.Stderr = t.Logger

	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", command, err), IsTemporary: true}
	}

	t.mu.Lock()
	t.client = client
	t.session = session
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			client.Close()
		case <-done:
		}
	}()

	t.Logger.Info().
		Str("host", t.Config.Address()).
		Str("command", command).
		Msg("Remote device started")

	return stdin, io.NopCloser(stdout), nil
}

// Stop waits for the remote process to exit, killing it after the
// configured stop timeout, and closes the connection.
func (t *StreamTransport) Stop() error {
	t.mu.Lock()
	client, session, done := t.client, t.session, t.done
	t.client, t.session, t.done = nil, nil, nil
	t.mu.Unlock()

	if session == nil {
		return nil
	}
	defer client.Close()
	defer close(done)

	timeout := t.Config.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	waited := make(chan error, 1)
	go func() { waited <- session.Wait() }()

	select {
	case err := <-waited:
		return err
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-waited
		return &TransportError{Op: "stop", Err: fmt.Errorf("remote device did not exit within %s", timeout)}
	}
}

func (t *StreamTransport) connect(ctx context.Context) (*ssh.Client, error) {
	if err := t.Config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}
	clientConfig, err := t.Config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	addr := t.Config.Address()
	dialer := net.Dialer{Timeout: t.Config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to dial %s: %w", addr, err), IsTemporary: true}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("ssh handshake with %s failed: %w", addr, err),
			IsTemporary: !isAuthError(err),
			IsAuthError: isAuthError(err),
		}
	}

	t.Logger.Debug().Str("host", addr).Str("user", t.Config.User).Msg("SSH connection established")
	return ssh.NewClient(c, chans, reqs), nil
}

func (t *StreamTransport) upload(ctx context.Context, client *ssh.Client) error {
	startTime := time.Now()

	localFile, err := os.Open(t.Upload.LocalPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(t.Upload.RemotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(t.Upload.RemotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	written, err := io.Copy(remoteFile, &contextReader{ctx: ctx, r: localFile})
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	mode := t.Upload.Mode
	if mode == 0 {
		mode = 0o755
	}
	if err := sftpClient.Chmod(t.Upload.RemotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set file mode: %w", err)}
	}

	t.Logger.Info().
		Str("local", t.Upload.LocalPath).
		Str("remote", t.Upload.RemotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("Emulator uploaded")
	return nil
}

func (t *StreamTransport) commandLine() string {
	args := t.Command
	if len(args) == 0 && t.Upload != nil {
		args = []string{t.Upload.RemotePath}
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote quotes s for a POSIX shell unless it only has safe characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:,+@") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
