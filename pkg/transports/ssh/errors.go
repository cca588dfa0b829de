package ssh

import "strings"

// TransportError is returned by StreamTransport. Op is the step that failed:
// start, connect, upload or stop.
type TransportError struct {
	Op  string
	Err error

	// IsTemporary marks failures worth retrying, such as a refused dial or a
	// dropped session.
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string { return "ssh " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

// isAuthError recognises the handshake errors x/crypto/ssh returns when every
// auth method was rejected.
func isAuthError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"unable to authenticate", "no supported methods remain"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
