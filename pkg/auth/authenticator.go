// Package auth implements the minimal line-oriented client handshake state
// machine: a freshly opened transport exchanges a few CRLF-terminated
// ASCII lines before the binary message protocol begins. Modeled as an
// explicit State enum plus switch dispatch, no hidden continuations, so
// the handshake's flow stays readable as straight-line code rather than a
// coroutine.
package auth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/pkg/buserr"
)

// State names a step of the handshake.
type State int

const (
	Initial State = iota
	ExpectOk
	ExpectUnixFdResponse
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case ExpectOk:
		return "ExpectOk"
	case ExpectUnixFdResponse:
		return "ExpectUnixFdResponse"
	case Authenticated:
		return "Authenticated"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Authenticator drives the client side of the handshake over a transport
// the caller owns; it only produces bytes to write and consumes complete
// lines handed to it by the caller (typically Connection, reading from the
// transport and splitting on "\r\n"). It has no side channel back to the
// caller: Feed's return values are the only signal. This is deliberate —
// an Authenticator that instead invoked a completion callback synchronously
// from inside Feed would let the caller's post-auth reaction (e.g. sending
// the next message) run and flush to the transport before Feed's own reply
// bytes were written, reordering the wire stream.
type Authenticator struct {
	state  State
	uid    uint32
	guid   string
	connID string
}

// New constructs an Authenticator for the given effective uid.
func New(uid uint32) *Authenticator {
	return &Authenticator{uid: uid}
}

// SetConnectionID attaches a connection identifier used only for log
// correlation; it has no effect on the handshake itself.
func (a *Authenticator) SetConnectionID(id string) { a.connID = id }

// State returns the current handshake state.
func (a *Authenticator) State() State { return a.state }

// Guid returns the bus-provided GUID once the OK line has been seen, or
// empty before then.
func (a *Authenticator) Guid() string { return a.guid }

// Start returns the bytes to write first: a leading NUL byte followed by
// the AUTH EXTERNAL line, and transitions to ExpectOk.
func (a *Authenticator) Start() []byte {
	a.state = ExpectOk
	hexUID := hex.EncodeToString([]byte(fmt.Sprintf("%d", a.uid)))
	return []byte("\x00AUTH EXTERNAL " + hexUID + "\r\n")
}

// Feed processes one complete line (without the trailing "\r\n") received
// from the transport and returns any bytes that should be written in
// response, plus authenticated=true exactly once, on the line that
// completes the handshake. A line that doesn't match the expected grammar
// transitions to Failed and returns a non-nil err; the caller must close
// the transport.
//
// The caller must write reply to the transport before reacting to
// authenticated — and before doing anything else that itself writes to the
// transport — so that BEGIN\r\n reaches the wire ahead of any post-auth
// message.
func (a *Authenticator) Feed(line string) (reply []byte, authenticated bool, err error) {
	switch a.state {
	case ExpectOk:
		if !strings.HasPrefix(line, "OK ") {
			return a.fail(line)
		}
		a.guid = strings.TrimSpace(strings.TrimPrefix(line, "OK "))
		a.state = ExpectUnixFdResponse
		return []byte("NEGOTIATE_UNIX_FD\r\n"), false, nil

	case ExpectUnixFdResponse:
		if line != "AGREE_UNIX_FD" && !strings.HasPrefix(line, "OK") {
			return a.fail(line)
		}
		a.state = Authenticated
		return []byte("BEGIN\r\n"), true, nil

	default:
		return a.fail(line)
	}
}

func (a *Authenticator) fail(line string) ([]byte, bool, error) {
	a.state = Failed
	logger.Warn("authentication handshake failed", logger.ConnectionID(a.connID), logger.Any("line", line))
	return nil, false, buserr.New(buserr.AuthenticationFailed)
}
