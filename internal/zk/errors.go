package zk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies connectivity failures so callers can present
// actionable messages.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindHostUnreachable   ErrorKind = "host_unreachable"
	KindOther             ErrorKind = "other"
)

var (
	ErrNotConnected = errors.New("zk: session is not connected")
	ErrUnauthorized = errors.New("zk: terminal rejected the comm key")
)

// ConnectError reports a failure to reach or open a session with a terminal.
type ConnectError struct {
	Kind ErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("connection timeout to %s: check that the device is online and reachable", e.Addr)
	case KindConnectionRefused:
		return fmt.Sprintf("connection refused by %s: check that the device is running and the port is correct", e.Addr)
	case KindHostUnreachable:
		return fmt.Sprintf("device not found at %s: check the address", e.Addr)
	default:
		return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
	}
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected terminal response.
type ProtocolError struct {
	Op      string
	Command uint16
	Msg     string
}

func (e *ProtocolError) Error() string {
	if e.Command != 0 {
		return fmt.Sprintf("zk %s: unexpected reply %d: %s", e.Op, e.Command, e.Msg)
	}
	return fmt.Sprintf("zk %s: %s", e.Op, e.Msg)
}

// Classify maps a transport error to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindHostUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindHostUnreachable
	}
	return KindOther
}

// IsConnectivity reports whether err is a connectivity failure rather than a
// protocol or application error.
func IsConnectivity(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

func connectError(addr string, err error) error {
	return &ConnectError{Kind: Classify(err), Addr: addr, Err: err}
}
