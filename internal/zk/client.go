package zk

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the TCP port terminals listen on out of the box.
const DefaultPort = 4370

// Target is the network identity of one terminal.
type Target struct {
	Host    string
	Port    int
	CommKey int
}

func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.TrimSpace(t.Host), strconv.Itoa(port))
}

type Options struct {
	ConnectTimeout      time.Duration
	IOTimeout           time.Duration
	ReachabilityCeiling time.Duration
	// Location is applied to decoded device wall-clock readings. Defaults to time.Local.
	Location *time.Location
	// DialContext overrides the dialer, mainly for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client opens sessions to terminals. It holds no per-terminal state and is
// safe for concurrent use.
type Client struct {
	connectTimeout      time.Duration
	ioTimeout           time.Duration
	reachabilityCeiling time.Duration
	loc                 *time.Location
	dial                func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewClient(opts Options) *Client {
	ct := opts.ConnectTimeout
	if ct <= 0 {
		ct = 10 * time.Second
	}
	iot := opts.IOTimeout
	if iot <= 0 {
		iot = 10 * time.Second
	}
	ceiling := opts.ReachabilityCeiling
	if ceiling <= 0 {
		ceiling = time.Second
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	dial := opts.DialContext
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	return &Client{
		connectTimeout:      ct,
		ioTimeout:           iot,
		reachabilityCeiling: ceiling,
		loc:                 loc,
		dial:                dial,
	}
}

// Reachability is the outcome of a lightweight probe.
type Reachability struct {
	Online  bool
	Latency time.Duration
	Reason  string
	Kind    ErrorKind
}

// TestReachable opens and immediately closes a TCP connection without
// starting a protocol session. A probe slower than the latency ceiling counts
// as offline so slow terminals cannot stall a batch.
func (c *Client) TestReachable(ctx context.Context, t Target) Reachability {
	if strings.TrimSpace(t.Host) == "" {
		return Reachability{Reason: "device has no address", Kind: KindHostUnreachable}
	}

	// Allow a little past the ceiling so the latency can be reported.
	probeCtx, cancel := context.WithTimeout(ctx, c.reachabilityCeiling*2)
	defer cancel()

	start := time.Now()
	conn, err := c.dial(probeCtx, "tcp", t.Addr())
	latency := time.Since(start)
	if err != nil {
		ce := connectError(t.Addr(), err)
		return Reachability{Latency: latency, Reason: ce.Error(), Kind: Classify(ce)}
	}
	_ = conn.Close()

	if latency > c.reachabilityCeiling {
		return Reachability{
			Latency: latency,
			Reason:  fmt.Sprintf("high latency: %dms (threshold: %dms)", latency.Milliseconds(), c.reachabilityCeiling.Milliseconds()),
			Kind:    KindTimeout,
		}
	}
	return Reachability{Online: true, Latency: latency}
}

// Connect dials the terminal and opens a protocol session. Failures to reach
// the terminal are returned as *ConnectError.
func (c *Client) Connect(ctx context.Context, t Target) (*Session, error) {
	addr := t.Addr()
	if strings.TrimSpace(t.Host) == "" {
		return nil, &ConnectError{Kind: KindHostUnreachable, Addr: addr, Err: fmt.Errorf("empty address")}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, connectError(addr, err)
	}

	s := &Session{
		conn:      conn,
		addr:      addr,
		ioTimeout: c.ioTimeout,
		loc:       c.loc,
		replyID:   ushrtMax - 1,
	}

	reply, err := s.exchange(dialCtx, cmdConnect, nil)
	if err != nil {
		s.abort()
		if Classify(err) == KindTimeout {
			return nil, connectError(addr, err)
		}
		return nil, err
	}
	s.sessionID = reply.SessionID

	switch reply.Command {
	case cmdAckOK:
	case cmdAckUnauth:
		authReply, err := s.exchange(dialCtx, cmdAuth, makeCommKey(t.CommKey, s.sessionID, 50))
		if err != nil {
			s.abort()
			return nil, err
		}
		if authReply.Command != cmdAckOK {
			s.abort()
			return nil, ErrUnauthorized
		}
	default:
		s.abort()
		return nil, &ProtocolError{Op: "connect", Command: reply.Command, Msg: "terminal refused the session"}
	}

	s.connected = true
	return s, nil
}

// Device is the session surface callers program against. *Session implements it.
type Device interface {
	FetchPunches(ctx context.Context) ([]RawPunch, error)
	FetchPunchesBetween(ctx context.Context, w Window) ([]RawPunch, error)
	SetClock(ctx context.Context, t time.Time) error
	DeviceInfo(ctx context.Context) (Info, error)
	Close()
}

// Connector probes terminals and opens sessions. *Client implements it.
type Connector interface {
	TestReachable(ctx context.Context, t Target) Reachability
	Open(ctx context.Context, t Target) (Device, error)
}

// Open is Connect returning the Device interface.
func (c *Client) Open(ctx context.Context, t Target) (Device, error) {
	s, err := c.Connect(ctx, t)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var _ Connector = (*Client)(nil)
