package zk

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Session is one open protocol session with a terminal. Methods are
// serialized; a terminal handles one command at a time.
type Session struct {
	conn      net.Conn
	addr      string
	ioTimeout time.Duration
	loc       *time.Location

	mu        sync.Mutex
	sessionID uint16
	replyID   uint16
	connected bool
	closed    bool
}

// Addr returns the terminal address the session was opened against.
func (s *Session) Addr() string { return s.addr }

// exchange sends one command and reads its reply. The caller holds s.mu
// (or owns the session exclusively during Connect).
func (s *Session) exchange(ctx context.Context, command uint16, data []byte) (packet, error) {
	stop := s.arm(ctx)
	defer stop()

	frame, next := encodePacket(command, s.sessionID, s.replyID, data)
	s.replyID = next
	if _, err := s.conn.Write(frame); err != nil {
		return packet{}, s.ioError(ctx, err)
	}
	p, err := readPacket(s.conn)
	if err != nil {
		return packet{}, s.ioError(ctx, err)
	}
	return p, nil
}

// next reads one more packet of a multi-packet reply.
func (s *Session) next(ctx context.Context) (packet, error) {
	stop := s.arm(ctx)
	defer stop()

	p, err := readPacket(s.conn)
	if err != nil {
		return packet{}, s.ioError(ctx, err)
	}
	return p, nil
}

// arm applies the per-operation deadline and interrupts blocked I/O when ctx
// is cancelled. The returned func disarms the cancellation hook.
func (s *Session) arm(ctx context.Context) func() {
	deadline := time.Now().Add(s.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

func (s *Session) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("zk %s: %w", s.addr, ctxErr)
	}
	return fmt.Errorf("zk %s: %w", s.addr, err)
}

func (s *Session) ready() error {
	if s == nil || !s.connected || s.closed {
		return ErrNotConnected
	}
	return nil
}

// Window restricts fetched records to a device-local date range. Both ends
// are inclusive whole days; a zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) contains(t time.Time) bool {
	day := dateOf(t)
	if !w.From.IsZero() && day.Before(dateOf(w.From)) {
		return false
	}
	if !w.To.IsZero() && day.After(dateOf(w.To)) {
		return false
	}
	return true
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FetchPunches reads the complete attendance log of the terminal.
func (s *Session) FetchPunches(ctx context.Context) ([]RawPunch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	sizes, err := s.readSizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.Records == 0 {
		return []RawPunch{}, nil
	}

	buf, err := s.readWithBuffer(ctx, cmdAttLogRRQ)
	if err != nil {
		return nil, err
	}
	return decodeAttendance(buf, sizes.Records, s.loc)
}

// FetchPunchesBetween reads the attendance log and keeps only records whose
// device-local date falls within w. Records without a decodable time are kept.
func (s *Session) FetchPunchesBetween(ctx context.Context, w Window) ([]RawPunch, error) {
	all, err := s.FetchPunches(ctx)
	if err != nil {
		return nil, err
	}
	if w.From.IsZero() && w.To.IsZero() {
		return all, nil
	}
	out := make([]RawPunch, 0, len(all))
	for _, r := range all {
		t, ok := r[FieldRecordTime].(time.Time)
		if !ok || w.contains(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetClock writes t's wall-clock fields to the terminal clock.
func (s *Session) SetClock(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], encodeTime(t))
	reply, err := s.exchange(ctx, cmdSetTime, b[:])
	if err != nil {
		return err
	}
	if reply.Command != cmdAckOK {
		return &ProtocolError{Op: "set time", Command: reply.Command, Msg: "terminal rejected the clock update"}
	}
	return nil
}

// Info summarizes what the terminal reports about itself.
type Info struct {
	SerialNumber string    `json:"serialNumber"`
	DeviceTime   time.Time `json:"deviceTime"`
	Users        int       `json:"users"`
	Fingers      int       `json:"fingers"`
	Records      int       `json:"records"`
	Faces        int       `json:"faces"`
}

// DeviceInfo reads capacity counters, the serial number and the terminal clock.
func (s *Session) DeviceInfo(ctx context.Context) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return Info{}, err
	}

	sizes, err := s.readSizes(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{Users: sizes.Users, Fingers: sizes.Fingers, Records: sizes.Records, Faces: sizes.Faces}

	serial, err := s.readOption(ctx, "~SerialNumber")
	if err != nil {
		return Info{}, err
	}
	info.SerialNumber = serial

	reply, err := s.exchange(ctx, cmdGetTime, nil)
	if err != nil {
		return Info{}, err
	}
	if reply.Command != cmdAckOK || len(reply.Data) < 4 {
		return Info{}, &ProtocolError{Op: "get time", Command: reply.Command, Msg: "no clock value"}
	}
	info.DeviceTime = decodeTime(binary.LittleEndian.Uint32(reply.Data), s.loc)
	return info, nil
}

// Close ends the session. It is idempotent, never fails and is safe to call
// after a transport error.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.connected {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = s.exchange(ctx, cmdExit, nil)
		cancel()
	}
	s.abort()
}

func (s *Session) abort() {
	s.closed = true
	s.connected = false
	_ = s.conn.Close()
}

type sizes struct {
	Users   int
	Fingers int
	Records int
	Faces   int
}

func (s *Session) readSizes(ctx context.Context) (sizes, error) {
	reply, err := s.exchange(ctx, cmdGetFreeSizes, nil)
	if err != nil {
		return sizes{}, err
	}
	if reply.Command != cmdAckOK || len(reply.Data) < 80 {
		return sizes{}, &ProtocolError{Op: "get free sizes", Command: reply.Command, Msg: fmt.Sprintf("short reply (%d bytes)", len(reply.Data))}
	}
	field := func(i int) int {
		return int(int32(binary.LittleEndian.Uint32(reply.Data[i*4:])))
	}
	out := sizes{Users: field(4), Fingers: field(6), Records: field(8)}
	if len(reply.Data) >= 92 {
		out.Faces = int(int32(binary.LittleEndian.Uint32(reply.Data[80:])))
	}
	return out, nil
}

func (s *Session) readOption(ctx context.Context, name string) (string, error) {
	reply, err := s.exchange(ctx, cmdOptionsRRQ, append([]byte(name), 0))
	if err != nil {
		return "", err
	}
	if reply.Command != cmdAckOK {
		return "", &ProtocolError{Op: "read option " + name, Command: reply.Command, Msg: "option unavailable"}
	}
	v := string(bytes.TrimRight(reply.Data, "\x00"))
	if _, after, ok := strings.Cut(v, "="); ok {
		v = after
	}
	return strings.TrimSpace(v), nil
}

// readWithBuffer performs a buffered bulk read of the given table. Small
// payloads come back inline; larger ones are announced and pulled in chunks.
func (s *Session) readWithBuffer(ctx context.Context, table uint16) ([]byte, error) {
	req := make([]byte, 11)
	req[0] = 1
	binary.LittleEndian.PutUint16(req[1:], table)
	// fct and ext stay zero

	reply, err := s.exchange(ctx, cmdDataWRRQ, req)
	if err != nil {
		return nil, err
	}
	switch reply.Command {
	case cmdData:
		return reply.Data, nil
	case cmdAckOK:
	default:
		return nil, &ProtocolError{Op: "buffered read", Command: reply.Command, Msg: "read request rejected"}
	}
	if len(reply.Data) < 5 {
		return nil, &ProtocolError{Op: "buffered read", Msg: "missing size announcement"}
	}
	size := int(binary.LittleEndian.Uint32(reply.Data[1:5]))
	if size > maxPacket*64 {
		return nil, &ProtocolError{Op: "buffered read", Msg: fmt.Sprintf("implausible size %d", size)}
	}

	out := make([]byte, 0, size)
	for start := 0; start < size; start += maxChunk {
		n := min(maxChunk, size-start)
		chunk, err := s.readChunk(ctx, start, n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}

	if _, err := s.exchange(ctx, cmdFreeData, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) readChunk(ctx context.Context, start, size int) ([]byte, error) {
	var req [8]byte
	binary.LittleEndian.PutUint32(req[0:], uint32(start))
	binary.LittleEndian.PutUint32(req[4:], uint32(size))

	reply, err := s.exchange(ctx, cmdDataRdy, req[:])
	if err != nil {
		return nil, err
	}
	switch reply.Command {
	case cmdData:
		return reply.Data, nil
	case cmdPrepareData:
	default:
		return nil, &ProtocolError{Op: "read chunk", Command: reply.Command, Msg: fmt.Sprintf("chunk %d+%d rejected", start, size)}
	}

	out := make([]byte, 0, size)
	for {
		p, err := s.next(ctx)
		if err != nil {
			return nil, err
		}
		switch p.Command {
		case cmdData:
			out = append(out, p.Data...)
		case cmdAckOK:
			if len(out) != size {
				return nil, &ProtocolError{Op: "read chunk", Msg: fmt.Sprintf("got %d of %d bytes", len(out), size)}
			}
			return out, nil
		default:
			return nil, &ProtocolError{Op: "read chunk", Command: p.Command, Msg: "unexpected packet in data stream"}
		}
	}
}
