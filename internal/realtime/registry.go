// Package realtime watches terminals for fresh punches and turns each one
// into a login event for the badge holder.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"

	"github.com/danny20232023/hris-sub010/internal/identity"
	"github.com/danny20232023/hris-sub010/internal/metrics"
	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceDisabled = errors.New("device is disabled")
	ErrNotWatching    = errors.New("device is not being watched")
	ErrClosed         = errors.New("registry is shut down")
)

type Machines interface {
	GetMachine(ctx context.Context, id int32) (sqlcgen.Machine, error)
}

type Resolver interface {
	ResolveActive(ctx context.Context, badge string) (identity.Identity, bool, error)
}

type TokenIssuer interface {
	Issue(userID, machineID int32) (string, error)
}

type Options struct {
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	// Window is how far back from now a punch still counts as a login.
	Window      time.Duration
	PollTimeout time.Duration
	// BreakerFailures consecutive failed polls open a device's breaker.
	BreakerFailures uint32
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 10 * time.Second
	}
	if o.Window <= 0 {
		o.Window = 5 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 8 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type AuthUser struct {
	UserID      int32  `json:"USERID"`
	Name        string `json:"NAME"`
	BadgeNumber string `json:"BADGENUMBER"`
	Department  string `json:"DEPARTMENT"`
}

// AuthResult is the login synthesized from a fresh punch. It stays cached
// until ClearAuth or Stop.
type AuthResult struct {
	Success   bool      `json:"success"`
	User      AuthUser  `json:"user"`
	Token     string    `json:"token"`
	LoginTime time.Time `json:"loginTime"`
	CheckTime string    `json:"checkTime"`
	MachineID int32     `json:"machineId"`
}

type LoginEvent struct {
	MachineID    int32      `json:"machineId"`
	MachineAlias string     `json:"machineAlias"`
	Auth         AuthResult `json:"auth"`
}

// Status is a snapshot of every watched device. Map keys are machine ids.
type Status struct {
	Active      []int32              `json:"active"`
	Started     map[int32]time.Time  `json:"started"`
	LastPoll    map[int32]time.Time  `json:"lastPoll"`
	Watermarks  map[int32]time.Time  `json:"watermarks"`
	AuthResults map[int32]AuthResult `json:"authResults"`
	Breakers    map[int32]string     `json:"breakers"`
}

type session struct {
	machine sqlcgen.Machine
	token   suture.ServiceToken
	breaker *gobreaker.CircuitBreaker[[]zk.RawPunch]

	mu        sync.Mutex
	started   time.Time
	lastPoll  time.Time
	watermark time.Time
	auth      *AuthResult
}

// Registry owns every watch loop in the process. Create one at start-up and
// call Shutdown on exit.
type Registry struct {
	log      zerolog.Logger
	client   zk.Connector
	machines Machines
	resolver Resolver
	issuer   TokenIssuer
	metrics  *metrics.Metrics
	opts     Options

	sup     *suture.Supervisor
	cancel  context.CancelFunc
	supDone <-chan error

	mu       sync.RWMutex
	sessions map[int32]*session
	// stopping holds devices whose loop is still draining after Stop.
	stopping map[int32]chan struct{}
	closed   bool

	subsMu sync.Mutex
	subs   map[<-chan LoginEvent]chan LoginEvent
}

func NewRegistry(log zerolog.Logger, client zk.Connector, machines Machines, resolver Resolver, issuer TokenIssuer, opts Options, m *metrics.Metrics) *Registry {
	opts = opts.withDefaults()
	r := &Registry{
		log:      log,
		client:   client,
		machines: machines,
		resolver: resolver,
		issuer:   issuer,
		metrics:  m,
		opts:     opts,
		sessions: make(map[int32]*session),
		stopping: make(map[int32]chan struct{}),
		subs:     make(map[<-chan LoginEvent]chan LoginEvent),
	}
	// A loop that dies is restarted at once; a loop that keeps dying is
	// restarted every health-check interval.
	r.sup = suture.New("realtime", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 1,
		FailureDecay:     opts.HealthCheckInterval.Seconds(),
		FailureBackoff:   opts.HealthCheckInterval,
		Timeout:          opts.PollTimeout + time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.supDone = r.sup.ServeBackground(ctx)
	return r
}

// Start begins watching machineID. Starting a device that is already watched
// is a no-op. If a Stop for the same device is still draining its loop, Start
// waits for it so a device never has two loops.
func (r *Registry) Start(ctx context.Context, machineID int32) error {
	for {
		stopping, err := r.start(ctx, machineID)
		if stopping == nil {
			return err
		}
		select {
		case <-stopping:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// start returns the pending stop channel when machineID is still draining.
func (r *Registry) start(ctx context.Context, machineID int32) (<-chan struct{}, error) {
	r.mu.RLock()
	closed := r.closed
	_, watching := r.sessions[machineID]
	stopping := r.stopping[machineID]
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if watching {
		return nil, nil
	}
	if stopping != nil {
		return stopping, nil
	}

	m, err := r.machines.GetMachine(ctx, machineID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %d: %w", machineID, err)
	}
	if !m.Enabled {
		return nil, ErrDeviceDisabled
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.sessions[machineID]; ok {
		return nil, nil
	}
	if stopping := r.stopping[machineID]; stopping != nil {
		return stopping, nil
	}
	s := r.newSession(m)
	s.token = r.sup.Add(&watcher{reg: r, s: s})
	r.sessions[machineID] = s
	r.metrics.SetWatchSessions(len(r.sessions))
	r.log.Info().Int32("machine_id", m.ID).Str("machine", m.Alias).Msg("watch started")
	return nil, nil
}

// newSession seeds the watermark with the start time so punches already in the
// device log when watching begins never become logins.
func (r *Registry) newSession(m sqlcgen.Machine) *session {
	log := r.log
	now := r.opts.Now()
	return &session{
		machine:   m,
		started:   now,
		watermark: now,
		breaker: gobreaker.NewCircuitBreaker[[]zk.RawPunch](gobreaker.Settings{
			Name:        fmt.Sprintf("zk-%d", m.ID),
			MaxRequests: 1,
			Timeout:     r.opts.HealthCheckInterval,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= r.opts.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("device breaker state changed")
			},
		}),
	}
}

// Stop ends the watch on machineID and forgets its watermark and cached
// login. It waits for an in-flight poll to finish or time out.
func (r *Registry) Stop(machineID int32) error {
	r.mu.Lock()
	s, ok := r.sessions[machineID]
	done := make(chan struct{})
	if ok {
		delete(r.sessions, machineID)
		r.stopping[machineID] = done
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return ErrNotWatching
	}
	r.metrics.SetWatchSessions(n)

	if err := r.sup.RemoveAndWait(s.token, r.opts.PollTimeout+time.Second); err != nil {
		r.log.Warn().Err(err).Int32("machine_id", machineID).Msg("watch loop did not stop cleanly")
	}
	r.mu.Lock()
	delete(r.stopping, machineID)
	r.mu.Unlock()
	close(done)
	s.mu.Lock()
	s.watermark = time.Time{}
	s.auth = nil
	s.mu.Unlock()
	r.log.Info().Int32("machine_id", machineID).Msg("watch stopped")
	return nil
}

func (r *Registry) Status() Status {
	st := Status{
		Active:      []int32{},
		Started:     map[int32]time.Time{},
		LastPoll:    map[int32]time.Time{},
		Watermarks:  map[int32]time.Time{},
		AuthResults: map[int32]AuthResult{},
		Breakers:    map[int32]string{},
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.sessions {
		st.Active = append(st.Active, id)
		st.Breakers[id] = s.breaker.State().String()
		s.mu.Lock()
		st.Started[id] = s.started
		if !s.lastPoll.IsZero() {
			st.LastPoll[id] = s.lastPoll
		}
		if !s.watermark.IsZero() {
			st.Watermarks[id] = s.watermark
		}
		if s.auth != nil {
			st.AuthResults[id] = *s.auth
		}
		s.mu.Unlock()
	}
	sort.Slice(st.Active, func(i, j int) bool { return st.Active[i] < st.Active[j] })
	return st
}

// Watching reports whether machineID has an active loop.
func (r *Registry) Watching(machineID int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[machineID]
	return ok
}

func (r *Registry) LastAuth(machineID int32) (AuthResult, bool) {
	s := r.session(machineID)
	if s == nil {
		return AuthResult{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return AuthResult{}, false
	}
	return *s.auth, true
}

// ClearAuth drops the cached login so the next consumer does not see it again.
func (r *Registry) ClearAuth(machineID int32) bool {
	s := r.session(machineID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.auth != nil
	s.auth = nil
	return had
}

func (r *Registry) session(machineID int32) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[machineID]
}

// Subscribe returns a channel of login events. Slow subscribers lose events
// rather than stall the watch loops.
func (r *Registry) Subscribe() <-chan LoginEvent {
	ch := make(chan LoginEvent, 16)
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs[ch] = ch
	return ch
}

func (r *Registry) Unsubscribe(ch <-chan LoginEvent) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if c, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(c)
	}
}

func (r *Registry) publish(ev LoginEvent) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, c := range r.subs {
		select {
		case c <- ev:
		default:
			r.log.Warn().Int32("machine_id", ev.MachineID).Msg("login subscriber is full, event dropped")
		}
	}
}

// Shutdown stops every loop and closes all subscriber channels. The registry
// cannot be restarted.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.sessions = make(map[int32]*session)
	r.mu.Unlock()
	r.metrics.SetWatchSessions(0)

	r.cancel()
	var err error
	select {
	case <-r.supDone:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.subsMu.Lock()
	for k, c := range r.subs {
		delete(r.subs, k)
		close(c)
	}
	r.subsMu.Unlock()
	r.log.Info().Msg("watch registry shut down")
	return err
}
