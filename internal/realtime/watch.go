package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/danny20232023/hris-sub010/internal/punch"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

// Poll outcomes, also used as metric labels.
const (
	pollIdle         = "idle"
	pollLogin        = "login"
	pollUnregistered = "unregistered"
	pollError        = "error"
	pollOpenCircuit  = "open_circuit"
)

// watcher is the suture service polling one device.
type watcher struct {
	reg *Registry
	s   *session
}

func (w *watcher) String() string {
	return fmt.Sprintf("watch-%d", w.s.machine.ID)
}

func (w *watcher) Serve(ctx context.Context) error {
	t := time.NewTicker(w.reg.opts.PollInterval)
	defer t.Stop()
	for {
		w.reg.poll(ctx, w.s)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// poll runs one cycle for s and returns its outcome. Errors are logged and
// never end the loop.
func (r *Registry) poll(ctx context.Context, s *session) string {
	m := s.machine
	log := r.log.With().Int32("machine_id", m.ID).Str("machine", m.Alias).Logger()

	ctx, cancel := context.WithTimeout(ctx, r.opts.PollTimeout)
	defer cancel()

	raws, err := s.breaker.Execute(func() ([]zk.RawPunch, error) {
		dev, err := r.client.Open(ctx, zk.Target{Host: m.IP, Port: int(m.Port), CommKey: int(m.CommKey)})
		if err != nil {
			return nil, err
		}
		defer dev.Close()
		return dev.FetchPunches(ctx)
	})
	now := r.opts.Now()
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()
	if err != nil {
		outcome := pollError
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = pollOpenCircuit
			log.Debug().Msg("device breaker open, poll skipped")
		} else {
			log.Warn().Err(err).Msg("watch poll failed")
		}
		r.metrics.IncWatchPoll(outcome)
		return outcome
	}

	src := punch.Source{MachineID: m.ID, MachineNumber: m.MachineNumber, Alias: m.Alias, Serial: m.Serial()}
	cand, ok := newest(punch.NormalizeAll(raws, src), now.Add(-r.opts.Window), now)
	if !ok {
		r.metrics.IncWatchPoll(pollIdle)
		return pollIdle
	}

	// The watermark moves before the lookup so each punch is evaluated once.
	s.mu.Lock()
	if !cand.RecordTime.After(s.watermark) {
		s.mu.Unlock()
		r.metrics.IncWatchPoll(pollIdle)
		return pollIdle
	}
	s.watermark = cand.RecordTime
	s.mu.Unlock()

	id, found, err := r.resolver.ResolveActive(ctx, cand.BadgeNumber)
	if err != nil {
		log.Warn().Err(err).Str("badge", cand.BadgeNumber).Msg("login lookup failed")
		r.metrics.IncWatchPoll(pollError)
		return pollError
	}
	if !found {
		log.Info().Str("badge", cand.BadgeNumber).Str("check_time", cand.Timestamp).Msg("punch from unregistered badge")
		r.metrics.IncWatchPoll(pollUnregistered)
		return pollUnregistered
	}

	token, err := r.issuer.Issue(id.UserID, m.ID)
	if err != nil {
		log.Error().Err(err).Int32("user_id", id.UserID).Msg("issue login token")
		r.metrics.IncWatchPoll(pollError)
		return pollError
	}
	auth := AuthResult{
		Success: true,
		User: AuthUser{
			UserID:      id.UserID,
			Name:        id.Name,
			BadgeNumber: id.BadgeNumber,
			Department:  id.Department,
		},
		Token:     token,
		LoginTime: now,
		CheckTime: cand.Timestamp,
		MachineID: m.ID,
	}
	s.mu.Lock()
	s.auth = &auth
	s.mu.Unlock()

	r.metrics.IncWatchPoll(pollLogin)
	r.metrics.IncLoginEvent()
	log.Info().Int32("user_id", id.UserID).Str("check_time", cand.Timestamp).Msg("login detected")
	r.publish(LoginEvent{MachineID: m.ID, MachineAlias: m.Alias, Auth: auth})
	return pollLogin
}

// newest picks the latest punch with from <= time <= to. Punches whose time
// could not be parsed are ignored.
func newest(ps []punch.Normalized, from, to time.Time) (punch.Normalized, bool) {
	var best punch.Normalized
	found := false
	for _, p := range ps {
		t := p.RecordTime
		if t.IsZero() || t.Before(from) || t.After(to) {
			continue
		}
		if !found || t.After(best.RecordTime) {
			best = p
			found = true
		}
	}
	return best, found
}
