// Package attendance decides which punches are new and writes them to the
// checkinout table.
package attendance

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/danny20232023/hris-sub010/internal/identity"
	"github.com/danny20232023/hris-sub010/internal/punch"
	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
)

// Store is the slice of the attendance store the engine uses.
type Store interface {
	CheckInOutExists(ctx context.Context, arg sqlcgen.CheckInOutKey) (bool, error)
	InsertCheckInOut(ctx context.Context, arg sqlcgen.CheckInOutKey) (int64, error)
}

type Resolver interface {
	Resolve(ctx context.Context, badge string) (identity.Identity, bool, error)
}

// ProgressFunc is called after each punch with the number handled so far.
type ProgressFunc func(done, total int)

type Engine struct {
	log      zerolog.Logger
	store    Store
	resolver Resolver
}

func NewEngine(log zerolog.Logger, store Store, resolver Resolver) *Engine {
	return &Engine{log: log, store: store, resolver: resolver}
}

type UnregisteredLog struct {
	Timestamp  string `json:"timestamp"`
	DeviceName string `json:"deviceName"`
	CheckType  string `json:"checkType"`
	VerifyMode int    `json:"verifyMode"`
}

// UnregisteredEmployee groups the punches of a badge with no matching user.
type UnregisteredEmployee struct {
	BadgeNumber  string            `json:"badgeNumber"`
	Name         string            `json:"name"`
	LogCount     int               `json:"logCount"`
	FirstLogTime string            `json:"firstLogTime"`
	LastLogTime  string            `json:"lastLogTime"`
	DeviceName   string            `json:"deviceName"`
	Logs         []UnregisteredLog `json:"logs"`
}

type FilterResult struct {
	Unique                 []punch.Resolved       `json:"unique"`
	DuplicateCount         int                    `json:"duplicateCount"`
	SkippedUnresolvedCount int                    `json:"skippedUnresolvedCount"`
	Unregistered           []UnregisteredEmployee `json:"unregistered"`
	TotalChecked           int                    `json:"totalChecked"`
	Errors                 []string               `json:"errors,omitempty"`
}

type PersistResult struct {
	SavedCount        int              `json:"savedCount"`
	ErrorCount        int              `json:"errorCount"`
	DuplicateAtInsert int              `json:"duplicateAtInsert"`
	Saved             []punch.Resolved `json:"saved"`
	Errors            []string         `json:"errors,omitempty"`
}

// Key is the full dedup tuple stored for a resolved punch.
func Key(p punch.Resolved) sqlcgen.CheckInOutKey {
	sn := p.DeviceSerial
	ext := p.Reserved
	return sqlcgen.CheckInOutKey{
		UserID:     p.UserID,
		CheckTime:  p.Timestamp,
		CheckType:  p.CheckType,
		VerifyCode: int32(p.VerifyMode),
		SensorID:   p.SensorID,
		MemoInfo:   nil,
		WorkCode:   int32(p.WorkCode),
		SN:         &sn,
		UserExtFmt: &ext,
	}
}

// FilterNew resolves every punch and drops the ones already stored. Punches
// whose badge does not resolve are counted, grouped into Unregistered and
// never block the rest of the batch. A failed existence check keeps the punch
// so saves are not blocked; the insert still refuses true duplicates.
//
// The returned error is non-nil only when ctx is done.
func (e *Engine) FilterNew(ctx context.Context, punches []punch.Normalized, progress ProgressFunc) (FilterResult, error) {
	res := FilterResult{Unique: []punch.Resolved{}, Unregistered: []UnregisteredEmployee{}}

	// Lookups are memoized for this batch only.
	type lookup struct {
		id identity.Identity
		ok bool
	}
	resolved := make(map[string]lookup)
	seen := make(map[dedupKey]struct{})
	var misses []punch.Normalized

	total := len(punches)
	for i, p := range punches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.TotalChecked++

		l, cached := resolved[p.BadgeNumber]
		if !cached {
			id, ok, err := e.resolver.Resolve(ctx, p.BadgeNumber)
			if err != nil {
				e.log.Warn().Err(err).Str("badge", p.BadgeNumber).Msg("badge lookup failed")
				res.Errors = append(res.Errors, fmt.Sprintf("lookup badge %s: %v", p.BadgeNumber, err))
				res.SkippedUnresolvedCount++
				notify(progress, i+1, total)
				continue
			}
			l = lookup{id: id, ok: ok}
			resolved[p.BadgeNumber] = l
		}
		if !l.ok {
			res.SkippedUnresolvedCount++
			misses = append(misses, p)
			notify(progress, i+1, total)
			continue
		}

		r := punch.Resolved{Normalized: p, UserID: l.id.UserID, Name: l.id.Name}
		key := comparableKey(Key(r))
		if _, dup := seen[key]; dup {
			res.DuplicateCount++
			notify(progress, i+1, total)
			continue
		}
		seen[key] = struct{}{}

		exists, err := e.store.CheckInOutExists(ctx, Key(r))
		switch {
		case err != nil:
			e.log.Warn().Err(err).Int32("user_id", r.UserID).Str("check_time", r.Timestamp).Msg("duplicate check failed; keeping punch")
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate check for user %d at %s: %v", r.UserID, r.Timestamp, err))
			res.Unique = append(res.Unique, r)
		case exists:
			res.DuplicateCount++
		default:
			res.Unique = append(res.Unique, r)
		}
		notify(progress, i+1, total)
	}

	res.Unregistered = CollectUnregistered(misses)
	return res, nil
}

// Persist writes unique punches one by one. Each insert is preceded by a
// fresh existence check; a punch that appeared in the meantime, or that the
// unique index rejects, counts as already saved rather than as an error.
//
// The returned error is non-nil only when ctx is done.
func (e *Engine) Persist(ctx context.Context, unique []punch.Resolved, progress ProgressFunc) (PersistResult, error) {
	res := PersistResult{Saved: []punch.Resolved{}}
	total := len(unique)

	for i, r := range unique {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := Key(r)

		exists, err := e.store.CheckInOutExists(ctx, key)
		if err != nil {
			// The insert below is still guarded by the unique index.
			e.log.Debug().Err(err).Int32("user_id", r.UserID).Msg("pre-insert check failed")
		} else if exists {
			res.DuplicateAtInsert++
			notify(progress, i+1, total)
			continue
		}

		n, err := e.store.InsertCheckInOut(ctx, key)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.ErrorCount++
			res.Errors = append(res.Errors, fmt.Sprintf("save punch for user %d (badge %s) at %s: %v", r.UserID, r.BadgeNumber, r.Timestamp, err))
			e.log.Error().Err(err).Int32("user_id", r.UserID).Str("check_time", r.Timestamp).Msg("insert checkinout failed")
		case n == 0:
			res.DuplicateAtInsert++
		default:
			res.SavedCount++
			res.Saved = append(res.Saved, r)
		}
		notify(progress, i+1, total)
	}
	return res, nil
}

// CollectUnregistered groups punches by badge, keeping first-seen badge order.
// Each group's logs are sorted by timestamp; the fixed timestamp layout makes
// lexical order chronological.
func CollectUnregistered(misses []punch.Normalized) []UnregisteredEmployee {
	out := []UnregisteredEmployee{}
	index := make(map[string]int)
	for _, p := range misses {
		if p.BadgeNumber == "" {
			continue
		}
		entry := UnregisteredLog{
			Timestamp:  p.Timestamp,
			DeviceName: p.DeviceAlias,
			CheckType:  p.CheckType,
			VerifyMode: p.VerifyMode,
		}
		if i, ok := index[p.BadgeNumber]; ok {
			out[i].LogCount++
			out[i].Logs = append(out[i].Logs, entry)
			continue
		}
		index[p.BadgeNumber] = len(out)
		out = append(out, UnregisteredEmployee{
			BadgeNumber: p.BadgeNumber,
			Name:        fmt.Sprintf("Unknown Employee (Badge: %s)", p.BadgeNumber),
			LogCount:    1,
			DeviceName:  p.DeviceAlias,
			Logs:        []UnregisteredLog{entry},
		})
	}
	for i := range out {
		logs := out[i].Logs
		sort.SliceStable(logs, func(a, b int) bool { return logs[a].Timestamp < logs[b].Timestamp })
		out[i].FirstLogTime = logs[0].Timestamp
		out[i].LastLogTime = logs[len(logs)-1].Timestamp
	}
	return out
}

type dedupKey struct {
	userID     int32
	checkTime  string
	checkType  string
	verifyCode int32
	sensorID   string
	workCode   int32
	sn         string
	userExtFmt string
}

func comparableKey(k sqlcgen.CheckInOutKey) dedupKey {
	out := dedupKey{
		userID:     k.UserID,
		checkTime:  k.CheckTime,
		checkType:  k.CheckType,
		verifyCode: k.VerifyCode,
		sensorID:   k.SensorID,
		workCode:   k.WorkCode,
	}
	if k.SN != nil {
		out.sn = *k.SN
	}
	if k.UserExtFmt != nil {
		out.userExtFmt = *k.UserExtFmt
	}
	return out
}

func notify(fn ProgressFunc, done, total int) {
	if fn != nil {
		fn(done, total)
	}
}
