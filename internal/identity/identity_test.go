package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
)

type fakeDirectory struct {
	findFn       func(ctx context.Context, badge string) (sqlcgen.UserInfo, error)
	findActiveFn func(ctx context.Context, badge string) (sqlcgen.UserInfo, error)
	calls        int
}

func (f *fakeDirectory) FindUserByBadge(ctx context.Context, badge string) (sqlcgen.UserInfo, error) {
	f.calls++
	if f.findFn == nil {
		return sqlcgen.UserInfo{}, errors.New("not implemented")
	}
	return f.findFn(ctx, badge)
}

func (f *fakeDirectory) FindActiveUserByBadge(ctx context.Context, badge string) (sqlcgen.UserInfo, error) {
	f.calls++
	if f.findActiveFn == nil {
		return sqlcgen.UserInfo{}, errors.New("not implemented")
	}
	return f.findActiveFn(ctx, badge)
}

func users(m map[string]sqlcgen.UserInfo) func(context.Context, string) (sqlcgen.UserInfo, error) {
	return func(_ context.Context, badge string) (sqlcgen.UserInfo, error) {
		u, ok := m[badge]
		if !ok {
			return sqlcgen.UserInfo{}, pgx.ErrNoRows
		}
		return u, nil
	}
}

func TestResolve_HitAndMiss(t *testing.T) {
	dept := "Finance"
	dir := &fakeDirectory{findFn: users(map[string]sqlcgen.UserInfo{
		"1001": {UserID: 5, BadgeNumber: "1001", Name: "Ana", Department: &dept, Status: 1},
	})}
	r := NewResolver(dir)

	id, ok, err := r.Resolve(context.Background(), "1001")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if id.UserID != 5 || id.Name != "Ana" || id.Department != "Finance" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	_, ok, err = r.Resolve(context.Background(), "9999")
	if err != nil {
		t.Fatalf("a miss must not be an error: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestResolve_CaseSensitive(t *testing.T) {
	dir := &fakeDirectory{findFn: users(map[string]sqlcgen.UserInfo{"ab12": {UserID: 1, BadgeNumber: "ab12"}})}
	if _, ok, _ := NewResolver(dir).Resolve(context.Background(), "AB12"); ok {
		t.Fatalf("expected case-sensitive miss")
	}
}

func TestResolve_EmptyBadgeSkipsLookup(t *testing.T) {
	dir := &fakeDirectory{}
	if _, ok, err := NewResolver(dir).Resolve(context.Background(), ""); ok || err != nil {
		t.Fatalf("expected silent miss, got ok=%v err=%v", ok, err)
	}
	if dir.calls != 0 {
		t.Fatalf("expected no directory calls, got %d", dir.calls)
	}
}

func TestResolve_NoCaching(t *testing.T) {
	dir := &fakeDirectory{findFn: users(map[string]sqlcgen.UserInfo{"1": {UserID: 1, BadgeNumber: "1"}})}
	r := NewResolver(dir)
	for i := 0; i < 3; i++ {
		_, _, _ = r.Resolve(context.Background(), "1")
	}
	if dir.calls != 3 {
		t.Fatalf("expected 3 lookups, got %d", dir.calls)
	}
}

func TestResolve_StoreErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	dir := &fakeDirectory{findFn: func(context.Context, string) (sqlcgen.UserInfo, error) { return sqlcgen.UserInfo{}, boom }}
	if _, _, err := NewResolver(dir).Resolve(context.Background(), "1"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestResolveActive_UsesActiveLookup(t *testing.T) {
	dir := &fakeDirectory{
		findFn:       users(map[string]sqlcgen.UserInfo{"7": {UserID: 7, BadgeNumber: "7", Status: 0}}),
		findActiveFn: users(map[string]sqlcgen.UserInfo{}),
	}
	if _, ok, err := NewResolver(dir).ResolveActive(context.Background(), "7"); ok || err != nil {
		t.Fatalf("inactive user must not resolve, got ok=%v err=%v", ok, err)
	}
}
