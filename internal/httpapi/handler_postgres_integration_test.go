package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/danny20232023/hris-sub010/internal/attendance"
	"github.com/danny20232023/hris-sub010/internal/db"
	"github.com/danny20232023/hris-sub010/internal/identity"
	"github.com/danny20232023/hris-sub010/internal/punch"
	"github.com/danny20232023/hris-sub010/internal/syncworker"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

func requireTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	return dsn
}

func mustDeriveDatabaseURL(t *testing.T, baseURL, dbName string) string {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		t.Skipf("TEST_DATABASE_URL must be a URL-style DSN (e.g. postgres://...); got %q", baseURL)
	}

	u.Path = "/" + dbName
	return u.String()
}

func newTestDatabaseName() string {
	// Safe identifier (letters/digits/underscores) so we can use it without quoting.
	return fmt.Sprintf("attendsync_test_%d", time.Now().UnixNano())
}

func createDatabase(ctx context.Context, adminURL, dbName string) error {
	adminConn, err := pgx.Connect(ctx, adminURL)
	if err != nil {
		return err
	}
	defer adminConn.Close(ctx)

	_, err = adminConn.Exec(ctx, "CREATE DATABASE "+dbName)
	return err
}

func dropDatabase(ctx context.Context, adminURL, dbName string) error {
	adminConn, err := pgx.Connect(ctx, adminURL)
	if err != nil {
		return err
	}
	defer adminConn.Close(ctx)

	if _, err := adminConn.Exec(ctx, "DROP DATABASE "+dbName+" WITH (FORCE)"); err == nil {
		return nil
	}
	_, err = adminConn.Exec(ctx, "DROP DATABASE "+dbName)
	return err
}

func migrationsDir(t *testing.T) string {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	repoRoot := filepath.Clean(filepath.Join(filepath.Dir(thisFile), "..", ".."))
	return filepath.Join(repoRoot, "migrations")
}

func applyMigrations(ctx context.Context, conn *pgx.Conn, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var ups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			ups = append(ups, name)
		}
	}
	sort.Strings(ups)

	for _, name := range ups {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	return nil
}

// openTestDatabase creates a throwaway database, applies migrations and the
// given seed statements, and returns a pool bound to it.
func openTestDatabase(t *testing.T, ctx context.Context, seed ...string) *db.Pool {
	t.Helper()
	adminURL := requireTestDatabaseURL(t)

	dbName := newTestDatabaseName()
	testDBURL := mustDeriveDatabaseURL(t, adminURL, dbName)

	if err := createDatabase(ctx, adminURL, dbName); err != nil {
		t.Fatalf("create database: %v", err)
	}
	t.Cleanup(func() {
		_ = dropDatabase(context.Background(), adminURL, dbName)
	})

	mConn, err := pgx.Connect(ctx, testDBURL)
	if err != nil {
		t.Fatalf("connect for migrations: %v", err)
	}
	if err := applyMigrations(ctx, mConn, migrationsDir(t)); err != nil {
		_ = mConn.Close(ctx)
		t.Fatalf("apply migrations: %v", err)
	}
	for _, stmt := range seed {
		if _, err := mConn.Exec(ctx, stmt); err != nil {
			_ = mConn.Close(ctx)
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	if err := mConn.Close(ctx); err != nil {
		t.Fatalf("close migration connection: %v", err)
	}

	pool, err := db.Open(ctx, testDBURL, db.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("open db pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

var attendanceSeed = []string{
	`INSERT INTO machines (id, machine_number, alias, ip, port, enabled) VALUES
		(1, 1, 'Main Gate', '192.0.2.10', 4370, TRUE),
		(2, 2, 'Warehouse', '192.0.2.11', 4370, TRUE),
		(3, 3, 'Old Lobby', '', 4370, FALSE)`,
	`INSERT INTO userinfo (userid, badgenumber, name, department, status) VALUES
		(12, '138', 'Rosa', 'Ops', 1),
		(13, '200', 'Ilse', NULL, 0)`,
}

func newIntegrationHandler(t *testing.T, pool *db.Pool) (*Handler, *attendance.Engine) {
	t.Helper()
	log := NewLogger("error")
	q := pool.Queries()
	engine := attendance.NewEngine(log, q, identity.NewResolver(q))
	orch := syncworker.New(log, zk.NewClient(zk.Options{}), engine, q, syncworker.Options{}, nil)
	return NewHandler(log, pool, Deps{Sync: orch}), engine
}

func TestHandler_Postgres_MachinesAndAttendance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := openTestDatabase(t, ctx, attendanceSeed...)
	h, engine := newIntegrationHandler(t, pool)
	router := h.Router()

	rrReady := httptest.NewRecorder()
	router.ServeHTTP(rrReady, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rrReady.Code != http.StatusOK {
		t.Fatalf("readyz expected 200, got %d: %s", rrReady.Code, rrReady.Body.String())
	}

	rrList := httptest.NewRecorder()
	router.ServeHTTP(rrList, httptest.NewRequest(http.MethodGet, "/api/v1/machines", nil))
	if rrList.Code != http.StatusOK {
		t.Fatalf("list expected 200, got %d: %s", rrList.Code, rrList.Body.String())
	}
	var machines []machine
	if err := json.NewDecoder(rrList.Body).Decode(&machines); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(machines) != 2 || machines[0].Alias != "Main Gate" || machines[1].Alias != "Warehouse" {
		t.Fatalf("expected the two enabled machines, got %+v", machines)
	}

	rrDisabled := httptest.NewRecorder()
	router.ServeHTTP(rrDisabled, httptest.NewRequest(http.MethodPost, "/api/v1/machines/3/sync", nil))
	if rrDisabled.Code != http.StatusConflict {
		t.Fatalf("disabled machine expected 409, got %d: %s", rrDisabled.Code, rrDisabled.Body.String())
	}

	rrMissing := httptest.NewRecorder()
	router.ServeHTTP(rrMissing, httptest.NewRequest(http.MethodGet, "/api/v1/machines/99/attendance", nil))
	if rrMissing.Code != http.StatusNotFound {
		t.Fatalf("unknown machine expected 404, got %d: %s", rrMissing.Code, rrMissing.Body.String())
	}

	// Store two punches through the engine, then read them back by machine.
	src := punch.Source{MachineID: 1, MachineNumber: 1, Alias: "Main Gate", Serial: "CLX1"}
	raws := []map[string]any{
		{"deviceUserId": "138", "timestamp": time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC), "state": 0},
		{"deviceUserId": "138", "timestamp": time.Date(2025, 1, 10, 17, 0, 0, 0, time.UTC), "state": 1},
		{"deviceUserId": "999", "timestamp": time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC), "state": 0},
	}
	filtered, err := engine.FilterNew(ctx, punch.NormalizeAll(raws, src), nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(filtered.Unique) != 2 || filtered.SkippedUnresolvedCount != 1 {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}
	saved, err := engine.Persist(ctx, filtered.Unique, nil)
	if err != nil || saved.SavedCount != 2 {
		t.Fatalf("persist: %v %+v", err, saved)
	}

	again, err := engine.FilterNew(ctx, punch.NormalizeAll(raws, src), nil)
	if err != nil {
		t.Fatalf("refilter: %v", err)
	}
	if len(again.Unique) != 0 || again.DuplicateCount != 2 {
		t.Fatalf("expected stored punches to be duplicates, got %+v", again)
	}
	// A concurrent writer that skipped the filter is stopped by the unique index.
	raced, err := engine.Persist(ctx, filtered.Unique, nil)
	if err != nil || raced.SavedCount != 0 || raced.DuplicateAtInsert != 2 {
		t.Fatalf("expected duplicates at insert, got %v %+v", err, raced)
	}

	rrAtt := httptest.NewRecorder()
	router.ServeHTTP(rrAtt, httptest.NewRequest(http.MethodGet, "/api/v1/machines/1/attendance?from=2025-01-10&to=2025-01-10", nil))
	if rrAtt.Code != http.StatusOK {
		t.Fatalf("attendance expected 200, got %d: %s", rrAtt.Code, rrAtt.Body.String())
	}
	var records []attendanceRecord
	if err := json.NewDecoder(rrAtt.Body).Decode(&records); err != nil {
		t.Fatalf("decode attendance: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %+v", records)
	}
	if records[0].Name != "Rosa" || records[0].CheckType != "I" || records[1].CheckType != "O" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].CheckTime != "2025-01-10 08:00:00.000" {
		t.Fatalf("expected the device wall clock to be stored verbatim, got %q", records[0].CheckTime)
	}

	rrOther := httptest.NewRecorder()
	router.ServeHTTP(rrOther, httptest.NewRequest(http.MethodGet, "/api/v1/machines/2/attendance", nil))
	if body := strings.TrimSpace(rrOther.Body.String()); rrOther.Code != http.StatusOK || body != "[]" {
		t.Fatalf("expected no records for machine 2, got %d %s", rrOther.Code, body)
	}
}

func TestHandler_Postgres_ResolveActiveSkipsInactive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := openTestDatabase(t, ctx, attendanceSeed...)
	r := identity.NewResolver(pool.Queries())

	if id, ok, err := r.Resolve(ctx, "200"); err != nil || !ok || id.Name != "Ilse" {
		t.Fatalf("Resolve: %+v %v %v", id, ok, err)
	}
	if _, ok, err := r.ResolveActive(ctx, "200"); err != nil || ok {
		t.Fatalf("expected inactive user to be skipped, ok=%v err=%v", ok, err)
	}
	if id, ok, err := r.ResolveActive(ctx, "138"); err != nil || !ok || id.Department != "Ops" {
		t.Fatalf("ResolveActive: %+v %v %v", id, ok, err)
	}
	if _, ok, err := r.Resolve(ctx, "0138"); err != nil || ok {
		t.Fatalf("expected exact badge match only, ok=%v err=%v", ok, err)
	}
}
