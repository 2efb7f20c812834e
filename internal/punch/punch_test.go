package punch

import (
	"errors"
	"testing"
	"time"
)

var testSource = Source{MachineID: 7, MachineNumber: 3, Alias: "Lobby", Serial: "CLX001"}

func TestNormalize_FullRecord(t *testing.T) {
	raw := map[string]any{
		"userSn":       12,
		"deviceUserId": "1001",
		"recordTime":   time.Date(2025, time.March, 4, 7, 5, 9, 0, time.FixedZone("x", 3600)),
		"verifyType":   15,
		"state":        1,
		"workCode":     4,
	}
	n := Normalize(raw, testSource, 0)

	if n.BadgeNumber != "1001" {
		t.Fatalf("badge: got %q", n.BadgeNumber)
	}
	if n.Timestamp != "2025-03-04 07:05:09.000" {
		t.Fatalf("timestamp: got %q", n.Timestamp)
	}
	if n.Direction != Out || n.CheckType != "O" {
		t.Fatalf("direction: got %s/%s", n.Direction, n.CheckType)
	}
	if n.VerifyMode != 15 || n.WorkCode != 4 {
		t.Fatalf("verify/work: got %d/%d", n.VerifyMode, n.WorkCode)
	}
	if n.SensorID != "3" || n.DeviceAlias != "Lobby" || n.DeviceSerial != "CLX001" {
		t.Fatalf("device fields: %+v", n)
	}
	if n.RecordTime.IsZero() {
		t.Fatalf("expected structured record time to be kept")
	}
}

func TestNormalize_BadgeFieldFallbacks(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"badgeNumber wins", map[string]any{"badgeNumber": "A1", "deviceUserId": "B2"}, "A1"},
		{"deviceUserId", map[string]any{"deviceUserId": "B2", "userSn": 9}, "B2"},
		{"employeeId", map[string]any{"employeeId": "C3"}, "C3"},
		{"userSn numeric", map[string]any{"userSn": 44}, "44"},
		{"zero userSn is absent", map[string]any{"userSn": 0, "uid": 5}, "5"},
		{"nothing", map[string]any{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.raw, Source{}, 0).BadgeNumber; got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestNormalize_DirectionPriority(t *testing.T) {
	cases := []struct {
		name  string
		raw   map[string]any
		index int
		want  Direction
	}{
		{"type 0", map[string]any{"type": 0, "state": 1}, 1, In},
		{"type string 1", map[string]any{"type": "1"}, 0, Out},
		{"state check-out", map[string]any{"state": 1}, 0, Out},
		{"state break-in", map[string]any{"state": 3}, 1, Out},
		{"state overtime-in", map[string]any{"state": 4}, 0, Out},
		{"state check-in", map[string]any{"state": 0}, 1, In},
		{"inOut 0", map[string]any{"inOut": "0"}, 1, In},
		{"inOut word", map[string]any{"inOut": "OUT"}, 0, Out},
		{"verifyType only", map[string]any{"verifyType": 1}, 1, In},
		{"no signal even", map[string]any{"deviceUserId": "1"}, 2, In},
		{"no signal odd", map[string]any{"deviceUserId": "1"}, 3, Out},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.raw, Source{}, tc.index).Direction; got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestNormalizeAll_DirectionIsDeterministic(t *testing.T) {
	raws := []map[string]any{
		{"deviceUserId": "1", "recordTime": "a"},
		{"deviceUserId": "1", "recordTime": "b"},
		{"deviceUserId": "2", "recordTime": "c", "state": 0},
		{"deviceUserId": "2", "recordTime": "d"},
	}
	first := NormalizeAll(raws, testSource)
	for i := 0; i < 5; i++ {
		again := NormalizeAll(raws, testSource)
		for j := range first {
			if first[j].Direction != again[j].Direction {
				t.Fatalf("record %d changed direction between runs", j)
			}
		}
	}
	want := []Direction{In, Out, In, Out}
	for i, w := range want {
		if first[i].Direction != w {
			t.Fatalf("record %d: got %s want %s", i, first[i].Direction, w)
		}
	}
}

func TestNormalize_NonTimeTimestampPassesThrough(t *testing.T) {
	n := Normalize(map[string]any{"timestamp": "2025-03-04T07:05:09"}, Source{}, 0)
	if n.Timestamp != "2025-03-04T07:05:09" {
		t.Fatalf("got %q", n.Timestamp)
	}
	if !n.RecordTime.IsZero() {
		t.Fatalf("expected no structured time")
	}
}

func TestNormalize_DefaultsAndSerialFallback(t *testing.T) {
	n := Normalize(map[string]any{"userSn": 17, "recordTime": time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)}, Source{Alias: "Gate"}, 0)
	if n.VerifyMode != 1 {
		t.Fatalf("verify default: got %d", n.VerifyMode)
	}
	if n.DeviceSerial != "17" {
		t.Fatalf("serial fallback: got %q", n.DeviceSerial)
	}
	if n.SensorID != "Gate" {
		t.Fatalf("sensor fallback: got %q", n.SensorID)
	}
	if n.Timestamp != "2025-01-02 03:04:05.006" {
		t.Fatalf("zero padding: got %q", n.Timestamp)
	}
}

func TestDateRange(t *testing.T) {
	r, err := ParseDateRange("2025-03-01", "2025-03-04")
	if err != nil {
		t.Fatalf("ParseDateRange: %v", err)
	}
	for ts, want := range map[string]bool{
		"2025-03-01 00:00:00.000": true,
		"2025-03-04 23:59:59.999": true,
		"2025-03-04T10:00:00":     true,
		"2025-02-28 23:59:59.999": false,
		"2025-03-05 00:00:00.000": false,
		"garbage":                 false,
	} {
		if got := r.Contains(ts); got != want {
			t.Fatalf("Contains(%q): got %v want %v", ts, got, want)
		}
	}

	from, until := r.Bounds()
	if from != "2025-03-01" || until != "2025-03-05" {
		t.Fatalf("Bounds: got %q %q", from, until)
	}

	if !(DateRange{}).Contains("anything") {
		t.Fatalf("empty range should contain everything")
	}
}

func TestParseDateRange_Invalid(t *testing.T) {
	for _, tc := range [][2]string{{"2025-3-1", ""}, {"", "tomorrow"}, {"2025-03-05", "2025-03-01"}} {
		if _, err := ParseDateRange(tc[0], tc[1]); !errors.Is(err, ErrInvalidDateRange) {
			t.Fatalf("ParseDateRange(%q, %q): expected ErrInvalidDateRange, got %v", tc[0], tc[1], err)
		}
	}
}
