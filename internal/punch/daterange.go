package punch

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var ErrInvalidDateRange = errors.New("invalid date range")

// DateRange is an inclusive range of calendar days in YYYY-MM-DD form. An
// empty bound is open.
type DateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// ParseDateRange validates the two bounds. Both may be empty.
func ParseDateRange(from, to string) (DateRange, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	var f, t time.Time
	var err error
	if from != "" {
		if f, err = time.Parse(dateLayout, from); err != nil {
			return DateRange{}, fmt.Errorf("%w: from must be YYYY-MM-DD", ErrInvalidDateRange)
		}
	}
	if to != "" {
		if t, err = time.Parse(dateLayout, to); err != nil {
			return DateRange{}, fmt.Errorf("%w: to must be YYYY-MM-DD", ErrInvalidDateRange)
		}
	}
	if from != "" && to != "" && t.Before(f) {
		return DateRange{}, fmt.Errorf("%w: from is after to", ErrInvalidDateRange)
	}
	return DateRange{From: from, To: to}, nil
}

func (r DateRange) IsZero() bool { return r.From == "" && r.To == "" }

// Contains reports whether the date part of a stored timestamp falls within
// the range. Both "T" and space separators are accepted.
func (r DateRange) Contains(ts string) bool {
	if r.IsZero() {
		return true
	}
	day := datePart(ts)
	if len(day) != len(dateLayout) {
		return false
	}
	if r.From != "" && day < r.From {
		return false
	}
	if r.To != "" && day > r.To {
		return false
	}
	return true
}

// Bounds returns the lexical [from, until) pair used to query stored
// timestamps. Open ends are widened to cover every stored value.
func (r DateRange) Bounds() (from, until string) {
	from = "0000-01-01"
	until = "9999-12-31 23:59:59.999~"
	if r.From != "" {
		from = r.From
	}
	if r.To != "" {
		t, _ := time.Parse(dateLayout, r.To)
		until = t.AddDate(0, 0, 1).Format(dateLayout)
	}
	return from, until
}

// Filter keeps the punches whose timestamp falls within the range.
func (r DateRange) Filter(ps []Normalized) []Normalized {
	if r.IsZero() {
		return ps
	}
	out := make([]Normalized, 0, len(ps))
	for _, p := range ps {
		if r.Contains(p.Timestamp) {
			out = append(out, p)
		}
	}
	return out
}

func datePart(ts string) string {
	ts = strings.TrimSpace(ts)
	if i := strings.IndexAny(ts, "T "); i >= 0 {
		return ts[:i]
	}
	return ts
}
