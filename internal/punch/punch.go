package punch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the zone-naive layout attendance times are stored in.
const TimestampLayout = "2006-01-02 15:04:05.000"

type Direction string

const (
	In  Direction = "IN"
	Out Direction = "OUT"
)

// CheckType is the single-letter column value stored for the direction.
func (d Direction) CheckType() string {
	if d == Out {
		return "O"
	}
	return "I"
}

// Source identifies the terminal a batch of raw records came from.
type Source struct {
	MachineID     int32
	MachineNumber int32
	Alias         string
	Serial        string
}

// SensorID is the device identifier written with each attendance record.
func (s Source) SensorID() string {
	if s.MachineNumber > 0 {
		return strconv.Itoa(int(s.MachineNumber))
	}
	if s.MachineID > 0 {
		return strconv.Itoa(int(s.MachineID))
	}
	return s.Alias
}

// Normalized is a punch in canonical form, independent of firmware shape.
type Normalized struct {
	BadgeNumber  string    `json:"badgeNumber"`
	Timestamp    string    `json:"timestamp"`
	Direction    Direction `json:"direction"`
	CheckType    string    `json:"checkType"`
	VerifyMode   int       `json:"verifyMode"`
	WorkCode     int       `json:"workCode"`
	SensorID     string    `json:"sensorId"`
	DeviceAlias  string    `json:"deviceAlias"`
	DeviceSerial string    `json:"deviceSerial"`
	UserSn       string    `json:"userSn,omitempty"`
	Reserved     string    `json:"reserved"`

	// RecordTime is the structured reading when the device supplied one.
	RecordTime time.Time `json:"-"`
}

// Resolved is a normalized punch whose badge matched a registered user.
type Resolved struct {
	Normalized
	UserID int32  `json:"userId"`
	Name   string `json:"name"`
}

// Candidate raw field names, in lookup order.
var (
	badgeFields     = []string{"badgeNumber", "deviceUserId", "employeeId", "userSn", "uid"}
	timeFields      = []string{"recordTime", "timestamp", "time", "date"}
	directionFields = []string{"type", "state", "inOut"}
	verifyFields    = []string{"verifyType", "verifyMode"}
)

// Normalize converts one raw device record. index is the record's position
// in its batch and only matters when the record carries no direction signal.
func Normalize(raw map[string]any, src Source, index int) Normalized {
	n := Normalized{
		BadgeNumber:  firstString(raw, badgeFields...),
		VerifyMode:   1,
		SensorID:     src.SensorID(),
		DeviceAlias:  src.Alias,
		DeviceSerial: src.Serial,
		UserSn:       firstString(raw, "userSn"),
	}
	if n.DeviceSerial == "" {
		n.DeviceSerial = n.UserSn
	}

	for _, f := range timeFields {
		v, ok := raw[f]
		if !ok || v == nil {
			continue
		}
		if t, ok := v.(time.Time); ok {
			n.RecordTime = t
			n.Timestamp = FormatTimestamp(t)
		} else {
			n.Timestamp = fmt.Sprint(v)
		}
		break
	}

	n.Direction = direction(raw, index)
	n.CheckType = n.Direction.CheckType()

	for _, f := range verifyFields {
		if v, ok := asInt(raw[f]); ok && v != 0 {
			n.VerifyMode = v
			break
		}
	}
	if v, ok := asInt(raw["workCode"]); ok {
		n.WorkCode = v
	}
	return n
}

// NormalizeAll normalizes a batch, keeping input order.
func NormalizeAll[R ~map[string]any](raws []R, src Source) []Normalized {
	out := make([]Normalized, 0, len(raws))
	for i, r := range raws {
		out = append(out, Normalize(r, src, i))
	}
	return out
}

// direction applies the inference order: an explicit type, state or inOut
// field; a verify type alone means IN; with no signal at all, even positions
// are IN and odd positions OUT.
func direction(raw map[string]any, index int) Direction {
	for _, f := range directionFields {
		v, ok := raw[f]
		if !ok || v == nil {
			continue
		}
		if d, ok := parseDirectionWord(v); ok {
			return d
		}
		code, ok := asInt(v)
		if !ok {
			continue
		}
		if code == 0 {
			return In
		}
		return Out
	}
	if _, ok := raw["verifyType"]; ok {
		return In
	}
	if index%2 == 0 {
		return In
	}
	return Out
}

func parseDirectionWord(v any) (Direction, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "I", "IN":
		return In, true
	case "O", "OUT":
		return Out, true
	}
	return "", false
}

// FormatTimestamp renders the wall-clock fields of t without any zone
// conversion.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

func firstString(raw map[string]any, fields ...string) string {
	for _, f := range fields {
		if s := asString(raw[f]); s != "" && s != "0" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint8:
		return int(x), true
	case uint16:
		return int(x), true
	case uint32:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}
