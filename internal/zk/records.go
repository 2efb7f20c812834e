package zk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// RawPunch is one attendance record as the terminal reports it. Keys follow
// the Field* constants; values are string, int or time.Time.
type RawPunch map[string]any

const (
	FieldUserSn       = "userSn"
	FieldDeviceUserID = "deviceUserId"
	FieldRecordTime   = "recordTime"
	FieldVerifyType   = "verifyType"
	FieldState        = "state"
	FieldWorkCode     = "workCode"
)

const defaultRecordSize = 40

// decodeAttendance splits an attendance buffer into records. The buffer
// starts with a uint32 byte count; the record layout is inferred from the
// byte count and the record total reported by the terminal.
func decodeAttendance(buf []byte, records int, loc *time.Location) ([]RawPunch, error) {
	if len(buf) < 4 {
		return []RawPunch{}, nil
	}
	total := int(binary.LittleEndian.Uint32(buf[0:4]))
	data := buf[4:]
	if total > len(data) {
		return nil, &ProtocolError{Op: "decode attendance", Msg: fmt.Sprintf("buffer holds %d of %d announced bytes", len(data), total)}
	}
	data = data[:total]

	size := defaultRecordSize
	if records > 0 && total > 0 && total%records == 0 {
		size = total / records
	}

	var decode func([]byte, *time.Location) RawPunch
	switch size {
	case 40:
		decode = decodeRecord40
	case 16:
		decode = decodeRecord16
	case 8:
		decode = decodeRecord8
	default:
		return nil, &ProtocolError{Op: "decode attendance", Msg: fmt.Sprintf("unsupported record size %d", size)}
	}

	if rem := len(data) % size; rem != 0 {
		return nil, &ProtocolError{Op: "decode attendance", Msg: fmt.Sprintf("%d trailing bytes after %d-byte records", rem, size)}
	}

	out := make([]RawPunch, 0, len(data)/size)
	for off := 0; off < len(data); off += size {
		out = append(out, decode(data[off:off+size], loc))
	}
	return out, nil
}

func decodeRecord40(b []byte, loc *time.Location) RawPunch {
	return RawPunch{
		FieldUserSn:       int(binary.LittleEndian.Uint16(b[0:2])),
		FieldDeviceUserID: cString(b[2:26]),
		FieldVerifyType:   int(b[26]),
		FieldRecordTime:   decodeTime(binary.LittleEndian.Uint32(b[27:31]), loc),
		FieldState:        int(b[31]),
		// b[32:40] reserved
	}
}

func decodeRecord16(b []byte, loc *time.Location) RawPunch {
	userID := binary.LittleEndian.Uint32(b[0:4])
	return RawPunch{
		FieldUserSn:       int(userID),
		FieldDeviceUserID: strconv.FormatUint(uint64(userID), 10),
		FieldRecordTime:   decodeTime(binary.LittleEndian.Uint32(b[4:8]), loc),
		FieldVerifyType:   int(b[8]),
		FieldState:        int(b[9]),
		FieldWorkCode:     int(binary.LittleEndian.Uint32(b[12:16])),
	}
}

func decodeRecord8(b []byte, loc *time.Location) RawPunch {
	uid := binary.LittleEndian.Uint16(b[0:2])
	return RawPunch{
		FieldUserSn:       int(uid),
		FieldDeviceUserID: strconv.Itoa(int(uid)),
		FieldVerifyType:   int(b[2]),
		FieldRecordTime:   decodeTime(binary.LittleEndian.Uint32(b[3:7]), loc),
		FieldState:        int(b[7]),
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
