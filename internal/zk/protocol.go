package zk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Command codes of the ZK terminal protocol.
const (
	cmdOptionsRRQ   uint16 = 11
	cmdAttLogRRQ    uint16 = 13
	cmdGetFreeSizes uint16 = 50
	cmdGetTime      uint16 = 201
	cmdSetTime      uint16 = 202
	cmdConnect      uint16 = 1000
	cmdExit         uint16 = 1001
	cmdAuth         uint16 = 1102
	cmdPrepareData  uint16 = 1500
	cmdData         uint16 = 1501
	cmdFreeData     uint16 = 1502
	cmdDataWRRQ     uint16 = 1503
	cmdDataRdy      uint16 = 1504
	cmdAckOK        uint16 = 2000
	cmdAckError     uint16 = 2001
	cmdAckData      uint16 = 2002
	cmdAckUnauth    uint16 = 2005
)

const (
	tcpMagic1 uint16 = 0x5050
	tcpMagic2 uint16 = 0x7d82

	headerSize    = 8
	tcpPrefixSize = 8
	ushrtMax      = 0xFFFF

	// maxChunk is the largest buffered read a terminal serves over TCP.
	maxChunk = 0xFFC0
	// maxPacket bounds a single framed payload so a corrupt length cannot exhaust memory.
	maxPacket = 1 << 20
)

// packet is one decoded protocol frame.
type packet struct {
	Command   uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
	Data      []byte
}

// checksum folds the little-endian 16-bit words modulo 65535 and subtracts
// the result from 65534, matching the terminal firmware.
func checksum(b []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(b); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(b[i:]))
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if i < len(b) {
		sum += uint32(b[len(b)-1])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	if sum == ushrtMax {
		sum = 0
	}
	return uint16(ushrtMax - 1 - sum)
}

// encodePacket frames a command for a TCP session. The checksum is taken
// over the current reply id and the header carries the incremented one, which
// is what terminals expect; the new reply id is returned.
func encodePacket(command, sessionID, replyID uint16, data []byte) ([]byte, uint16) {
	body := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(body[0:], command)
	binary.LittleEndian.PutUint16(body[2:], 0)
	binary.LittleEndian.PutUint16(body[4:], sessionID)
	binary.LittleEndian.PutUint16(body[6:], replyID)
	copy(body[headerSize:], data)

	sum := checksum(body)
	next := uint16((uint32(replyID) + 1) % ushrtMax)
	binary.LittleEndian.PutUint16(body[2:], sum)
	binary.LittleEndian.PutUint16(body[6:], next)

	out := make([]byte, tcpPrefixSize+len(body))
	binary.LittleEndian.PutUint16(out[0:], tcpMagic1)
	binary.LittleEndian.PutUint16(out[2:], tcpMagic2)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(body)))
	copy(out[tcpPrefixSize:], body)
	return out, next
}

var errBadMagic = errors.New("zk: bad tcp frame magic")

// readPacket reads exactly one framed packet from r.
func readPacket(r io.Reader) (packet, error) {
	var prefix [tcpPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return packet{}, err
	}
	if binary.LittleEndian.Uint16(prefix[0:]) != tcpMagic1 || binary.LittleEndian.Uint16(prefix[2:]) != tcpMagic2 {
		return packet{}, errBadMagic
	}
	n := binary.LittleEndian.Uint32(prefix[4:])
	if n < headerSize || n > maxPacket {
		return packet{}, fmt.Errorf("zk: invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return packet{
		Command:   binary.LittleEndian.Uint16(body[0:]),
		Checksum:  binary.LittleEndian.Uint16(body[2:]),
		SessionID: binary.LittleEndian.Uint16(body[4:]),
		ReplyID:   binary.LittleEndian.Uint16(body[6:]),
		Data:      body[headerSize:],
	}, nil
}

// encodeTime packs a wall-clock reading into the terminal's 32-bit time format.
// Only the wall-clock fields are used; the location of t is ignored.
func encodeTime(t time.Time) uint32 {
	d := ((uint32(t.Year()%100)*12*31 + uint32(t.Month()-1)*31 + uint32(t.Day()-1)) * (24 * 60 * 60))
	return d + (uint32(t.Hour())*60+uint32(t.Minute()))*60 + uint32(t.Second())
}

// decodeTime unpacks a terminal time value as a wall-clock reading in loc.
func decodeTime(v uint32, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	second := int(v % 60)
	v /= 60
	minute := int(v % 60)
	v /= 60
	hour := int(v % 24)
	v /= 24
	day := int(v%31) + 1
	v /= 31
	month := time.Month(v%12) + 1
	v /= 12
	year := int(v) + 2000
	return time.Date(year, month, day, hour, minute, second, 0, loc)
}

// makeCommKey derives the CMD_AUTH payload from a numeric comm key and the
// session id handed out by the terminal.
func makeCommKey(key int, sessionID uint16, ticks byte) []byte {
	var k uint32
	for i := 0; i < 32; i++ {
		if key&(1<<i) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	// swap the two 16-bit halves
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]

	return []byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}
