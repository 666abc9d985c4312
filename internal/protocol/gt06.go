package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// GT06Decoder handles the Concox GT06 family: 0x7878/0x7979 framed binary
// packets with a CRC-16/X-25 trailer. Login binds the packed-BCD IMEI; the
// login and heartbeat ACKs echo the device serial.
type GT06Decoder struct{}

// NewGT06Decoder returns the decoder for port 5023.
func NewGT06Decoder() *GT06Decoder { return &GT06Decoder{} }

func (d *GT06Decoder) Name() string            { return "gt06" }
func (d *GT06Decoder) Port() int               { return 5023 }
func (d *GT06Decoder) Transports() []Transport { return []Transport{TransportTCP} }

const (
	gt06ProtoLogin     = 0x01
	gt06ProtoPosition  = 0x12
	gt06ProtoHeartbeat = 0x13
	gt06ProtoPosition2 = 0x16
	gt06ProtoPosition3 = 0x1A
	gt06ProtoCommand   = 0x80
)

// Status/course word bits.
const (
	gt06CourseMask  = 0x03FF
	gt06BitLatSouth = 1 << 10
	gt06BitLonWest  = 1 << 11
	gt06BitValidFix = 1 << 12
	gt06BitRealTime = 1 << 13
	gt06BitIgnition = 1 << 14
)

func (d *GT06Decoder) Decode(buf []byte, _ ClientInfo, knownIMEI string) (Result, int) {
	if len(buf) < 5 {
		return Result{}, 0
	}
	long := false
	switch {
	case buf[0] == 0x78 && buf[1] == 0x78:
	case buf[0] == 0x79 && buf[1] == 0x79:
		long = true
	default:
		return Result{}, 1
	}

	var contentLen, total, offset int
	if long {
		if len(buf) < 6 {
			return Result{}, 0
		}
		contentLen = int(binary.BigEndian.Uint16(buf[2:4]))
		total = contentLen + 6 // start(2) + len(2) + content + 0D0A... CRC inside content
		offset = 4
	} else {
		contentLen = int(buf[2])
		total = contentLen + 5
		offset = 3
	}
	if total > MaxUnframedBuffer {
		return Result{}, 1
	}
	if len(buf) < total {
		return Result{}, 0
	}

	packet := buf[:total]
	if packet[total-2] != 0x0D || packet[total-1] != 0x0A {
		return Result{}, 1
	}
	// CRC covers length through serial, i.e. everything between the start
	// bytes and the CRC itself.
	wantCRC := binary.BigEndian.Uint16(packet[total-4 : total-2])
	if crc16X25(packet[2:total-4]) != wantCRC {
		return Result{}, total
	}

	proto := packet[offset]
	switch proto {
	case gt06ProtoLogin:
		if offset+11 > total-4 {
			return Result{}, total
		}
		imei := gt06IMEI(packet[offset+1 : offset+9])
		serial := packet[offset+9 : offset+11]
		return Result{
			Event:    EventLogin,
			IMEI:     imei,
			Response: gt06Frame(gt06ProtoLogin, serial),
		}, total
	case gt06ProtoPosition, gt06ProtoPosition2, gt06ProtoPosition3:
		pos := d.parsePosition(packet, offset, knownIMEI)
		if pos == nil {
			return Result{}, total
		}
		return Result{Positions: []model.NormalizedPosition{*pos}}, total
	case gt06ProtoHeartbeat:
		if offset+3 > total-4 {
			return Result{}, total
		}
		serial := packet[offset+1 : offset+3]
		return Result{
			Event:    EventHeartbeat,
			Response: gt06Frame(gt06ProtoHeartbeat, serial),
		}, total
	default:
		return Result{}, total
	}
}

// parsePosition reads the GPS element: 6-byte date, satellite count in the
// high nibble, the status/course word, then unsigned lat/lon in 1/1800000
// degree units with signs taken from the status word, and a speed byte.
func (d *GT06Decoder) parsePosition(packet []byte, offset int, knownIMEI string) *model.NormalizedPosition {
	if knownIMEI == "" {
		return nil
	}
	p := offset + 1
	if p+6+1+2+4+4+1 > len(packet) {
		return nil
	}

	deviceTime := time.Date(
		2000+int(packet[p]), time.Month(packet[p+1]), int(packet[p+2]),
		int(packet[p+3]), int(packet[p+4]), int(packet[p+5]), 0, time.UTC)
	p += 6

	satellites := int(packet[p]>>4) & 0x0F
	p++

	word := binary.BigEndian.Uint16(packet[p : p+2])
	p += 2

	lat := float64(binary.BigEndian.Uint32(packet[p:p+4])) / 1800000.0
	p += 4
	lon := float64(binary.BigEndian.Uint32(packet[p:p+4])) / 1800000.0
	p += 4
	speed := float64(packet[p])

	if word&gt06BitLatSouth != 0 {
		lat = -lat
	}
	if word&gt06BitLonWest != 0 {
		lon = -lon
	}
	ignition := word&gt06BitIgnition != 0

	return &model.NormalizedPosition{
		IMEI:       knownIMEI,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speed,
		Course:     float64(word & gt06CourseMask),
		Satellites: satellites,
		Ignition:   &ignition,
		ValidFix:   word&gt06BitValidFix != 0,
		Sensors: map[string]any{
			"real_time": word&gt06BitRealTime != 0,
		},
	}
}

// gt06IMEI unpacks the 8-byte BCD IMEI, dropping the leading pad nibble.
func gt06IMEI(b []byte) string {
	s := strings.TrimLeft(hex.EncodeToString(b), "0")
	if s == "" {
		s = "0"
	}
	return s
}

// gt06Frame builds a short server frame: start bytes, length, protocol
// number, body, CRC-16/X-25 over length through body, and the 0D0A trailer.
func gt06Frame(proto byte, body []byte) []byte {
	frame := make([]byte, 0, 2+1+1+len(body)+4)
	frame = append(frame, 0x78, 0x78)
	frame = append(frame, byte(1+len(body)+2)) // proto + body + CRC
	frame = append(frame, proto)
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint16(frame, crc16X25(frame[2:]))
	frame = append(frame, 0x0D, 0x0A)
	return frame
}

var gt06Commands = map[string]CommandInfo{
	"reset": {Name: "reset", Description: "Reboot the tracker"},
}

// EncodeCommand supports the factory reset frame only; GT06 units take most
// configuration over SMS.
func (d *GT06Decoder) EncodeCommand(commandType string, _ map[string]string) ([]byte, error) {
	if commandType != "reset" {
		return nil, fmt.Errorf("gt06: unsupported command %q", commandType)
	}
	return gt06Frame(gt06ProtoCommand, []byte{0x01, 0x00, 0x01}), nil
}

func (d *GT06Decoder) AvailableCommands() []string { return []string{"reset"} }

func (d *GT06Decoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := gt06Commands[name]
	return info, ok
}
