package protocol

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// gt06TestFrame builds a device-side short frame with a valid CRC trailer.
func gt06TestFrame(proto byte, body []byte) []byte {
	frame := []byte{0x78, 0x78, byte(1 + len(body) + 2), proto}
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint16(frame, crc16X25(frame[2:]))
	return append(frame, 0x0D, 0x0A)
}

func gt06LoginFrame() []byte {
	// Packed-BCD IMEI 0354188046456612 (leading pad nibble) + serial 0x0001.
	body := []byte{0x03, 0x54, 0x18, 0x80, 0x46, 0x45, 0x66, 0x12, 0x00, 0x01}
	return gt06TestFrame(gt06ProtoLogin, body)
}

func gt06PositionBody(lat, lon float64, word uint16, speed byte) []byte {
	body := []byte{21, 1, 1, 12, 30, 45} // 2021-01-01 12:30:45
	body = append(body, 0x80)            // 8 satellites in the high nibble
	body = binary.BigEndian.AppendUint16(body, word)
	body = binary.BigEndian.AppendUint32(body, uint32(lat*1800000))
	body = binary.BigEndian.AppendUint32(body, uint32(lon*1800000))
	body = append(body, speed)
	body = append(body, 0x00, 0x02) // serial
	return body
}

func TestProtocol_GT06_Login_BindsIMEIAndEchoesSerial(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	frame := gt06LoginFrame()

	res, consumed := d.Decode(frame, ClientInfo{}, "")
	require.Equal(t, len(frame), consumed)
	require.Equal(t, EventLogin, res.Event)
	require.Equal(t, "354188046456612", res.IMEI)

	// ACK: 7878 05 01 <serial> <crc> 0D0A with the serial echoed back.
	require.Equal(t, []byte{0x78, 0x78, 0x05, 0x01, 0x00, 0x01}, res.Response[:6])
	wantCRC := crc16X25(res.Response[2 : len(res.Response)-4])
	require.Equal(t, wantCRC, binary.BigEndian.Uint16(res.Response[len(res.Response)-4:len(res.Response)-2]))
	require.Equal(t, []byte{0x0D, 0x0A}, res.Response[len(res.Response)-2:])
}

func TestProtocol_GT06_Position_DecodesCourseAndFlags(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	word := uint16(90) | gt06BitValidFix | gt06BitIgnition
	frame := gt06TestFrame(gt06ProtoPosition, gt06PositionBody(22.5, 114.0, word, 60))

	res, consumed := d.Decode(frame, ClientInfo{}, "354188046456612")
	require.Equal(t, len(frame), consumed)
	require.Len(t, res.Positions, 1)

	pos := res.Positions[0]
	require.Equal(t, time.Date(2021, 1, 1, 12, 30, 45, 0, time.UTC), pos.DeviceTime)
	require.InDelta(t, 22.5, pos.Latitude, 1e-6)
	require.InDelta(t, 114.0, pos.Longitude, 1e-6)
	require.Equal(t, 60.0, pos.Speed)
	require.Equal(t, 90.0, pos.Course)
	require.Equal(t, 8, pos.Satellites)
	require.True(t, pos.ValidFix)
	require.NotNil(t, pos.Ignition)
	require.True(t, *pos.Ignition)
}

func TestProtocol_GT06_Position_LatitudeSignBitNegates(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	word := uint16(180) | gt06BitValidFix | gt06BitLatSouth | gt06BitLonWest
	frame := gt06TestFrame(gt06ProtoPosition, gt06PositionBody(33.75, 70.5, word, 10))

	res, _ := d.Decode(frame, ClientInfo{}, "354188046456612")
	require.Len(t, res.Positions, 1)
	require.InDelta(t, -33.75, res.Positions[0].Latitude, 1e-6)
	require.InDelta(t, -70.5, res.Positions[0].Longitude, 1e-6)
}

func TestProtocol_GT06_Position_WithoutBoundIMEIDropped(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	word := uint16(90) | gt06BitValidFix
	frame := gt06TestFrame(gt06ProtoPosition, gt06PositionBody(22.5, 114.0, word, 60))

	res, consumed := d.Decode(frame, ClientInfo{}, "")
	require.Equal(t, len(frame), consumed)
	require.Empty(t, res.Positions)
}

func TestProtocol_GT06_Heartbeat_EchoesSerial(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	frame := gt06TestFrame(gt06ProtoHeartbeat, []byte{0x00, 0x07})

	res, consumed := d.Decode(frame, ClientInfo{}, "354188046456612")
	require.Equal(t, len(frame), consumed)
	require.Equal(t, EventHeartbeat, res.Event)
	require.Equal(t, []byte{0x78, 0x78, 0x05, 0x13, 0x00, 0x07}, res.Response[:6])
}

func TestProtocol_GT06_SplitAtEveryByteBoundary(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	word := uint16(90) | gt06BitValidFix
	frame := gt06TestFrame(gt06ProtoPosition, gt06PositionBody(22.5, 114.0, word, 60))

	for split := 1; split < len(frame); split++ {
		res, consumed := d.Decode(frame[:split], ClientInfo{}, "354188046456612")
		require.Zero(t, consumed, "split at %d must not consume a partial frame", split)
		require.Empty(t, res.Positions)

		_, consumed = d.Decode(frame, ClientInfo{}, "354188046456612")
		require.Equal(t, len(frame), consumed, "split at %d", split)
	}
}

func TestProtocol_GT06_BadCRCConsumedAndDropped(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	frame := gt06LoginFrame()
	frame[len(frame)-3] ^= 0xFF

	res, consumed := d.Decode(frame, ClientInfo{}, "")
	require.Equal(t, len(frame), consumed)
	require.Empty(t, res.IMEI)
	require.Empty(t, res.Response)
}

func TestProtocol_GT06_GarbageResyncsOneByte(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	_, consumed := d.Decode([]byte{0xFF, 0x78, 0x78, 0x05, 0x13}, ClientInfo{}, "")
	require.Equal(t, 1, consumed)
}

func TestProtocol_GT06_EncodeCommand_Reset(t *testing.T) {
	t.Parallel()

	d := NewGT06Decoder()
	frame, err := d.EncodeCommand("reset", nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x78, 0x78}, frame[:2])
	require.Equal(t, byte(gt06ProtoCommand), frame[3])
	require.Equal(t, []byte{0x0D, 0x0A}, frame[len(frame)-2:])

	_, err = d.EncodeCommand("selfdestruct", nil)
	require.Error(t, err)
}
