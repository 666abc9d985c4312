package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// TeltonikaDecoder handles the Teltonika FMB/FMC/FMM families: Codec 8 and
// Codec 8E uplink frames, Codec 12 text commands downlink, and Codec 12
// responses uplink. Both TCP and UDP carry the same framing.
type TeltonikaDecoder struct{}

// NewTeltonikaDecoder returns the decoder for port 5027.
func NewTeltonikaDecoder() *TeltonikaDecoder { return &TeltonikaDecoder{} }

func (d *TeltonikaDecoder) Name() string            { return "teltonika" }
func (d *TeltonikaDecoder) Port() int               { return 5027 }
func (d *TeltonikaDecoder) Transports() []Transport { return []Transport{TransportTCP, TransportUDP} }

const (
	teltonikaCodec8   = 0x08
	teltonikaCodec8E  = 0x8E
	teltonikaCodec12  = 0x0C
	teltonikaCmdText  = 0x05
	teltonikaRespText = 0x06
)

// teltonikaIOMap names the standard AVL IO element IDs.
var teltonikaIOMap = map[uint16]string{
	// Digital / analog inputs
	1: "din1", 2: "din2", 3: "din3", 4: "din4",
	9: "adc1", 10: "adc2",
	// Identification
	11: "iccid1", 14: "iccid2",
	// Fuel / engine
	12: "fuel_used", 13: "fuel_consumption", 30: "fault_count",
	31: "engine_load", 32: "coolant_temp", 36: "rpm",
	89: "fuel_level_percent", 115: "engine_temp",
	// Motion / position
	16: "odometer", 17: "axis_x", 18: "axis_y", 19: "axis_z",
	24: "speed", 199: "trip_odometer",
	// GSM / network
	21: "gsm_signal", 205: "cell_id", 206: "lac",
	236: "active_gsm_operator", 241: "gsm_operator", 244: "roaming",
	636: "cell_id_4g",
	// Power / battery
	66: "external_voltage", 67: "battery_voltage", 68: "battery_current",
	113: "battery_level_percent",
	// GNSS quality
	69: "gnss_status", 181: "pdop", 182: "hdop",
	// 1-Wire temperatures
	72: "temp1", 73: "temp2", 74: "temp3", 75: "temp4",
	// OBD-II
	81: "obd_speed", 82: "throttle", 83: "fuel_used_obd",
	84: "fuel_level_obd", 85: "rpm_obd", 87: "odometer_obd",
	// Device state
	70: "pcb_temp", 80: "data_mode", 200: "sleep_mode",
	// Digital outputs
	179: "dout1", 180: "dout2",
	// Events / flags
	239: "ignition", 240: "movement", 246: "towing",
	247: "crash_detection", 248: "immobilizer", 249: "jamming",
	250: "trip_event",
	// BLE sensors
	25: "ble_temp1", 26: "ble_temp2", 27: "ble_temp3", 28: "ble_temp4",
	29: "ble_humidity1", 86: "ble_fuel_level", 90: "ble_luminosity",
	94: "ble_battery1", 95: "ble_battery2", 96: "ble_battery3",
	97: "ble_battery4", 105: "ble_humidity1_alt", 106: "ble_humidity2_alt",
	107: "ble_humidity3_alt", 108: "ble_humidity4_alt",
	110: "ble_battery_level", 121: "ble_sensor_temp1",
	// CAN
	662: "door",
}

// teltonikaIOMultipliers converts raw IO integers to engineering units.
var teltonikaIOMultipliers = map[uint16]float64{
	// Voltages (mV to V)
	9: 0.001, 10: 0.001, 66: 0.001, 67: 0.001, 68: 0.001,
	// Temperatures (0.1 degC steps)
	70: 0.1, 72: 0.1, 73: 0.1, 74: 0.1, 75: 0.1,
	83: 0.1, 84: 0.1, 110: 0.1, 115: 0.1, 121: 0.1,
	// DOP
	181: 0.1, 182: 0.1,
	// Fuel consumption (0.01 L/100km)
	13: 0.01,
	// BLE humidity (0.01 %)
	29: 0.01,
}

// Decode handles one frame from the front of buf. Data frames (the 4-zero
// preamble) are recognized before login so a device that re-sends data on a
// bound connection is never misread as a login.
func (d *TeltonikaDecoder) Decode(buf []byte, _ ClientInfo, knownIMEI string) (Result, int) {
	if len(buf) >= 8 && binary.BigEndian.Uint32(buf[0:4]) == 0 {
		return d.decodeDataFrame(buf, knownIMEI)
	}
	if len(buf) >= 2 {
		return d.decodeLogin(buf)
	}
	return Result{}, 0
}

func (d *TeltonikaDecoder) decodeLogin(buf []byte) (Result, int) {
	imeiLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if imeiLen == 0 {
		// Could be the zero preamble of a data frame still arriving.
		return Result{}, 0
	}
	if imeiLen > 16 {
		// Not a plausible login header; skip a byte to resync.
		return Result{}, 1
	}
	if len(buf) < 2+imeiLen {
		return Result{}, 0
	}
	imei := string(buf[2 : 2+imeiLen])
	if !validIMEI(imei) {
		return Result{Response: []byte{0x00}}, 2 + imeiLen
	}
	return Result{
		Event:    EventLogin,
		IMEI:     imei,
		Response: []byte{0x01},
	}, 2 + imeiLen
}

func (d *TeltonikaDecoder) decodeDataFrame(buf []byte, knownIMEI string) (Result, int) {
	dataLen := int(binary.BigEndian.Uint32(buf[4:8]))
	total := 8 + dataLen + 4
	if dataLen <= 0 || dataLen > MaxUnframedBuffer {
		return Result{}, 1
	}
	if len(buf) < total {
		return Result{}, 0
	}

	payload := buf[8 : 8+dataLen]
	wantCRC := binary.BigEndian.Uint32(buf[8+dataLen : total])
	if uint32(crc16IBM(payload)) != wantCRC {
		// Fully framed but corrupt: consume and drop.
		return Result{}, total
	}
	if len(payload) < 2 {
		return Result{}, total
	}

	codec := payload[0]
	switch codec {
	case teltonikaCodec8, teltonikaCodec8E:
		recordCount := payload[1]
		positions := d.decodeRecords(payload[2:], knownIMEI, codec == teltonikaCodec8E)
		ack := make([]byte, 4)
		binary.BigEndian.PutUint32(ack, uint32(recordCount))
		return Result{Positions: positions, Response: ack}, total
	case teltonikaCodec12:
		if text, ok := decodeCodec12Response(payload); ok {
			return Result{Event: EventCommandResponse, CommandResponse: text}, total
		}
		return Result{}, total
	default:
		return Result{}, total
	}
}

// decodeRecords walks the AVL records after the codec and count bytes.
// Records with lat=0 and lon=0 are consumed but produce no position. With no
// bound IMEI the records cannot be attributed, so none are returned (the
// frame is still ACKed).
func (d *TeltonikaDecoder) decodeRecords(data []byte, knownIMEI string, extended bool) []model.NormalizedPosition {
	if knownIMEI == "" {
		return nil
	}
	var positions []model.NormalizedPosition
	offset := 0
	for offset < len(data) {
		pos, consumed := d.decodeRecord(data[offset:], knownIMEI, extended)
		if consumed == 0 {
			break
		}
		offset += consumed
		if pos != nil {
			positions = append(positions, *pos)
		}
	}
	return positions
}

func (d *TeltonikaDecoder) decodeRecord(data []byte, imei string, extended bool) (*model.NormalizedPosition, int) {
	// Timestamp(8) + priority(1) + GPS element(15) + IO header(2 or 4).
	ioHeader := 2
	if extended {
		ioHeader = 4
	}
	if len(data) < 24+ioHeader {
		return nil, 0
	}

	deviceTime := time.UnixMilli(int64(binary.BigEndian.Uint64(data[0:8]))).UTC()
	priority := data[8]

	lon := float64(int32(binary.BigEndian.Uint32(data[9:13]))) / 1e7
	lat := float64(int32(binary.BigEndian.Uint32(data[13:17]))) / 1e7
	alt := float64(int16(binary.BigEndian.Uint16(data[17:19])))
	course := float64(binary.BigEndian.Uint16(data[19:21]))
	sats := int(data[21])
	speed := float64(binary.BigEndian.Uint16(data[22:24]))

	offset := 24 + ioHeader // event IO ID and total count are not used

	var ignition *bool
	sensors := make(map[string]any)

	readCount := func() (int, bool) {
		if extended {
			if offset+2 > len(data) {
				return 0, false
			}
			v := int(binary.BigEndian.Uint16(data[offset:]))
			offset += 2
			return v, true
		}
		if offset+1 > len(data) {
			return 0, false
		}
		v := int(data[offset])
		offset++
		return v, true
	}
	readID := func() uint16 {
		if extended {
			v := binary.BigEndian.Uint16(data[offset:])
			offset += 2
			return v
		}
		v := uint16(data[offset])
		offset++
		return v
	}

	idWidth := 1
	if extended {
		idWidth = 2
	}
	for _, width := range []int{1, 2, 4, 8} {
		count, ok := readCount()
		if !ok {
			return nil, 0
		}
		for i := 0; i < count; i++ {
			if offset+idWidth+width > len(data) {
				return nil, 0
			}
			ioID := readID()
			var raw uint64
			switch width {
			case 1:
				raw = uint64(data[offset])
			case 2:
				raw = uint64(binary.BigEndian.Uint16(data[offset:]))
			case 4:
				raw = uint64(binary.BigEndian.Uint32(data[offset:]))
			case 8:
				raw = binary.BigEndian.Uint64(data[offset:])
			}
			offset += width

			if ioID == 239 {
				v := raw != 0
				ignition = &v
			}
			key := teltonikaIOMap[ioID]
			if key == "" {
				key = fmt.Sprintf("io_%d", ioID)
			}
			if mult, ok := teltonikaIOMultipliers[ioID]; ok {
				sensors[key] = math.Round(float64(raw)*mult*1000) / 1000
			} else {
				sensors[key] = raw
			}
		}
	}

	if lat == 0 && lon == 0 {
		return nil, offset
	}

	codecName := "8"
	if extended {
		codecName = "8E"
	}
	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		Speed:      speed,
		Course:     course,
		Satellites: sats,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   true,
		RawData:    map[string]any{"priority": priority, "codec": codecName},
	}, offset
}

// decodeCodec12Response extracts the text of a Codec 12 command reply
// (type 0x06). payload starts at the codec byte.
func decodeCodec12Response(payload []byte) (string, bool) {
	// codec(1) qty(1) type(1) len(4) text qty(1)
	if len(payload) < 8 || payload[0] != teltonikaCodec12 || payload[2] != teltonikaRespText {
		return "", false
	}
	textLen := int(binary.BigEndian.Uint32(payload[3:7]))
	if len(payload) < 7+textLen+1 {
		return "", false
	}
	return string(payload[7 : 7+textLen]), true
}

var teltonikaCommands = map[string]CommandInfo{
	"cpureset":   {Name: "cpureset", Description: "Reset the device CPU"},
	"getver":     {Name: "getver", Description: "Get firmware version"},
	"getgps":     {Name: "getgps", Description: "Get current GPS position"},
	"readio":     {Name: "readio", Description: "Read I/O status"},
	"getrecord":  {Name: "getrecord", Description: "Get last record"},
	"ggps":       {Name: "ggps", Description: "Get GPS coordinates"},
	"getinfo":    {Name: "getinfo", Description: "Get device information"},
	"setparam":   {Name: "setparam", Description: "Set a device parameter", Params: []string{"param"}},
	"getparam":   {Name: "getparam", Description: "Get parameter value", Params: []string{"param"}},
	"flush":      {Name: "flush", Description: "Flush stored records"},
	"readstatus": {Name: "readstatus", Description: "Read device status"},
	"getimei":    {Name: "getimei", Description: "Get IMEI number"},
	"custom":     {Name: "custom", Description: "Send custom command (text or hex)", Params: []string{"payload"}},
}

// EncodeCommand wraps a text command in a Codec 12 frame. The "custom" type
// sends params["payload"] verbatim, as raw bytes when it is a hex string.
func (d *TeltonikaDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	if commandType == "custom" {
		payload := strings.TrimSpace(params["payload"])
		if payload == "" {
			return nil, fmt.Errorf("teltonika: custom command requires a payload")
		}
		if raw, err := hex.DecodeString(payload); err == nil && len(payload)%2 == 0 {
			return raw, nil
		}
		return encodeCodec12(payload), nil
	}

	if _, ok := teltonikaCommands[strings.ToLower(commandType)]; !ok {
		return nil, fmt.Errorf("teltonika: unsupported command %q", commandType)
	}
	text := strings.ToLower(commandType)
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			text += " " + params[k]
		}
	}
	return encodeCodec12(text), nil
}

// encodeCodec12 builds the downlink frame: 4 zero bytes, 4-byte data-field
// length, then codec 0x0C, quantity 1, type 0x05, 4-byte command length,
// command text, trailing quantity, and the CRC-16/IBM of the data field.
func encodeCodec12(text string) []byte {
	cmd := []byte(text)

	data := make([]byte, 0, 7+len(cmd)+1)
	data = append(data, teltonikaCodec12, 0x01, teltonikaCmdText)
	data = binary.BigEndian.AppendUint32(data, uint32(len(cmd)))
	data = append(data, cmd...)
	data = append(data, 0x01)

	frame := make([]byte, 0, 8+len(data)+4)
	frame = append(frame, 0x00, 0x00, 0x00, 0x00)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(crc16IBM(data)))
	return frame
}

func (d *TeltonikaDecoder) AvailableCommands() []string {
	out := make([]string, 0, len(teltonikaCommands))
	for name := range teltonikaCommands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *TeltonikaDecoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := teltonikaCommands[name]
	return info, ok
}
