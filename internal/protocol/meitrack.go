package protocol

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// MeitrackDecoder handles the Meitrack MVT/T series ASCII protocol:
// `$$<header>,<imei>,<event>,<fields>*<xor>\r\n`. The AAA periodic report is
// both login and position; it is answered with `$$B<len>,<imei>,AAA\r\n`.
type MeitrackDecoder struct{}

// NewMeitrackDecoder returns the decoder for port 5020.
func NewMeitrackDecoder() *MeitrackDecoder { return &MeitrackDecoder{} }

func (d *MeitrackDecoder) Name() string            { return "meitrack" }
func (d *MeitrackDecoder) Port() int               { return 5020 }
func (d *MeitrackDecoder) Transports() []Transport { return []Transport{TransportTCP} }

var meitrackMessage = regexp.MustCompile(`^\$\$([A-Z]\d+),([^,]+),([^,]+),(.*?)(?:\*([0-9A-F]{2}))?\r?\n$`)

func (d *MeitrackDecoder) Decode(buf []byte, _ ClientInfo, _ string) (Result, int) {
	if len(buf) == 0 {
		return Result{}, 0
	}
	if buf[0] != '$' || (len(buf) > 1 && buf[1] != '$') {
		return Result{}, 1
	}
	end := bytes.IndexByte(buf, '\n')
	if end < 0 {
		return Result{}, 0
	}
	consumed := end + 1

	message := string(buf[:consumed])
	m := meitrackMessage.FindStringSubmatch(message)
	if m == nil {
		return Result{}, consumed
	}
	imei, eventCode, payload, checksum := m[2], m[3], m[4], m[5]

	if checksum != "" {
		// XOR over everything before the '*'.
		starIdx := strings.LastIndexByte(message, '*')
		want, err := strconv.ParseUint(checksum, 16, 8)
		if err != nil || xorChecksum([]byte(message[:starIdx])) != byte(want) {
			return Result{}, consumed
		}
	}

	switch eventCode {
	case "AAA", "CCC", "DDD":
		res := Result{IMEI: imei}
		if eventCode == "AAA" {
			res.Event = EventLogin
			res.Response = []byte(fmt.Sprintf("$$B%d,%s,AAA\r\n", len(imei)+3, imei))
		}
		if pos := d.parsePosition(imei, eventCode, strings.Split(payload, ",")); pos != nil {
			res.Positions = []model.NormalizedPosition{*pos}
		}
		return res, consumed
	default:
		return Result{IMEI: imei}, consumed
	}
}

// parsePosition reads the fixed AAA field layout: field count, latitude,
// longitude, YYMMDDHHMMSS, A/V validity, satellites, GSM signal, speed km/h,
// course, HDOP, altitude, odometer, runtime, MCC|MNC|LAC|CellID, battery
// voltage, battery percent, digital inputs, digital outputs, analog inputs.
// Digital-input bit 0 is the ignition line.
func (d *MeitrackDecoder) parsePosition(imei, eventCode string, fields []string) *model.NormalizedPosition {
	if len(fields) < 10 {
		return nil
	}

	floatAt := func(idx int) float64 {
		if idx < len(fields) && fields[idx] != "" {
			if v, err := strconv.ParseFloat(fields[idx], 64); err == nil {
				return v
			}
		}
		return 0
	}
	intAt := func(idx int) (int64, bool) {
		if idx < len(fields) && fields[idx] != "" {
			if v, err := strconv.ParseInt(fields[idx], 10, 64); err == nil {
				return v, true
			}
		}
		return 0, false
	}

	lat := floatAt(1)
	lon := floatAt(2)

	deviceTime := time.Now().UTC()
	if ts := fields[3]; len(ts) >= 12 {
		if t, err := time.Parse("060102150405", ts[:12]); err == nil {
			deviceTime = t.UTC()
		}
	}

	sensors := map[string]any{
		"event_code": eventCode,
		"hdop":       floatAt(9),
	}
	if v, ok := intAt(6); ok {
		sensors["gsm_signal"] = v
	}
	if v, ok := intAt(11); ok {
		sensors["odometer"] = v
	}
	if v, ok := intAt(12); ok {
		sensors["runtime"] = v
	}
	if len(fields) > 13 && fields[13] != "" {
		if bs := strings.Split(fields[13], "|"); len(bs) >= 4 {
			sensors["mcc"] = bs[0]
			sensors["mnc"] = bs[1]
			sensors["lac"] = bs[2]
			sensors["cell_id"] = bs[3]
		}
	}
	if len(fields) > 14 && fields[14] != "" {
		if v, err := strconv.ParseFloat(fields[14], 64); err == nil {
			sensors["battery_voltage"] = v
		}
	}
	if v, ok := intAt(15); ok {
		sensors["battery_percent"] = v
	}

	var ignition *bool
	if v, ok := intAt(16); ok {
		sensors["digital_inputs"] = v
		ign := v&0x01 != 0
		ignition = &ign
	}
	if v, ok := intAt(17); ok {
		sensors["digital_outputs"] = v
	}
	if len(fields) > 18 && fields[18] != "" {
		for i, raw := range strings.Split(fields[18], "|") {
			if raw == "" {
				continue
			}
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				sensors[fmt.Sprintf("analog_%d", i+1)] = v
			}
		}
	}

	satellites := 0
	if v, ok := intAt(5); ok {
		satellites = int(v)
	}

	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   floatAt(10),
		Speed:      floatAt(7),
		Course:     floatAt(8),
		Satellites: satellites,
		HDOP:       floatAt(9),
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   len(fields) > 4 && fields[4] == "A",
	}
}

var meitrackCommands = map[string]CommandInfo{
	"request_position": {Name: "request_position", Description: "Request immediate GPS position", Params: []string{"imei"}},
	"reboot":           {Name: "reboot", Description: "Reboot the device", Params: []string{"imei"}},
	"set_interval":     {Name: "set_interval", Description: "Set reporting interval in seconds", Params: []string{"imei", "interval"}},
	"set_server":       {Name: "set_server", Description: "Configure server ip and port", Params: []string{"imei", "ip", "port"}},
	"set_apn":          {Name: "set_apn", Description: "Configure the GPRS APN", Params: []string{"imei", "apn", "username", "password"}},
	"set_timezone":     {Name: "set_timezone", Description: "Set the timezone offset in hours", Params: []string{"imei", "timezone"}},
	"enable_output":    {Name: "enable_output", Description: "Enable an output line", Params: []string{"imei", "output_type"}},
	"disable_output":   {Name: "disable_output", Description: "Disable an output line", Params: []string{"imei", "output_type"}},
	"custom":           {Name: "custom", Description: "Send a raw command string", Params: []string{"payload"}},
}

// EncodeCommand builds `@@A<len>,<body>*<xor>\r\n` downlink frames.
func (d *MeitrackDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	imei := params["imei"]
	if imei == "" && commandType != "custom" {
		return nil, fmt.Errorf("meitrack: commands require the device imei")
	}

	var body string
	switch commandType {
	case "request_position":
		body = fmt.Sprintf("A10,%s", imei)
	case "reboot":
		body = fmt.Sprintf("A11,%s", imei)
	case "set_interval":
		interval := params["interval"]
		if interval == "" {
			interval = "30"
		}
		body = fmt.Sprintf("A12,%s,%s", imei, interval)
	case "set_server":
		port := params["port"]
		if port == "" {
			port = "5020"
		}
		body = fmt.Sprintf("A13,%s,%s,%s", imei, params["ip"], port)
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		body = fmt.Sprintf("A14,%s,%s,%s,%s", imei, apn, params["username"], params["password"])
	case "set_timezone":
		tz := params["timezone"]
		if tz == "" {
			tz = "0"
		}
		body = fmt.Sprintf("A15,%s,%s", imei, tz)
	case "enable_output", "disable_output":
		output := params["output_type"]
		if output == "" {
			output = "ACC"
		}
		flag := "1"
		if commandType == "disable_output" {
			flag = "0"
		}
		body = fmt.Sprintf("A16,%s,%s,%s", imei, output, flag)
	case "custom":
		body = params["payload"]
		if body == "" {
			return nil, fmt.Errorf("meitrack: custom command requires a payload")
		}
	default:
		return nil, fmt.Errorf("meitrack: unsupported command %q", commandType)
	}

	frame := fmt.Sprintf("@@A%02d,%s", len(body), body)
	frame += fmt.Sprintf("*%02X\r\n", xorChecksum([]byte(frame)))
	return []byte(frame), nil
}

func (d *MeitrackDecoder) AvailableCommands() []string {
	return []string{
		"custom", "disable_output", "enable_output", "reboot",
		"request_position", "set_apn", "set_interval", "set_server",
		"set_timezone",
	}
}

func (d *MeitrackDecoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := meitrackCommands[name]
	return info, ok
}
