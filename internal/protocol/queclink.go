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

// QueclinkDecoder handles the Queclink GV/GL/GB series @Track ASCII
// protocol: `+RESP:GT...,<fields>$`. Report fields sit at fixed indices;
// GTIGN/GTIGF reports force the ignition flag regardless of the state
// bitmap.
type QueclinkDecoder struct{}

// NewQueclinkDecoder returns the decoder for port 5026.
func NewQueclinkDecoder() *QueclinkDecoder { return &QueclinkDecoder{} }

func (d *QueclinkDecoder) Name() string            { return "queclink" }
func (d *QueclinkDecoder) Port() int               { return 5026 }
func (d *QueclinkDecoder) Transports() []Transport { return []Transport{TransportTCP} }

var queclinkMessage = regexp.MustCompile(`^\+(RESP|ACK|BUFF):(\w+),(.*)\$$`)

// Fixed report field indices.
const (
	qlIdxIMEI      = 1
	qlIdxBitmap    = 3
	qlIdxHDOP      = 7
	qlIdxSpeed     = 8
	qlIdxCourse    = 9
	qlIdxAltitude  = 10
	qlIdxLongitude = 11
	qlIdxLatitude  = 12
	qlIdxTimestamp = 13
	qlIdxMCC       = 14
)

func (d *QueclinkDecoder) Decode(buf []byte, _ ClientInfo, knownIMEI string) (Result, int) {
	if len(buf) == 0 {
		return Result{}, 0
	}
	if buf[0] != '+' {
		return Result{}, 1
	}
	end := bytes.IndexByte(buf, '$')
	if end < 0 {
		return Result{}, 0
	}
	consumed := end + 1
	for consumed < len(buf) && (buf[consumed] == '\r' || buf[consumed] == '\n') {
		consumed++
	}

	m := queclinkMessage.FindStringSubmatch(string(buf[:end+1]))
	if m == nil {
		return Result{}, consumed
	}
	msgType := m[2]
	fields := strings.Split(m[3], ",")

	switch msgType {
	case "GTFRI", "GTGEO", "GTRTL", "GTDOG", "GTIDN",
		"GTSOS", "GTSPD", "GTPNA", "GTPFA", "GTIGN", "GTIGF":
		pos := d.parsePosition(fields, msgType, knownIMEI)
		if pos == nil {
			// Still bind from the IMEI field so commands can be drained.
			if len(fields) > qlIdxIMEI && validIMEI(fields[qlIdxIMEI]) {
				return Result{IMEI: fields[qlIdxIMEI]}, consumed
			}
			return Result{}, consumed
		}
		return Result{IMEI: pos.IMEI, Positions: []model.NormalizedPosition{*pos}}, consumed
	default:
		return Result{}, consumed
	}
}

func (d *QueclinkDecoder) parsePosition(fields []string, msgType, knownIMEI string) *model.NormalizedPosition {
	if len(fields) < 15 {
		return nil
	}
	imei := fields[qlIdxIMEI]
	if imei == "" {
		imei = knownIMEI
	}
	if imei == "" {
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

	lat := floatAt(qlIdxLatitude)
	lon := floatAt(qlIdxLongitude)

	deviceTime := time.Now().UTC()
	if ts := fields[qlIdxTimestamp]; len(ts) >= 14 {
		if t, err := time.Parse("20060102150405", ts[:14]); err == nil {
			deviceTime = t.UTC()
		}
	}

	sensors := map[string]any{"message_type": msgType}
	if fields[0] != "" {
		sensors["protocol_version"] = fields[0]
	}
	if len(fields) > 2 && fields[2] != "" {
		sensors["device_name"] = fields[2]
	}
	for i, key := range []string{"mcc", "mnc", "lac", "cell_id"} {
		if qlIdxMCC+i < len(fields) && fields[qlIdxMCC+i] != "" {
			sensors[key] = fields[qlIdxMCC+i]
		}
	}

	var ignition *bool
	if fields[qlIdxBitmap] != "" {
		if bitmap, err := strconv.ParseUint(fields[qlIdxBitmap], 16, 64); err == nil {
			ign := bitmap&0x01 != 0
			ignition = &ign
			sensors["state_bitmap"] = fields[qlIdxBitmap]
		}
	}
	switch msgType {
	case "GTIGN":
		ign := true
		ignition = &ign
		sensors["event"] = "ignition_on"
	case "GTIGF":
		ign := false
		ignition = &ign
		sensors["event"] = "ignition_off"
	case "GTSOS":
		sensors["alert_type"] = "SOS"
	case "GTSPD":
		sensors["alert_type"] = "speed"
	case "GTPNA":
		sensors["event"] = "power_on"
	case "GTPFA":
		sensors["event"] = "power_off"
	}

	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   floatAt(qlIdxAltitude),
		Speed:      floatAt(qlIdxSpeed),
		Course:     floatAt(qlIdxCourse),
		HDOP:       floatAt(qlIdxHDOP),
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   true, // Queclink only reports with a valid fix
	}
}

var queclinkCommands = map[string]CommandInfo{
	"reboot":           {Name: "reboot", Description: "Reboot the device", Params: []string{"password"}},
	"get_version":      {Name: "get_version", Description: "Get firmware version", Params: []string{"password"}},
	"set_interval":     {Name: "set_interval", Description: "Set reporting interval in seconds", Params: []string{"interval", "password"}},
	"request_position": {Name: "request_position", Description: "Request immediate GPS position", Params: []string{"password"}},
	"set_server":       {Name: "set_server", Description: "Configure server ip and port", Params: []string{"ip", "port", "password"}},
	"set_apn":          {Name: "set_apn", Description: "Configure the GPRS APN", Params: []string{"apn", "password"}},
	"enable_output":    {Name: "enable_output", Description: "Enable a report output", Params: []string{"output_type", "password"}},
	"disable_output":   {Name: "disable_output", Description: "Disable a report output", Params: []string{"output_type", "password"}},
	"custom":           {Name: "custom", Description: "Send a raw AT command", Params: []string{"payload"}},
}

// EncodeCommand builds AT-style downlink commands. The factory password
// defaults to 000000.
func (d *QueclinkDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	password := params["password"]
	if password == "" {
		password = "000000"
	}

	var command string
	switch commandType {
	case "reboot":
		command = fmt.Sprintf("AT+GTRTO=%s,,,,0002$", password)
	case "get_version":
		command = fmt.Sprintf("AT+GTVER=%s,,0003$", password)
	case "set_interval":
		interval := params["interval"]
		if interval == "" {
			interval = "30"
		}
		command = fmt.Sprintf("AT+GTFRI=%s,%s,,,,0004$", password, interval)
	case "request_position":
		command = fmt.Sprintf("AT+GTQSS=%s,,0005$", password)
	case "set_server":
		port := params["port"]
		if port == "" {
			port = "5026"
		}
		command = fmt.Sprintf("AT+GTBSI=%s,%s,%s,0,0,,,0006$", password, params["ip"], port)
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		command = fmt.Sprintf("AT+GTBSI=%s,,,,0,%s,,,0007$", password, apn)
	case "enable_output", "disable_output":
		output := params["output_type"]
		if output == "" {
			output = "GTFRI"
		}
		flag := "1"
		seq := "0008"
		if commandType == "disable_output" {
			flag = "0"
			seq = "0009"
		}
		command = fmt.Sprintf("AT+GTTOW=%s,%s,%s,,%s$", password, output, flag, seq)
	case "custom":
		command = params["payload"]
		if command == "" {
			return nil, fmt.Errorf("queclink: custom command requires a payload")
		}
		if !strings.HasPrefix(command, "AT+") {
			command = "AT+" + command
		}
		if !strings.HasSuffix(command, "$") {
			command += "$"
		}
	default:
		return nil, fmt.Errorf("queclink: unsupported command %q", commandType)
	}
	return []byte(command), nil
}

func (d *QueclinkDecoder) AvailableCommands() []string {
	return []string{
		"custom", "disable_output", "enable_output", "get_version",
		"reboot", "request_position", "set_apn", "set_interval",
		"set_server",
	}
}

func (d *QueclinkDecoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := queclinkCommands[name]
	return info, ok
}
