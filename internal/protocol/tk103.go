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

// TK103Decoder handles the Coban TK103 / Xexun ASCII protocol and its many
// clones. Messages are parenthesized: `(<imei><cmd><len><payload>)` with a
// 12-15 digit IMEI and a two-letter command code.
type TK103Decoder struct{}

// NewTK103Decoder returns the decoder for port 5001.
func NewTK103Decoder() *TK103Decoder { return &TK103Decoder{} }

func (d *TK103Decoder) Name() string            { return "tk103" }
func (d *TK103Decoder) Port() int               { return 5001 }
func (d *TK103Decoder) Transports() []Transport { return []Transport{TransportTCP} }

var tk103Message = regexp.MustCompile(`^\((\d{12,15})(..)(\d{2})(.+)\)$`)

// tk103ReportTypes tags position reports with the condition that produced
// them.
var tk103ReportTypes = map[string]string{
	"BO": "normal",
	"BV": "speed_alert",
	"BZ": "low_battery",
	"BX": "vibration",
	"BN": "SOS",
}

func (d *TK103Decoder) Decode(buf []byte, _ ClientInfo, _ string) (Result, int) {
	if len(buf) == 0 {
		return Result{}, 0
	}
	if buf[0] != '(' {
		return Result{}, 1
	}
	end := bytes.IndexByte(buf, ')')
	if end < 0 {
		return Result{}, 0
	}
	consumed := end + 1
	for consumed < len(buf) && (buf[consumed] == '\r' || buf[consumed] == '\n') {
		consumed++
	}

	m := tk103Message.FindStringSubmatch(string(buf[:end+1]))
	if m == nil {
		return Result{}, consumed
	}
	imei, command, payload := m[1], m[2], m[4]

	switch command {
	case "BR":
		return Result{
			Event:    EventLogin,
			IMEI:     imei,
			Response: []byte(fmt.Sprintf("(%sAP01HSO)", imei)),
		}, consumed
	case "BP":
		return Result{
			Event:    EventHeartbeat,
			IMEI:     imei,
			Response: []byte(fmt.Sprintf("(%sAP05)", imei)),
		}, consumed
	case "BO", "BV", "BZ", "BX", "BN":
		pos := d.parsePosition(imei, payload, command)
		if pos == nil {
			return Result{IMEI: imei}, consumed
		}
		return Result{IMEI: imei, Positions: []model.NormalizedPosition{*pos}}, consumed
	default:
		return Result{IMEI: imei}, consumed
	}
}

// parsePosition reads the fixed-width report payload:
// DDMMYY, A/V, DDMM.MMMM N/S, DDDMM.MMMM E/W, SSS.S knots, HHMMSS, A/V,
// CCCC course, then device-specific status text (an `L` introduces an
// 8-hex-digit flag word).
func (d *TK103Decoder) parsePosition(imei, payload, command string) *model.NormalizedPosition {
	if len(payload) < 40 {
		return nil
	}

	dateStr := payload[0:6]
	valid := payload[6] == 'A'

	lat, latErr := parseDegMin(payload[7:16], string(payload[16]))
	lon, lonErr := parseDegMin(payload[17:27], string(payload[27]))
	if latErr != nil || lonErr != nil {
		return nil
	}

	speedStr := payload[28:33]
	speedKnots, err := strconv.ParseFloat(speedStr, 64)
	if err != nil {
		return nil
	}

	timeStr := payload[33:39]
	deviceTime, err := parseDateTimeDDMMYY(dateStr, timeStr)
	if err != nil {
		return nil
	}

	if len(payload) > 39 {
		valid = valid && payload[39] == 'A'
	}

	var course float64
	if len(payload) >= 44 {
		if v, err := strconv.ParseFloat(payload[40:44], 64); err == nil {
			course = v
		}
	}

	sensors := map[string]any{}
	if rt, ok := tk103ReportTypes[command]; ok {
		sensors["report_type"] = rt
	}
	if command == "BN" {
		sensors["alert_type"] = "SOS"
	}

	var ignition *bool
	if len(payload) > 44 {
		status := payload[44:]
		if lIdx := strings.IndexByte(status, 'L'); lIdx >= 0 && len(status) >= lIdx+9 {
			if flags, err := strconv.ParseUint(status[lIdx+1:lIdx+9], 16, 64); err == nil {
				sensors["acc_on"] = flags&0x01 != 0
				ign := flags&0x02 != 0
				ignition = &ign
				sensors["defense_on"] = flags&0x04 != 0
			}
		}
	}

	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speedKnots * knotsToKmh,
		Course:     course,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   valid,
	}
}

var tk103Commands = map[string]CommandInfo{
	"check_position": {Name: "check_position", Description: "Request current GPS position", Params: []string{"imei"}},
	"set_interval":   {Name: "set_interval", Description: "Set tracking interval in seconds", Params: []string{"imei", "interval"}},
	"tracker_mode":   {Name: "tracker_mode", Description: "Enable continuous tracking mode", Params: []string{"imei", "password"}},
	"sleep_mode":     {Name: "sleep_mode", Description: "Enable power-saving sleep mode", Params: []string{"imei", "password"}},
	"set_apn":        {Name: "set_apn", Description: "Configure the GPRS APN", Params: []string{"imei", "apn", "password"}},
	"set_server":     {Name: "set_server", Description: "Point the device at a server ip:port", Params: []string{"imei", "ip", "port", "password"}},
	"reboot":         {Name: "reboot", Description: "Reboot the device", Params: []string{"imei", "password"}},
	"speed_alert":    {Name: "speed_alert", Description: "Set the on-device speed alert threshold", Params: []string{"imei", "speed", "password"}},
	"custom":         {Name: "custom", Description: "Send a raw SMS-style command", Params: []string{"imei", "payload"}},
}

// EncodeCommand wraps the SMS-style command text in the GPRS frame
// `(<imei>AT00<command>)`. The factory password defaults to 123456.
func (d *TK103Decoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	password := params["password"]
	if password == "" {
		password = "123456"
	}

	var command string
	switch commandType {
	case "check_position":
		command = fmt.Sprintf("**,imei:%s,A", params["imei"])
	case "set_interval":
		interval := 30
		if v, err := strconv.Atoi(params["interval"]); err == nil {
			interval = v
		}
		command = fmt.Sprintf("**,imei:%s,C,%ds", params["imei"], interval)
	case "tracker_mode":
		command = "tracker" + password
	case "sleep_mode":
		command = "sleep" + password
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		command = fmt.Sprintf("apn%s %s", password, apn)
	case "set_server":
		port := params["port"]
		if port == "" {
			port = "5001"
		}
		command = fmt.Sprintf("adminip%s %s %s", password, params["ip"], port)
	case "reboot":
		command = "reset" + password
	case "speed_alert":
		speed := params["speed"]
		if speed == "" {
			speed = "100"
		}
		command = fmt.Sprintf("speed%s %s", password, speed)
	case "custom":
		command = params["payload"]
		if command == "" {
			return nil, fmt.Errorf("tk103: custom command requires a payload")
		}
	default:
		return nil, fmt.Errorf("tk103: unsupported command %q", commandType)
	}

	if imei := params["imei"]; imei != "" {
		return []byte(fmt.Sprintf("(%sAT00%s)", imei, command)), nil
	}
	return []byte(command), nil
}

func (d *TK103Decoder) AvailableCommands() []string {
	return []string{
		"check_position", "custom", "reboot", "set_apn", "set_interval",
		"set_server", "sleep_mode", "speed_alert", "tracker_mode",
	}
}

func (d *TK103Decoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := tk103Commands[name]
	return info, ok
}
