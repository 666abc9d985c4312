package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// H02Decoder handles the H02 ASCII protocol spoken by H02/H08/H12 units and
// many OEM clones. Messages are framed `*HQ,<imei>,<type>,...#`; every
// message carries the IMEI so each one (re)binds the connection.
type H02Decoder struct{}

// NewH02Decoder returns the decoder for port 5013.
func NewH02Decoder() *H02Decoder { return &H02Decoder{} }

func (d *H02Decoder) Name() string            { return "h02" }
func (d *H02Decoder) Port() int               { return 5013 }
func (d *H02Decoder) Transports() []Transport { return []Transport{TransportTCP} }

func (d *H02Decoder) Decode(buf []byte, _ ClientInfo, _ string) (Result, int) {
	if len(buf) == 0 {
		return Result{}, 0
	}
	if !bytes.HasPrefix(buf, []byte("*HQ,")) {
		return Result{}, 1
	}
	end := bytes.IndexByte(buf, '#')
	if end < 0 {
		return Result{}, 0
	}
	consumed := end + 1
	// Swallow a trailing CRLF so the next message starts at '*'.
	for consumed < len(buf) && (buf[consumed] == '\r' || buf[consumed] == '\n') {
		consumed++
	}

	parts := strings.Split(string(buf[4:end]), ",")
	if len(parts) < 2 {
		return Result{}, consumed
	}
	imei := strings.TrimSpace(parts[0])
	msgType := strings.ToUpper(strings.TrimSpace(parts[1]))

	switch msgType {
	case "HTBT":
		sensors := map[string]any{}
		if len(parts) > 2 {
			if v, err := strconv.ParseFloat(parts[2], 64); err == nil {
				sensors["battery_voltage"] = v
			}
		}
		return Result{
			Event:    EventHeartbeat,
			IMEI:     imei,
			Sensors:  sensors,
			Response: []byte(fmt.Sprintf("*HQ,%s,R12#\r\n", imei)),
		}, consumed
	case "V1", "V4":
		pos := d.parsePosition(parts, imei)
		if pos == nil {
			return Result{IMEI: imei}, consumed
		}
		return Result{IMEI: imei, Positions: []model.NormalizedPosition{*pos}}, consumed
	case "NBR":
		return Result{Event: EventStatus, IMEI: imei, Sensors: d.parseCellReport(parts)}, consumed
	case "LINK":
		return Result{Event: EventStatus, IMEI: imei, Sensors: d.parseLinkReport(parts)}, consumed
	default:
		return Result{IMEI: imei}, consumed
	}
}

// parsePosition reads the V1/V4 layout: HHMMSS, A/V validity, DDMM.MMMM N/S,
// DDDMM.MMMM E/W, knots, course, DDMMYY, then optional hex flags, IO status,
// battery voltage and GSM signal fields.
func (d *H02Decoder) parsePosition(parts []string, imei string) *model.NormalizedPosition {
	if len(parts) < 11 {
		return nil
	}

	lat, latErr := parseDegMin(strings.TrimSpace(parts[4]), strings.TrimSpace(parts[5]))
	lon, lonErr := parseDegMin(strings.TrimSpace(parts[6]), strings.TrimSpace(parts[7]))
	if latErr != nil || lonErr != nil {
		return nil
	}

	deviceTime, err := parseDateTimeDDMMYY(strings.TrimSpace(parts[10]), strings.TrimSpace(parts[2]))
	if err != nil {
		deviceTime = time.Now().UTC()
	}

	var speed float64
	if v, err := strconv.ParseFloat(strings.TrimSpace(parts[8]), 64); err == nil {
		speed = v * knotsToKmh
	}
	var course float64
	if v, err := strconv.ParseFloat(strings.TrimSpace(parts[9]), 64); err == nil {
		course = v
	}

	sensors := map[string]any{}
	var ignition *bool
	if len(parts) > 11 && strings.TrimSpace(parts[11]) != "" {
		flagsHex := strings.TrimSpace(parts[11])
		if flags, err := strconv.ParseUint(flagsHex, 16, 64); err == nil {
			ign := flags&0x01 != 0
			ignition = &ign
			sensors["charging"] = flags&0x02 != 0
			sensors["alarm_active"] = flags&0x04 != 0
			sensors["gps_signal_ok"] = flags&0x08 != 0
			sensors["flags_raw"] = flagsHex
		}
	}
	if len(parts) > 12 && strings.TrimSpace(parts[12]) != "" {
		if v, err := strconv.ParseUint(strings.TrimSpace(parts[12]), 16, 64); err == nil {
			sensors["io_status"] = v
		}
	}
	if len(parts) > 13 && strings.TrimSpace(parts[13]) != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(parts[13]), 64); err == nil {
			sensors["battery_voltage"] = v
		}
	}
	if len(parts) > 14 && strings.TrimSpace(parts[14]) != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[14])); err == nil {
			sensors["gsm_signal"] = v
		}
	}

	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speed,
		Course:     course,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   strings.EqualFold(strings.TrimSpace(parts[3]), "A"),
	}
}

// parseCellReport keeps the NBR cell list as an opaque sensor value; LBS
// resolution belongs to a collaborator, not the ingest path.
func (d *H02Decoder) parseCellReport(parts []string) map[string]any {
	sensors := map[string]any{"message_type": "NBR"}
	if len(parts) > 3 {
		sensors["mcc"] = strings.TrimSpace(parts[3])
	}
	if len(parts) > 4 {
		sensors["mnc"] = strings.TrimSpace(parts[4])
	}
	if len(parts) > 5 {
		sensors["cell_info"] = strings.Trim(strings.Join(parts[5:], ","), "()")
	}
	return sensors
}

func (d *H02Decoder) parseLinkReport(parts []string) map[string]any {
	sensors := map[string]any{"message_type": "LINK"}
	intField := func(idx int, key string) {
		if len(parts) > idx {
			if v, err := strconv.Atoi(strings.TrimSpace(parts[idx])); err == nil {
				sensors[key] = v
			}
		}
	}
	intField(3, "satellites")
	intField(4, "gsm_signal")
	intField(5, "battery_pct")
	intField(6, "steps")
	intField(7, "rolls")
	return sensors
}

var h02Commands = map[string]CommandInfo{
	"reboot":           {Name: "reboot", Description: "Reboot the device", Params: []string{"imei"}},
	"request_position": {Name: "request_position", Description: "Request an immediate position report", Params: []string{"imei"}},
	"set_interval":     {Name: "set_interval", Description: "Set reporting interval in seconds", Params: []string{"imei", "interval"}},
	"set_apn":          {Name: "set_apn", Description: "Set the GPRS APN", Params: []string{"imei", "apn"}},
}

func (d *H02Decoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	imei := params["imei"]
	if imei == "" {
		return nil, fmt.Errorf("h02: commands require the device imei")
	}
	switch commandType {
	case "reboot":
		return []byte(fmt.Sprintf("*HQ,%s,D1#\r\n", imei)), nil
	case "request_position":
		return []byte(fmt.Sprintf("*HQ,%s,R0#\r\n", imei)), nil
	case "set_interval":
		interval := 30
		if v, err := strconv.Atoi(params["interval"]); err == nil {
			interval = v
		}
		return []byte(fmt.Sprintf("*HQ,%s,S20,%04d#\r\n", imei, interval)), nil
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		return []byte(fmt.Sprintf("*HQ,%s,S1,%s#\r\n", imei, apn)), nil
	default:
		return nil, fmt.Errorf("h02: unsupported command %q", commandType)
	}
}

func (d *H02Decoder) AvailableCommands() []string {
	return []string{"reboot", "request_position", "set_apn", "set_interval"}
}

func (d *H02Decoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := h02Commands[name]
	return info, ok
}
