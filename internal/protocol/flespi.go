package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// FlespiDecoder handles the flespi gateway format: newline-delimited JSON
// objects (or arrays of objects) with dotted telemetry keys such as
// `position.latitude` and `engine.ignition.status`. A message carrying only
// an ident is a login.
type FlespiDecoder struct{}

// NewFlespiDecoder returns the decoder for port 5149.
func NewFlespiDecoder() *FlespiDecoder { return &FlespiDecoder{} }

func (d *FlespiDecoder) Name() string            { return "flespi" }
func (d *FlespiDecoder) Port() int               { return 5149 }
func (d *FlespiDecoder) Transports() []Transport { return []Transport{TransportTCP} }

func (d *FlespiDecoder) Decode(buf []byte, _ ClientInfo, knownIMEI string) (Result, int) {
	if len(buf) == 0 {
		return Result{}, 0
	}
	newline := bytes.IndexByte(buf, '\n')
	if newline < 0 {
		return Result{}, 0
	}
	consumed := newline + 1

	line := bytes.TrimSpace(buf[:newline])
	if len(line) == 0 {
		return Result{}, consumed
	}

	switch line[0] {
	case '{':
		var message map[string]any
		if err := json.Unmarshal(line, &message); err != nil {
			return Result{}, consumed
		}
		ident := flespiIdent(message)
		if ident != "" && knownIMEI == "" && !hasCoordinates(message) {
			return Result{
				Event:    EventLogin,
				IMEI:     ident,
				Response: []byte("{\"status\": \"ok\"}\n"),
			}, consumed
		}
		pos := d.parseMessage(message, knownIMEI)
		if pos == nil {
			return Result{IMEI: ident}, consumed
		}
		return Result{IMEI: pos.IMEI, Positions: []model.NormalizedPosition{*pos}}, consumed
	case '[':
		var batch []map[string]any
		if err := json.Unmarshal(line, &batch); err != nil {
			return Result{}, consumed
		}
		var res Result
		for _, message := range batch {
			if pos := d.parseMessage(message, knownIMEI); pos != nil {
				res.Positions = append(res.Positions, *pos)
				res.IMEI = pos.IMEI
			}
		}
		return res, consumed
	default:
		return Result{}, consumed
	}
}

func flespiIdent(message map[string]any) string {
	for _, key := range []string{"ident", "device.ident"} {
		if v, ok := message[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func hasCoordinates(message map[string]any) bool {
	_, lat := firstNumber(message, "position.latitude", "lat", "latitude")
	_, lon := firstNumber(message, "position.longitude", "lon", "longitude")
	return lat && lon
}

func firstNumber(message map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := message[key]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case json.Number:
				if f, err := n.Float64(); err == nil {
					return f, true
				}
			}
		}
	}
	return 0, false
}

func firstBool(message map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := message[key]; ok {
			switch b := v.(type) {
			case bool:
				return b, true
			case float64:
				return b != 0, true
			}
		}
	}
	return false, false
}

func (d *FlespiDecoder) parseMessage(message map[string]any, knownIMEI string) *model.NormalizedPosition {
	imei := knownIMEI
	if imei == "" {
		imei = flespiIdent(message)
	}
	if imei == "" {
		return nil
	}

	lat, okLat := firstNumber(message, "position.latitude", "lat", "latitude")
	lon, okLon := firstNumber(message, "position.longitude", "lon", "longitude")
	if !okLat || !okLon {
		return nil
	}

	deviceTime := time.Now().UTC()
	if ts, ok := firstNumber(message, "timestamp", "server.timestamp"); ok {
		deviceTime = epochToTime(int64(ts))
	}

	alt, _ := firstNumber(message, "position.altitude", "alt", "altitude")
	speed, _ := firstNumber(message, "position.speed", "speed")
	course, _ := firstNumber(message, "position.direction", "course", "heading")
	sats, _ := firstNumber(message, "position.satellites", "sat", "satellites")
	valid, hasValid := firstBool(message, "position.valid", "valid")
	if !hasValid {
		valid = true
	}

	sensors := map[string]any{}
	var ignition *bool
	if ign, ok := firstBool(message, "engine.ignition.status", "ignition"); ok {
		ignition = &ign
	}
	var hdop float64
	if v, ok := firstNumber(message, "gnss.hdop", "hdop"); ok {
		hdop = v
		sensors["hdop"] = v
	}
	if v, ok := firstNumber(message, "battery.voltage", "battery_voltage"); ok {
		sensors["battery_voltage"] = v
	}
	if v, ok := firstNumber(message, "external.powersource.voltage", "external_voltage"); ok {
		sensors["external_voltage"] = v
	}
	if v, ok := firstNumber(message, "gsm.signal.level", "rssi", "signal"); ok {
		sensors["rssi"] = int(v)
	}
	if v, ok := firstNumber(message, "engine.rpm", "rpm"); ok {
		sensors["rpm"] = int(v)
	}
	if v, ok := firstNumber(message, "fuel.level", "fuel_level"); ok {
		sensors["fuel_level"] = v
	}
	if v, ok := firstNumber(message, "vehicle.mileage", "odometer", "mileage"); ok {
		sensors["odometer"] = v
	}
	// Carry unmapped custom fields through as-is.
	for key, value := range message {
		if key == "ident" || key == "device.ident" ||
			key == "timestamp" || key == "server.timestamp" ||
			strings.HasPrefix(key, "position.") {
			continue
		}
		if _, taken := sensors[key]; !taken {
			sensors[key] = value
		}
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
		Satellites: int(sats),
		HDOP:       hdop,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   valid,
	}
}

var flespiCommands = map[string]CommandInfo{
	"custom":           {Name: "custom", Description: "Send a custom JSON command", Params: []string{"payload"}},
	"reboot":           {Name: "reboot", Description: "Reboot the device"},
	"config":           {Name: "config", Description: "Update device configuration", Params: []string{"payload"}},
	"request_position": {Name: "request_position", Description: "Request an immediate position report"},
	"set_interval":     {Name: "set_interval", Description: "Set reporting interval in seconds", Params: []string{"interval"}},
}

// EncodeCommand emits a newline-delimited JSON command object. A payload
// param that parses as a JSON object is merged into the command; anything
// else rides under a "data" key.
func (d *FlespiDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	if _, ok := flespiCommands[commandType]; !ok {
		return nil, fmt.Errorf("flespi: unsupported command %q", commandType)
	}
	command := map[string]any{
		"command":   commandType,
		"timestamp": time.Now().UTC().Unix(),
	}
	if payload := params["payload"]; payload != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			for k, v := range obj {
				command[k] = v
			}
		} else {
			command["data"] = payload
		}
	}
	if interval := params["interval"]; interval != "" {
		command["interval"] = interval
	}
	out, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("flespi: encode command: %w", err)
	}
	return append(out, '\n'), nil
}

func (d *FlespiDecoder) AvailableCommands() []string {
	return []string{"config", "custom", "reboot", "request_position", "set_interval"}
}

func (d *FlespiDecoder) CommandInfo(name string) (CommandInfo, bool) {
	info, ok := flespiCommands[name]
	return info, ok
}
