package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// OsmAndDecoder handles the OsmAnd mobile app protocol: one HTTP GET per
// report, parameters in the query string or (Home Assistant style) in a
// URL-encoded body sized by Content-Length. Every request is answered with
// an empty 200.
type OsmAndDecoder struct{}

// NewOsmAndDecoder returns the decoder for port 5055.
func NewOsmAndDecoder() *OsmAndDecoder { return &OsmAndDecoder{} }

func (d *OsmAndDecoder) Name() string            { return "osmand" }
func (d *OsmAndDecoder) Port() int               { return 5055 }
func (d *OsmAndDecoder) Transports() []Transport { return []Transport{TransportTCP} }

var osmandHTTP200 = []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

func (d *OsmAndDecoder) Decode(buf []byte, _ ClientInfo, knownIMEI string) (Result, int) {
	if len(buf) == 0 {
		return Result{}, 0
	}
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return Result{}, 0
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:headerEnd+4])))
	if err != nil {
		return Result{}, headerEnd + 4
	}

	contentLength := 0
	if cl := req.Header.Get("Content-Length"); cl != "" {
		if v, err := strconv.Atoi(cl); err == nil && v > 0 {
			contentLength = v
		}
	}
	total := headerEnd + 4 + contentLength
	if len(buf) < total {
		return Result{}, 0
	}
	consumed := total

	params := flattenQuery(req.URL.Query())
	if len(params) == 0 && contentLength > 0 {
		body := strings.TrimSpace(string(buf[headerEnd+4 : total]))
		if values, err := url.ParseQuery(body); err == nil {
			params = flattenQuery(values)
		}
	}
	if len(params) == 0 {
		return Result{Response: osmandHTTP200}, consumed
	}

	deviceID := knownIMEI
	if deviceID == "" {
		deviceID = params["id"]
	}
	if deviceID == "" {
		deviceID = params["deviceid"]
	}
	if deviceID == "" {
		return Result{Response: osmandHTTP200}, consumed
	}

	res := Result{IMEI: deviceID, Response: osmandHTTP200}
	if pos := d.parseParams(params, deviceID); pos != nil {
		res.Positions = []model.NormalizedPosition{*pos}
	}
	return res, consumed
}

func flattenQuery(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (d *OsmAndDecoder) parseParams(params map[string]string, deviceID string) *model.NormalizedPosition {
	latStr := params["lat"]
	if latStr == "" {
		latStr = params["latitude"]
	}
	lonStr := params["lon"]
	if lonStr == "" {
		lonStr = params["longitude"]
	}
	if latStr == "" || lonStr == "" {
		return nil
	}
	lat, latErr := strconv.ParseFloat(latStr, 64)
	lon, lonErr := strconv.ParseFloat(lonStr, 64)
	if latErr != nil || lonErr != nil {
		return nil
	}

	deviceTime := time.Now().UTC()
	if ts := params["timestamp"]; ts != "" {
		if v, err := strconv.ParseFloat(ts, 64); err == nil {
			deviceTime = epochToTime(int64(v))
		}
	}

	floatParam := func(keys ...string) float64 {
		for _, key := range keys {
			if raw := params[key]; raw != "" {
				if v, err := strconv.ParseFloat(raw, 64); err == nil {
					return v
				}
			}
		}
		return 0
	}

	speedMS := floatParam("speed")
	course := floatParam("bearing", "course")
	altitude := floatParam("altitude", "alt")
	satellites := int(floatParam("sat"))

	knownKeys := map[string]bool{
		"id": true, "deviceid": true, "lat": true, "latitude": true,
		"lon": true, "longitude": true, "speed": true, "bearing": true,
		"course": true, "altitude": true, "alt": true, "timestamp": true,
		"sat": true, "hdop": true, "accuracy": true, "batt": true,
		"battery": true,
	}
	sensors := map[string]any{}
	for _, key := range []string{"hdop", "accuracy"} {
		if raw := params[key]; raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				sensors[key] = v
			}
		}
	}
	if batt := floatParam("batt", "battery"); batt != 0 {
		sensors["battery"] = batt
	}
	for k, v := range params {
		if !knownKeys[k] {
			sensors[k] = v
		}
	}

	var hdop float64
	if v, ok := sensors["hdop"].(float64); ok {
		hdop = v
	}

	return &model.NormalizedPosition{
		IMEI:       deviceID,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   altitude,
		Speed:      speedMS * mpsToKmh,
		Course:     course,
		Satellites: satellites,
		HDOP:       hdop,
		Sensors:    sensors,
		ValidFix:   true,
	}
}

// EncodeCommand always fails: OsmAnd clients poll over HTTP and take no
// downlink.
func (d *OsmAndDecoder) EncodeCommand(commandType string, _ map[string]string) ([]byte, error) {
	return nil, fmt.Errorf("osmand: protocol does not support commands")
}

func (d *OsmAndDecoder) AvailableCommands() []string { return nil }

func (d *OsmAndDecoder) CommandInfo(string) (CommandInfo, bool) {
	return CommandInfo{}, false
}
