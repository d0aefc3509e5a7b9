package report

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyPayload is returned for payloads that are empty after cleaning.
var ErrEmptyPayload = fmt.Errorf("empty payload")

// CleanPayload strips non-ASCII bytes and surrounding whitespace. Device
// gateways occasionally prepend framing garbage to otherwise valid JSON.
func CleanPayload(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		if b < 0x80 {
			out = append(out, b)
		}
	}
	return bytes.TrimSpace(out)
}

// IsHexPayload reports whether the payload is an even-length string made up
// entirely of hex digits, which some devices use to armor their payloads.
func IsHexPayload(payload []byte) bool {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return false
	}
	for _, b := range payload {
		switch {
		case b >= '0' && b <= '9':
		case b >= 'a' && b <= 'f':
		case b >= 'A' && b <= 'F':
		default:
			return false
		}
	}
	return true
}

// MaybeHexDecode converts a hex-armored payload to its ASCII form. The
// second return reports whether a conversion happened.
func MaybeHexDecode(payload []byte) ([]byte, bool) {
	if !IsHexPayload(payload) {
		return payload, false
	}
	decoded, err := hex.DecodeString(string(payload))
	if err != nil {
		return payload, false
	}
	return decoded, true
}

// ParseResult carries the reports decoded from one inbound payload.
type ParseResult struct {
	Reports    []DeviceReport
	HexDecoded bool
}

// ParsePayload decodes an inbound payload into one or more device reports.
// Accepted forms: a JSON object, a JSON array of objects, the compact CSV
// form `deviceId,lat,lon[,speed,heading,timestamp]`, or the hex armoring of
// any of those.
func ParsePayload(payload []byte, receivedAt time.Time) (ParseResult, error) {
	payload = CleanPayload(payload)
	if len(payload) == 0 {
		return ParseResult{}, ErrEmptyPayload
	}

	payload, hexDecoded := MaybeHexDecode(payload)
	payload = CleanPayload(payload)
	if len(payload) == 0 {
		return ParseResult{HexDecoded: hexDecoded}, ErrEmptyPayload
	}

	var reports []DeviceReport
	var err error
	switch payload[0] {
	case '{':
		var rep DeviceReport
		if err = json.Unmarshal(payload, &rep); err == nil {
			reports = []DeviceReport{rep}
		}
	case '[':
		err = json.Unmarshal(payload, &reports)
	default:
		var rep DeviceReport
		if rep, err = parseCSV(string(payload)); err == nil {
			reports = []DeviceReport{rep}
		}
	}
	if err != nil {
		return ParseResult{HexDecoded: hexDecoded}, fmt.Errorf("unparseable payload: %w", err)
	}

	for i := range reports {
		reports[i].ReceivedAt = receivedAt
	}
	return ParseResult{Reports: reports, HexDecoded: hexDecoded}, nil
}

// parseCSV decodes the compact form `deviceId,lat,lon[,speed,heading,timestamp]`.
// The timestamp field may itself contain no commas, so a plain split suffices.
func parseCSV(line string) (DeviceReport, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return DeviceReport{}, fmt.Errorf("csv payload has %d fields, want at least 3", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	rep := DeviceReport{DeviceID: fields[0]}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return DeviceReport{}, fmt.Errorf("csv latitude %q: %w", fields[1], err)
	}
	lon, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return DeviceReport{}, fmt.Errorf("csv longitude %q: %w", fields[2], err)
	}
	rep.Latitude = &lat
	rep.Longitude = &lon

	if len(fields) > 3 && fields[3] != "" {
		speed, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return DeviceReport{}, fmt.Errorf("csv speed %q: %w", fields[3], err)
		}
		rep.Speed = &speed
	}
	if len(fields) > 4 && fields[4] != "" {
		course, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return DeviceReport{}, fmt.Errorf("csv heading %q: %w", fields[4], err)
		}
		rep.Course = &course
	}
	if len(fields) > 5 {
		rep.Timestamp = fields[5]
	}
	return rep, nil
}

// CSV serializes the report back to its compact CSV form.
func (r *DeviceReport) CSV() string {
	var b strings.Builder
	b.WriteString(r.DeviceID)
	b.WriteByte(',')
	if r.Latitude != nil {
		b.WriteString(strconv.FormatFloat(*r.Latitude, 'f', -1, 64))
	}
	b.WriteByte(',')
	if r.Longitude != nil {
		b.WriteString(strconv.FormatFloat(*r.Longitude, 'f', -1, 64))
	}
	if r.Speed != nil || r.Course != nil || r.Timestamp != "" {
		b.WriteByte(',')
		if r.Speed != nil {
			b.WriteString(strconv.FormatFloat(*r.Speed, 'f', -1, 64))
		}
		b.WriteByte(',')
		if r.Course != nil {
			b.WriteString(strconv.FormatFloat(*r.Course, 'f', -1, 64))
		}
		b.WriteByte(',')
		b.WriteString(r.Timestamp)
	}
	return b.String()
}

// UnmarshalJSON accepts numeric fields as either JSON numbers or numeric
// strings; firmwares mix both freely. Heading is accepted under both
// `heading` and `course`.
func (r *DeviceReport) UnmarshalJSON(data []byte) error {
	var raw struct {
		DeviceID       string          `json:"deviceId"`
		IMEI           string          `json:"imei"`
		Latitude       json.RawMessage `json:"latitude"`
		Longitude      json.RawMessage `json:"longitude"`
		Speed          json.RawMessage `json:"speed"`
		Heading        json.RawMessage `json:"heading"`
		Course         json.RawMessage `json:"course"`
		Timestamp      string          `json:"timestamp"`
		Ignition       string          `json:"ignition"`
		Status         string          `json:"status"`
		VehicleStatus  string          `json:"vehicleStatus"`
		GSMStrength    json.RawMessage `json:"gsmStrength"`
		AdditionalData string          `json:"additionalData"`
		TimeIntervals  string          `json:"timeIntervals"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.DeviceID = raw.DeviceID
	r.IMEI = raw.IMEI
	r.Timestamp = raw.Timestamp
	r.IgnitionRaw = raw.Ignition
	r.Status = raw.Status
	r.VehicleStatus = raw.VehicleStatus
	r.AdditionalData = raw.AdditionalData
	r.TimeIntervals = raw.TimeIntervals

	var err error
	if r.Latitude, err = flexFloat(raw.Latitude, "latitude"); err != nil {
		return err
	}
	if r.Longitude, err = flexFloat(raw.Longitude, "longitude"); err != nil {
		return err
	}
	if r.Speed, err = flexFloat(raw.Speed, "speed"); err != nil {
		return err
	}
	heading := raw.Heading
	if heading == nil {
		heading = raw.Course
	}
	if r.Course, err = flexFloat(heading, "heading"); err != nil {
		return err
	}
	gsm, err := flexFloat(raw.GSMStrength, "gsmStrength")
	if err != nil {
		return err
	}
	if gsm != nil {
		v := int(*gsm)
		r.GSMStrength = &v
	}
	return nil
}

func flexFloat(raw json.RawMessage, field string) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	s := string(raw)
	if s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		unquoted = strings.TrimSpace(unquoted)
		if unquoted == "" {
			return nil, nil
		}
		s = unquoted
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}
	return &v, nil
}
