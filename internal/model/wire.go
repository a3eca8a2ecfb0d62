package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawReading is the tolerant wire form accepted from sensors, manual
// submissions, and batch replay. Fields are `any` so multiple encodings
// survive: RFC3339 or unix-ms timestamps, string or number counts. The
// canonical reading is produced by the ingestion pipeline, never here.
type RawReading struct {
	SpaceID         any             `json:"spaceId"`
	Timestamp       any             `json:"timestamp"`
	OccupantCount   any             `json:"occupancyCount"`
	Capacity        any             `json:"capacity"`
	UtilizationRate any             `json:"utilizationRate"` // informational only, never trusted
	SensorMetadata  *SensorMetadata `json:"sensorMetadata"`

	// Broker payloads carry sensor details flat rather than nested.
	Status          string  `json:"status"`
	Accuracy        float64 `json:"accuracy"`
	BatteryLevel    float64 `json:"batteryLevel"`
	FirmwareVersion string  `json:"firmwareVersion"`
}

// Metadata returns the nested sensor metadata if present, otherwise one
// assembled from the flat broker fields keyed by sensorID.
func (rw *RawReading) Metadata(sensorID string) *SensorMetadata {
	if rw.SensorMetadata != nil {
		return rw.SensorMetadata
	}
	if sensorID == "" && rw.Status == "" && rw.FirmwareVersion == "" {
		return nil
	}
	status := ConnConnected
	if rw.Status != "" {
		status = ConnectionStatus(rw.Status)
	}
	return &SensorMetadata{
		SensorID:        sensorID,
		Accuracy:        rw.Accuracy,
		BatteryLevel:    rw.BatteryLevel,
		FirmwareVersion: rw.FirmwareVersion,
		Status:          status,
	}
}

// DecodeRawReading parses one JSON payload into the tolerant wire form.
func DecodeRawReading(payload []byte) (RawReading, error) {
	var rw RawReading
	if err := json.Unmarshal(payload, &rw); err != nil {
		return RawReading{}, fmt.Errorf("invalid reading payload: %w", err)
	}
	return rw, nil
}

// ToString converts a wire value to a trimmed string.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case fmt.Stringer:
		return strings.TrimSpace(t.String()), nil
	case float64:
		return strconv.FormatInt(int64(t), 10), nil
	case json.Number:
		return t.String(), nil
	case nil:
		return "", errors.New("missing")
	default:
		b, _ := json.Marshal(t)
		return string(b), nil
	}
}

// ToInt converts a wire value to an int, rejecting fractional numbers.
func ToInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not integral: %v", t)
		}
		return int(t), nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("not integral: %v", t)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("bad integer %q", t)
		}
		return n, nil
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("cannot parse integer from %T", v)
	}
}

// ToTime converts a wire value to a time. Accepts RFC3339(Nano) strings,
// unix seconds, and unix milliseconds (heuristic: > 1e12 means ms).
func ToTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return unixGuess(n), nil
		}
		return time.Time{}, fmt.Errorf("bad timestamp string: %q", t)
	case float64:
		return unixGuess(int64(t)), nil
	case int64:
		return unixGuess(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp number: %v", t)
		}
		return unixGuess(n), nil
	case time.Time:
		return t, nil
	case nil:
		return time.Time{}, errors.New("missing")
	default:
		return time.Time{}, fmt.Errorf("cannot parse time from %T", v)
	}
}

func unixGuess(n int64) time.Time {
	if n > 1_000_000_000_000 { // likely ms
		return time.Unix(0, n*int64(time.Millisecond))
	}
	return time.Unix(n, 0)
}
