// Package model holds the canonical occupancy data types shared by every
// component: readings, trend windows, and real-time subscriptions.
package model

import (
	"time"
)

// DataSource identifies where a reading originated.
type DataSource string

const (
	SourceSensor DataSource = "sensor"
	SourceManual DataSource = "manual"
	SourceSystem DataSource = "system"
)

// Valid reports whether s is one of the known sources.
func (s DataSource) Valid() bool {
	switch s {
	case SourceSensor, SourceManual, SourceSystem:
		return true
	}
	return false
}

// ConnectionStatus reflects a sensor's link to the broker at reading time.
type ConnectionStatus string

const (
	ConnConnected    ConnectionStatus = "connected"
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnStale        ConnectionStatus = "stale"
)

// SensorMetadata carries per-device details attached to sensor-sourced
// readings. Optional for manual and system readings.
type SensorMetadata struct {
	SensorID        string           `json:"sensorId"`
	Accuracy        float64          `json:"accuracy,omitempty"`
	FirmwareVersion string           `json:"firmwareVersion,omitempty"`
	BatteryLevel    float64          `json:"batteryLevel,omitempty"`
	Status          ConnectionStatus `json:"status,omitempty"`
}

// OccupancyReading is one observation of a space at a point in time.
// Immutable once validated; superseded in the cache by any newer timestamp
// for the same space.
type OccupancyReading struct {
	SpaceID         string          `json:"spaceId"`
	Timestamp       time.Time       `json:"timestamp"`
	OccupantCount   int             `json:"occupantCount"`
	Capacity        int             `json:"capacity"`
	UtilizationRate float64         `json:"utilizationRate"`
	SensorMetadata  *SensorMetadata `json:"sensorMetadata,omitempty"`
	DataSource      DataSource      `json:"dataSource"`
	IsValidated     bool            `json:"isValidated"`
}

// Utilization computes the clamped utilization percentage for a
// count/capacity pair. Over-capacity collapses to 100: readings above
// capacity are legal and deliberately lossy at this derivation.
func Utilization(occupantCount, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	rate := float64(occupantCount) / float64(capacity) * 100
	if rate < 0 {
		return 0
	}
	if rate > 100 {
		return 100
	}
	return rate
}

// Newer reports whether r supersedes other under last-write-wins for the
// same space.
func (r OccupancyReading) Newer(other OccupancyReading) bool {
	return r.Timestamp.After(other.Timestamp)
}

// BucketInterval is the fixed width used when aggregating readings into
// trend buckets.
type BucketInterval string

const (
	IntervalHourly  BucketInterval = "hourly"
	IntervalDaily   BucketInterval = "daily"
	IntervalWeekly  BucketInterval = "weekly"
	IntervalMonthly BucketInterval = "monthly"
)

// Duration returns the bucket width. Months are approximated at 30 days,
// matching the store's fixed-width binning.
func (b BucketInterval) Duration() time.Duration {
	switch b {
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	case IntervalMonthly:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Valid reports whether b names a supported interval.
func (b BucketInterval) Valid() bool {
	switch b {
	case IntervalHourly, IntervalDaily, IntervalWeekly, IntervalMonthly:
		return true
	}
	return false
}

// TimeRange is a half-open-ish query range; End must be after Start.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TrendBucket is one aggregated slice of a trend window.
type TrendBucket struct {
	BucketStart        time.Time `json:"bucketStart"`
	AverageUtilization float64   `json:"averageUtilization"`
	PeakOccupancy      int       `json:"peakOccupancy"`
	SampleCount        int       `json:"sampleCount"`
}

// DataQuality tiers a trend window by average samples per bucket.
type DataQuality string

const (
	QualityHigh   DataQuality = "high"
	QualityMedium DataQuality = "medium"
	QualityLow    DataQuality = "low"
)

// Anomaly is one detected deviation within a trend window. Detection
// policy is pluggable; the shape is fixed.
type Anomaly struct {
	Timestamp     time.Time `json:"timestamp"`
	ExpectedValue float64   `json:"expectedValue"`
	ActualValue   float64   `json:"actualValue"`
	Deviation     float64   `json:"deviation"`
	Severity      string    `json:"severity"`
}

// TrendWindow is the result of an aggregate query. Derived on demand,
// never persisted by this subsystem.
type TrendWindow struct {
	SpaceID            string         `json:"spaceId"`
	TimeRange          TimeRange      `json:"timeRange"`
	BucketInterval     BucketInterval `json:"bucketInterval"`
	Buckets            []TrendBucket  `json:"buckets"`
	AverageUtilization float64        `json:"averageUtilization"`
	PeakOccupancy      int            `json:"peakOccupancy"`
	SampleCount        int            `json:"sampleCount"`
	DataQuality        DataQuality    `json:"dataQuality"`
	Anomalies          []Anomaly      `json:"anomalies"`
}
