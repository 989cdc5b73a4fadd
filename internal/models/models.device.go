// FilePath: internal/models/models.device.go
package models

import "time"

// Device represents a provisioned camera/sensor unit. Identity is the
// 12-hex-char MAC (HardwareID); the server-side ID is minted on first
// registration.
type Device struct {
	ID         string     `json:"device_id" db:"device_id"`
	HardwareID string     `json:"device_hw_id" db:"device_hw_id"`
	CompanyID  *string    `json:"company_id" db:"company_id"`
	Model      string     `json:"model" db:"model"`
	LastIP     *string    `json:"last_ip" db:"last_ip"`
	NextWakeAt *time.Time `json:"next_wake_at" db:"next_wake_at"`
	LastSeenAt time.Time  `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// DeviceConfig holds the per-device scheduling configuration. Read-only to
// the ingest pipeline.
type DeviceConfig struct {
	DeviceID             string `json:"device_id" db:"device_id"`
	TestMode             bool   `json:"test_mode" db:"test_mode"`
	TestIntervalMinutes  int    `json:"test_interval_minutes" db:"test_interval_minutes"`
	CaptureIntervalHours int    `json:"capture_interval_hours" db:"capture_interval_hours"`
	WakeupWindowSec      int    `json:"wakeup_window_sec" db:"wakeup_window_sec"`
}

// CaptureInterval returns the effective wake interval for the device.
func (c *DeviceConfig) CaptureInterval() time.Duration {
	if c.TestMode {
		return time.Duration(c.TestIntervalMinutes) * time.Minute
	}
	return time.Duration(c.CaptureIntervalHours) * time.Hour
}

// DeviceStatus is an append-only record of a device status message.
type DeviceStatus struct {
	ID           string    `json:"id" db:"id"`
	DeviceID     string    `json:"device_id" db:"device_id"`
	Status       string    `json:"status" db:"status"`
	PendingCount *int      `json:"pending_count" db:"pending_count"`
	BatteryMV    *int      `json:"battery_mv" db:"battery_mv"`
	WifiRSSI     *int      `json:"wifi_rssi" db:"wifi_rssi"`
	UptimeMS     *int64    `json:"uptime_ms" db:"uptime_ms"`
	BootCount    *int      `json:"boot_count" db:"boot_count"`
	Raw          JSONMap   `json:"raw" db:"raw"`
	ReceivedAt   time.Time `json:"received_at" db:"received_at"`
}

// AuditEntry is an append-only record of a message seen on or published to
// the bus. Debugging only; never on a hot path's critical semantics.
type AuditEntry struct {
	ID         string    `json:"id" db:"id"`
	DeviceID   *string   `json:"device_id" db:"device_id"`
	Topic      string    `json:"topic" db:"topic"`
	Direction  string    `json:"direction" db:"direction"` // "in" or "out"
	Payload    JSONMap   `json:"payload" db:"payload"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// ErrorRecord is a persisted ingest error.
type ErrorRecord struct {
	ID         string    `json:"id" db:"id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	CaptureID  *string   `json:"capture_id" db:"capture_id"`
	ErrorCode  string    `json:"error_code" db:"error_code"`
	Severity   string    `json:"severity" db:"severity"`
	Message    string    `json:"message" db:"message"`
	Details    JSONMap   `json:"details" db:"details"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}
