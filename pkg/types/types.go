// Package types defines the data model shared across the controller:
// builds, workers, logs, and telemetry samples.
package types

import "time"

// Platform identifies the target mobile platform of a build.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// BuildStatus is a node in the build lifecycle DAG (see pkg/lifecycle).
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusAssigned  BuildStatus = "assigned"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether status has no outgoing transitions.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// Build is one submission's entire lifecycle, not a single compile attempt.
type Build struct {
	ID       string
	Platform Platform
	Status   BuildStatus

	SourcePath string
	CertsPath  string
	ResultPath string

	WorkerID string

	BuildToken  string
	WorkerToken string
	VMToken     string

	OTP       string
	OTPUsed   bool
	OTPExpiry time.Time

	SubmittedAt     time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	LastHeartbeatAt time.Time

	ErrorMessage string

	RetryParentID string
}

// WorkerStatus tracks a worker's availability to claim a build.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBuilding WorkerStatus = "building"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// Worker is a registered long-lived agent that claims builds and launches VMs.
type Worker struct {
	ID           string
	Name         string
	PublicID     string
	Capabilities []Platform
	Status       WorkerStatus
	WorkerToken  string

	CompletedCount int
	FailedCount    int

	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// HasCapability reports whether the worker can build the given platform.
func (w *Worker) HasCapability(p Platform) bool {
	for _, c := range w.Capabilities {
		if c == p {
			return true
		}
	}
	return false
}

// LogLevel classifies a BuildLog entry's severity.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BuildLog is one append-only line in a build's log stream.
type BuildLog struct {
	BuildID   string
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

// CpuSnapshot is a bounded point-in-time resource sample for a build's VM.
type CpuSnapshot struct {
	BuildID    string
	Timestamp  time.Time
	CPUPercent float64
	MemoryMB   float64
}

// Clamp bounds CPU/memory fields to the ranges the spec requires
// (cpu-percent in [0,1000], memory-mb in [0,1e6]).
func (c *CpuSnapshot) Clamp() {
	if c.CPUPercent < 0 {
		c.CPUPercent = 0
	} else if c.CPUPercent > 1000 {
		c.CPUPercent = 1000
	}
	if c.MemoryMB < 0 {
		c.MemoryMB = 0
	} else if c.MemoryMB > 1e6 {
		c.MemoryMB = 1e6
	}
}

// TelemetryType enumerates the closed set of telemetry variants a VM may send.
type TelemetryType string

const (
	TelemetryCpuSnapshot  TelemetryType = "cpu_snapshot"
	TelemetryMonitorStart TelemetryType = "monitor_started"
	TelemetryHeartbeat    TelemetryType = "heartbeat"
	TelemetryOther        TelemetryType = "other"
)

// TelemetryEvent is a tagged variant of VM-reported telemetry. Type
// discriminates the shape of Data; handlers switch on it rather than
// treating Data as untyped JSON.
type TelemetryEvent struct {
	BuildID   string
	Type      TelemetryType
	Timestamp time.Time
	Data      map[string]any
}

// RetryLink records that Child is a retry of Parent (the retries table).
type RetryLink struct {
	ParentID string
	ChildID  string
}
