// Package models defines the shared data types that flow between the
// tailer, queue, pipeline and broadcast layers.
package models

import (
	"time"
)

// Priority is the scheduling band of a log entry. Lower values are
// scheduled earlier.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
	PriorityBulk     Priority = 5
)

// Bands enumerates all priority bands in scheduling order.
var Bands = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBulk}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Valid reports whether p names a real band.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBulk
}

// EntryStatus tracks a log entry through the queue.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
	EntryRetrying   EntryStatus = "retrying"
	EntrySkipped    EntryStatus = "skipped"
)

// MaxLineBytes caps the content of a single log entry. Longer lines are
// truncated by the tailer with TruncationMarker appended.
const MaxLineBytes = 10000

// TruncationMarker is appended to entries whose content exceeded MaxLineBytes.
const TruncationMarker = "... [truncated]"

// LogEntry is one line of log content produced by the tailer.
type LogEntry struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	SourceName string      `json:"sourceName"`
	SourcePath string      `json:"sourcePath"`
	Timestamp  time.Time   `json:"timestamp"`
	Priority   Priority    `json:"priority"`
	FileOffset int64       `json:"fileOffset"`
	Status     EntryStatus `json:"status"`
	RetryCount int         `json:"retryCount"`
	LastError  string      `json:"lastError,omitempty"`

	CreatedAt          time.Time `json:"createdAt"`
	ProcessingStarted  time.Time `json:"processingStarted,omitzero"`
	ProcessingFinished time.Time `json:"processingFinished,omitzero"`
}

// SourceType distinguishes single-file sources from directory scopes.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceDirectory SourceType = "directory"
)

// SourceStatus is the operational state of a monitored source.
type SourceStatus string

const (
	SourceActive   SourceStatus = "active"
	SourceInactive SourceStatus = "inactive"
	SourceError    SourceStatus = "error"
	SourcePaused   SourceStatus = "paused"
)

// SourceConfig describes one monitored file or directory.
type SourceConfig struct {
	Name            string       `json:"name"`
	Path            string       `json:"path"`
	Type            SourceType   `json:"type"`
	Enabled         bool         `json:"enabled"`
	Recursive       bool         `json:"recursive,omitempty"`
	FilePattern     string       `json:"filePattern,omitempty"`
	PollingInterval float64      `json:"pollingIntervalSeconds"`
	BatchSize       int          `json:"batchSize"`
	Priority        int          `json:"priority"`
	Status          SourceStatus `json:"status"`
	LastMonitored   time.Time    `json:"lastMonitored,omitzero"`
	FileSize        int64        `json:"fileSize"`
	LastOffset      int64        `json:"lastOffset"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt,omitzero"`
}

// QueueStats is the health snapshot exported by the priority queue.
type QueueStats struct {
	Size             int              `json:"size"`
	Capacity         int              `json:"capacity"`
	ByBand           map[Priority]int `json:"byBand"`
	Dropped          uint64           `json:"dropped"`
	Processed        uint64           `json:"processed"`
	Failed           uint64           `json:"failed"`
	Retried          uint64           `json:"retried"`
	Backpressure     bool             `json:"backpressure"`
	TargetBatchSize  int              `json:"targetBatchSize"`
	AvgBatchDuration time.Duration    `json:"avgBatchDuration"`
}
