package models

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a run session.
type Status string

const (
	// StatusStarting is the initial state before the adapter has opened.
	StatusStarting Status = "starting"

	// StatusRunning means the adapter is open and accepting input.
	StatusRunning Status = "running"

	// StatusStopped means the session ended gracefully. Terminal.
	StatusStopped Status = "stopped"

	// StatusError means the session ended on a fault. Terminal.
	StatusError Status = "error"
)

// Terminal reports whether the status is absorbing: a session in a terminal
// status emits no further events and never leaves it.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// RunSession is the persistent record of one execution of one adapter.
//
// The record outlives the adapter: terminal sessions keep their row and
// their events so clients can replay history after the process is gone.
type RunSession struct {
	RunID     string `gorm:"primaryKey;size:36;column:run_id" json:"runId"`
	Kind      string `gorm:"not null;size:64;index" json:"kind"`
	Status    string `gorm:"not null;size:16;index" json:"status"`
	CreatedAt int64  `gorm:"not null" json:"createdAt"` // ms since epoch
	UpdatedAt int64  `gorm:"not null" json:"updatedAt"` // ms since epoch

	// Meta is an opaque JSON blob of kind-specific metadata.
	Meta string `gorm:"type:text;not null" json:"-"`

	// Parsed meta (not stored in DB)
	ParsedMeta map[string]any `gorm:"-" json:"meta,omitempty"`
}

// TableName returns the table name for RunSession.
func (RunSession) TableName() string {
	return "sessions"
}

// GetMeta returns the parsed kind-specific metadata.
func (s *RunSession) GetMeta() (map[string]any, error) {
	if s.ParsedMeta != nil {
		return s.ParsedMeta, nil
	}
	if s.Meta == "" {
		return make(map[string]any), nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(s.Meta), &meta); err != nil {
		return nil, err
	}
	s.ParsedMeta = meta
	return meta, nil
}

// SetMeta sets the kind-specific metadata from a map.
func (s *RunSession) SetMeta(meta map[string]any) error {
	if meta == nil {
		meta = make(map[string]any)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	s.Meta = string(data)
	s.ParsedMeta = meta
	return nil
}

// GetStatus returns the status as a typed value.
func (s *RunSession) GetStatus() Status {
	return Status(s.Status)
}

// NowMillis returns the current wall clock in milliseconds since epoch,
// the unit used for all persisted timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
