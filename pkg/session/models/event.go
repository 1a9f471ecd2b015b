package models

// SessionEvent is one immutable record in a run session's append-only log.
//
// Seq is assigned by the store at insert time and is contiguous per run:
// 1, 2, ... N with no gaps and no reuse. Payload is stored as-is; the
// (Channel, Type) pair tells readers how to decode it.
type SessionEvent struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID   string `gorm:"not null;size:36;column:run_id;uniqueIndex:idx_run_seq;index:idx_run_ts,priority:1" json:"runId"`
	Seq     int64  `gorm:"not null;uniqueIndex:idx_run_seq" json:"seq"`
	Channel string `gorm:"not null;size:64" json:"channel"`
	Type    string `gorm:"not null;size:64" json:"type"`
	Payload []byte `gorm:"not null" json:"payload"`
	Ts      int64  `gorm:"not null;index:idx_run_ts,priority:2" json:"ts"` // ms since epoch
}

// TableName returns the table name for SessionEvent.
func (SessionEvent) TableName() string {
	return "session_events"
}

// Well-known channels. Adapters may define further namespaced channels;
// these are the ones the core itself emits or inspects.
const (
	ChannelSystemStatus = "system:status"
	ChannelPtyStdout    = "pty:stdout"
	ChannelPtyResize    = "pty:resize"
	ChannelAIDelta      = "ai:delta"
	ChannelAIMessage    = "ai:message"
	ChannelAIResult     = "ai:result"
	ChannelAIError      = "ai:error"
	ChannelEditor       = "editor:content"
)

// Event types on the system:status channel.
const (
	TypeOpened         = "opened"
	TypeClosed         = "closed"
	TypeError          = "error"
	TypeSubscriberSlow = "subscriber_slow"
)

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&RunSession{},
		&SessionEvent{},
	}
}
