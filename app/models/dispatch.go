package models

import "time"

const (
	CycleTriggerScheduled = "scheduled"
	CycleTriggerForced    = "forced"
)

const (
	CycleStateIdle       = "idle"
	CycleStateFetching   = "fetching"
	CycleStateRanking    = "ranking"
	CycleStatePublishing = "publishing"
)

// DispatchRecord is written once per confirmed channel publish and never
// updated. The scheduler reads it for dedup checks and statistics.
type DispatchRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	EventID        string    `gorm:"type:varchar(64);not null;index:idx_dispatch_records_event_time,priority:1" json:"event_id"`
	DispatchedAt   time.Time `gorm:"not null;index:idx_dispatch_records_event_time,priority:2;index" json:"dispatched_at"`
	CycleID        string    `gorm:"type:varchar(36);not null;index" json:"cycle_id"`
	Forced         bool      `gorm:"default:false" json:"forced"`
	Confidence     float64   `json:"confidence"`
	Market         string    `gorm:"type:varchar(191)" json:"market"`
	Prediction     string    `gorm:"type:varchar(191)" json:"prediction"`
	SuggestedValue float64   `json:"suggested_value"`
	Championship   string    `gorm:"type:varchar(191)" json:"championship"`
	HomeTeam       string    `gorm:"type:varchar(191)" json:"home_team"`
	AwayTeam       string    `gorm:"type:varchar(191)" json:"away_team"`
	KickoffTime    time.Time `gorm:"index" json:"kickoff_time"`
}

const (
	ResultGreen = "green"
	ResultRed   = "red"
	// ResultVoid closes a tip whose outcome could not be decided, such as a
	// cancelled match or an unreadable prediction.
	ResultVoid = "void"
)

// DispatchResult is the settled outcome of a dispatched event. Records stay
// untouched; outcomes live in their own table keyed by event id.
type DispatchResult struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	EventID   string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"event_id"`
	Result    string    `gorm:"type:varchar(16);not null;index" json:"result"`
	HomeGoals int       `json:"home_goals"`
	AwayGoals int       `json:"away_goals"`
	SettledAt time.Time `gorm:"not null;index" json:"settled_at"`
}

// DispatchCycle is the persisted trace of one scheduler cycle.
type DispatchCycle struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	CycleID    string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"cycle_id"`
	Trigger    string     `gorm:"type:varchar(16);not null" json:"trigger"`
	State      string     `gorm:"type:varchar(16);not null" json:"state"`
	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `gorm:"type:timestamp;default:null" json:"finished_at,omitempty"`
	Published  int        `json:"published"`
	Skipped    int        `json:"skipped"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
}
