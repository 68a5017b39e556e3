package models

import "time"

const (
	SettingVIPChannelID     = "vip_channel_id"
	SettingLastCycleAt      = "scheduler_last_cycle_at"
	SettingLastSweepAt      = "scheduler_last_sweep_at"
	SettingLastPaymentPoll  = "payment_last_poll_at"
	SettingLastArchivedDate = "archive_last_date"
)

// Setting is a key/value row used for admin-tunable values and the loops'
// persisted run markers.
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:191;not null;uniqueIndex" json:"key" validate:"required,min=1,max=191"`
	Value     string    `gorm:"type:text" json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
