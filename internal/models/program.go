// Package models defines the GORM database models for the guide catalog.
package models

import "time"

// Program is one guide entry harvested from an over-the-air EIT.
//
// Times are Unix milliseconds, converted from the ATSC GPS time base
// (gps_seconds + 315964800 - 18).
type Program struct {
	ID uint `gorm:"primaryKey" json:"-"`

	// Frequency is the mux the entry was captured from.
	Frequency string `gorm:"size:32;not null;uniqueIndex:idx_program_unique" json:"frequency"`

	// ChannelID is the virtual channel number ("5.1"), or the decimal
	// source id when the VCT mapping was never seen.
	ChannelID string `gorm:"size:32;not null;uniqueIndex:idx_program_unique;index:idx_channel_time" json:"channel"`

	// StartMs is the program start in Unix milliseconds.
	StartMs int64 `gorm:"not null;uniqueIndex:idx_program_unique;index:idx_channel_time" json:"start_ms"`

	// EndMs is the program end in Unix milliseconds.
	EndMs int64 `gorm:"not null;index" json:"end_ms"`

	// Title is the first string of the event's Multiple String Structure.
	Title string `gorm:"size:512;not null" json:"title"`

	// Description is the ETT text when available.
	Description string `gorm:"type:text" json:"description,omitempty"`

	// EventID is the 14-bit ATSC event id.
	EventID int `gorm:"not null" json:"event_id"`

	// SourceID is the ATSC source id the event was announced for.
	SourceID int `gorm:"not null" json:"source_id"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the table name for Program.
func (Program) TableName() string {
	return "programs"
}

// Start returns the program start time.
func (p *Program) Start() time.Time {
	return time.UnixMilli(p.StartMs).UTC()
}

// End returns the program end time.
func (p *Program) End() time.Time {
	return time.UnixMilli(p.EndMs).UTC()
}

// Duration returns the program duration.
func (p *Program) Duration() time.Duration {
	return p.End().Sub(p.Start())
}
