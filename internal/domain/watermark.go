package domain

import "time"

// WatermarkEntry tracks the incremental fetch state for one report category,
// independent of any single run. high_water_date only moves forward, and only
// after persistence of the corresponding rows is confirmed.
type WatermarkEntry struct {
	Category      Category   `gorm:"type:text;primaryKey" json:"category"`
	LastFetched   *time.Time `json:"last_fetched,omitempty"`
	HighWaterDate *time.Time `json:"high_water_date,omitempty"`
	RecordCount   int64      `gorm:"default:0" json:"record_count"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for WatermarkEntry.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (WatermarkEntry) TableName() string {
	return "watermarks"
}
