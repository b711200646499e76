package models

import "time"

// CacheEntry backs cache.DatabaseStore when Redis is unavailable. Rate limit
// windows and relay quota snapshots live here in that mode.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Counter is a named monotonic sequence, incremented under a row lock.
type Counter struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}
