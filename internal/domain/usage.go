package domain

import "time"

// UsageRecord is one admitted request attributed to a principal. Append-only.
// The same model backs more than one table, so indexes are created per table
// by the repository migration rather than declared here.
type UsageRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PrincipalID string    `gorm:"size:255;not null" json:"principal_id"`
	IssuedAt    time.Time `gorm:"not null" json:"issued_at"`
	ExpiresAt   time.Time `gorm:"not null" json:"expires_at"`
}

// UsageWindow is the result of a sliding-window query. Count is exact;
// IssuedAt holds at most one page of timestamps, oldest first, and Truncated
// reports that the page is shorter than Count.
type UsageWindow struct {
	Count     int
	IssuedAt  []time.Time
	Truncated bool
}
