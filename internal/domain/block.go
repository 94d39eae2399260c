package domain

import (
	"encoding/json"
	"time"
)

type BlockReason string

const (
	ReasonUserBlocked             BlockReason = "USER_BLOCKED"
	ReasonClassroomBlocked        BlockReason = "CLASSROOM_BLOCKED"
	ReasonUserOverHourlyLimit     BlockReason = "USER_OVER_HOURLY_LIMIT"
	ReasonUserOverDailyLimit      BlockReason = "USER_OVER_DAILY_LIMIT"
	ReasonTeachersOverHourlyLimit BlockReason = "TEACHERS_OVER_HOURLY_LIMIT"
	ReasonInternalError           BlockReason = "INTERNAL_ERROR"
)

// ErrorCode is the status relayed in-band to the client for a block reason.
func (r BlockReason) ErrorCode() int {
	switch r {
	case ReasonUserBlocked, ReasonClassroomBlocked:
		return 403
	case ReasonUserOverHourlyLimit, ReasonUserOverDailyLimit, ReasonTeachersOverHourlyLimit:
		return 429
	default:
		return 500
	}
}

// BlockRecord marks a principal as blocked. Never expires; removal is an
// administrative action.
type BlockRecord struct {
	PrincipalID string      `gorm:"primaryKey;size:255" json:"principal_id"`
	Reason      BlockReason `gorm:"size:64;not null" json:"reason"`
	RequestLog  string      `gorm:"type:text" json:"request_log"`
	CreatedAt   time.Time   `gorm:"not null" json:"created_at"`
}

// RequestLogSnapshot renders the timestamps that triggered a block.
func RequestLogSnapshot(issuedAt []time.Time) string {
	stamps := make([]string, 0, len(issuedAt))
	for _, ts := range issuedAt {
		stamps = append(stamps, ts.UTC().Format(time.RFC3339Nano))
	}
	raw, err := json.Marshal(stamps)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
