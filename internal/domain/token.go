package domain

import "time"

// TokenRecord is the single-use state of one session token. At most one row
// exists per TokenID; Used flips false->true at most once.
type TokenRecord struct {
	TokenID       string    `gorm:"primaryKey;size:128" json:"token_id"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	ExpiresAt     time.Time `gorm:"index;not null" json:"expires_at"`
	Vetted        bool      `gorm:"not null;default:false" json:"vetted"`
	Used          bool      `gorm:"not null;default:false" json:"used"`
	WarningKind   string    `gorm:"size:64" json:"warning_kind,omitempty"`
	WarningDetail string    `gorm:"size:512" json:"warning_detail,omitempty"`
}

// TokenWarning annotates an admitted token, e.g. NEAR_LIMIT with a JSON detail.
type TokenWarning struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

const WarningNearLimit = "NEAR_LIMIT"

func (t *TokenRecord) Warning() *TokenWarning {
	if t == nil || t.WarningKind == "" {
		return nil
	}
	return &TokenWarning{Kind: t.WarningKind, Detail: t.WarningDetail}
}

func (t *TokenRecord) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
