package models

import "time"

// Credential stores OAuth material for one account, keyed by email.
type Credential struct {
	Email             string `gorm:"primaryKey"`
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry *time.Time
	ProjectID         string // resolved lazily, cached once known
	IsInvalid         bool   `gorm:"default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AccessTokenValid reports whether the cached access token can still be
// used, with a safety margin before the recorded expiry.
func (c *Credential) AccessTokenValid(margin time.Duration) bool {
	if c.AccessToken == "" || c.AccessTokenExpiry == nil {
		return false
	}
	return time.Now().Add(margin).Before(*c.AccessTokenExpiry)
}
