package models

import "time"

// LinkingCode is a one-time code a chat identity hands to the web client
type LinkingCode struct {
	Code      string    `json:"code" gorm:"primaryKey;size:16"`
	ChatID    int64     `json:"chat_id" gorm:"not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for LinkingCode
func (LinkingCode) TableName() string {
	return "linking_codes"
}

// Expired reports whether the code is past its expiry at the given instant
func (c *LinkingCode) Expired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

// IdentityLink binds a chat identity to a backend account and its credentials
type IdentityLink struct {
	ChatID          int64     `json:"chat_id" gorm:"primaryKey;autoIncrement:false"`
	UserID          string    `json:"user_id" gorm:"not null;index"`
	AccessToken     string    `json:"-" gorm:"not null"` // Never expose tokens in JSON
	RefreshToken    string    `json:"-"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	LastAttemptID   string    `json:"last_attempt_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName specifies the table name for IdentityLink
func (IdentityLink) TableName() string {
	return "identity_links"
}

// Credentials returns the link's current credential pair
func (l *IdentityLink) Credentials() Credentials {
	return Credentials{
		AccessToken:     l.AccessToken,
		RefreshToken:    l.RefreshToken,
		AccessExpiresAt: l.AccessExpiresAt,
	}
}

// ApplyCredentials overwrites the credential fields of the link
func (l *IdentityLink) ApplyCredentials(c Credentials) {
	l.AccessToken = c.AccessToken
	l.RefreshToken = c.RefreshToken
	l.AccessExpiresAt = c.AccessExpiresAt
}

// Credentials is the access/refresh pair minted by the token issuer
type Credentials struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}
