package model

import (
	"time"
)

// AuthorizationRequest is an issued anti-forgery state awaiting its callback
type AuthorizationRequest struct {
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	IssuedAt  time.Time     `json:"issued_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the request is no longer acceptable at now
func (r AuthorizationRequest) Expired(now time.Time) bool {
	return !now.Before(r.IssuedAt.Add(r.TTL))
}

// Credential is the delegated mailbox credential held for one session
type Credential struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	Scope         string    `json:"scope"`
	IdentityEmail string    `json:"identity_email"`
}

// ValidAt reports whether the access token is usable at now with the given skew
func (c Credential) ValidAt(now time.Time, skew time.Duration) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt.Add(-skew))
}

// StoredCredential is the database row backing a session credential
type StoredCredential struct {
	SessionID     string    `json:"session_id" gorm:"primaryKey;type:varchar(64)"`
	AccessToken   string    `json:"-" gorm:"type:text;not null"`
	RefreshToken  string    `json:"-" gorm:"type:text"`
	ExpiresAt     time.Time `json:"expires_at"`
	Scope         string    `json:"scope" gorm:"type:text"`
	IdentityEmail string    `json:"identity_email" gorm:"type:varchar(255);index"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName specifies the table name for StoredCredential
func (StoredCredential) TableName() string {
	return "session_credentials"
}

// Credential converts the row into its domain value
func (s StoredCredential) Credential() Credential {
	return Credential{
		AccessToken:   s.AccessToken,
		RefreshToken:  s.RefreshToken,
		ExpiresAt:     s.ExpiresAt,
		Scope:         s.Scope,
		IdentityEmail: s.IdentityEmail,
	}
}
