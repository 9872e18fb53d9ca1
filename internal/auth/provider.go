package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the delegated-authorization endpoint set of the mailbox provider
type Provider interface {
	// AuthCodeURL builds the consent URL carrying state
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for tokens using the configured redirect URI
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	// Refresh obtains a new access token from a refresh token
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	// Profile returns the mailbox address the access token belongs to
	Profile(ctx context.Context, accessToken string) (string, error)
}
