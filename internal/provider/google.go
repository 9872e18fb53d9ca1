// Package provider adapts Google's OAuth and Gmail endpoints to the auth flow.
package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"realty-mail-engine/internal/auth"
	"realty-mail-engine/internal/config"
)

// Google implements auth.Provider against Google's endpoints
type Google struct {
	oauth       *oauth2.Config
	apiEndpoint string
}

// NewGoogle creates a Google provider. Auth, token and API endpoints may be
// overridden for sandboxes and tests.
func NewGoogle(cfg config.GoogleConfig) *Google {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		apiEndpoint: cfg.APIEndpoint,
	}
}

var _ auth.Provider = (*Google)(nil)

// AuthCodeURL builds the consent URL with offline access and forced consent
func (g *Google) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades the code for tokens using the configured redirect URI
func (g *Google) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", convertError(err))
	}
	return tok, nil
}

// Refresh obtains a new access token for refreshToken
func (g *Google) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", convertError(err))
	}
	return tok, nil
}

// Profile returns the Gmail address of the mailbox accessToken grants access to
func (g *Google) Profile(ctx context.Context, accessToken string) (string, error) {
	svc, err := g.gmailService(ctx, accessToken)
	if err != nil {
		return "", err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", convertError(err))
	}
	return profile.EmailAddress, nil
}

func (g *Google) gmailService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if g.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.apiEndpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// convertError maps oauth2 and Google API errors onto auth.ProviderError
func convertError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := &auth.ProviderError{
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
		}
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		if pe.Code == "" && pe.Description == "" {
			pe.Description = string(re.Body)
		}
		return pe
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		pe := &auth.ProviderError{
			StatusCode:  apiErr.Code,
			Description: apiErr.Message,
		}
		if len(apiErr.Errors) > 0 {
			pe.Code = apiErr.Errors[0].Reason
		}
		return pe
	}

	return err
}
