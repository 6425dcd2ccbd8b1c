// Package googleauth builds the OAuth2 token source shared by the Gmail
// source and the Sheets store.
package googleauth

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"
)

// TokenURL is Google's OAuth2 token endpoint
const TokenURL = "https://oauth2.googleapis.com/token"

// Scopes needed to read and label mail and to write the voucher sheet
var Scopes = []string{
	gmail.GmailModifyScope,
	sheets.SpreadsheetsScope,
}

// Credentials of an installed OAuth client with a long-lived refresh token
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c Credentials) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return errors.New("CLIENT_ID, CLIENT_SECRET and REFRESH_TOKEN are required for Google APIs")
	}
	return nil
}

// TokenSource returns a token source that refreshes access tokens from the
// refresh token and caches them until expiry.
func TokenSource(ctx context.Context, creds Credentials) (oauth2.TokenSource, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: TokenURL,
		},
		Scopes: Scopes,
	}

	token := &oauth2.Token{
		RefreshToken: creds.RefreshToken,
	}

	return &loggingTokenSource{
		base:         config.TokenSource(ctx, token),
		refreshToken: creds.RefreshToken,
	}, nil
}

// loggingTokenSource reports refreshes and refresh-token rotation.
type loggingTokenSource struct {
	mu           sync.Mutex
	base         oauth2.TokenSource
	refreshToken string
	lastAccess   string
}

func (s *loggingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.lastAccess {
		s.lastAccess = token.AccessToken
		log.Printf("Google access token refreshed, expires at: %s", token.Expiry)
		if token.RefreshToken != "" && token.RefreshToken != s.refreshToken {
			log.Printf("Warning: refresh token was rotated by Google; update REFRESH_TOKEN")
			s.refreshToken = token.RefreshToken
		}
	}
	return token, nil
}
