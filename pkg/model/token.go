package model

import "time"

// TokenRecord is the OAuth session of the accounting provider.
// The whole record is persisted after every successful exchange or refresh.
type TokenRecord struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Environment  string `json:"environment"`
	RedirectURI  string `json:"redirectUri"`

	TokenType             string    `json:"token_type,omitempty"`
	AccessToken           string    `json:"access_token,omitempty"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	IDToken               string    `json:"id_token,omitempty"`
	RealmID               string    `json:"realmId,omitempty"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshTokenExpiresAt time.Time `json:"x_refresh_token_expires_at"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// HasAccessToken reports whether an access token is present (it may be expired).
func (t TokenRecord) HasAccessToken() bool { return t.AccessToken != "" }

// ExpiresIn returns the remaining validity of the access token relative to now.
func (t TokenRecord) ExpiresIn(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// GoogleUserToken is the authorized_user document kept in token.json.
type GoogleUserToken struct {
	Type         string `json:"type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}
