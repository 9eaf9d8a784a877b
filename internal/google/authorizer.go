// Package google talks to the People API on behalf of one authorized user.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	people "google.golang.org/api/people/v1"

	"github.com/Checker-Finance/books-gateway/internal/credstore"
	"github.com/Checker-Finance/books-gateway/internal/secrets"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

var (
	ErrNotAuthorized  = errors.New("google: no saved user token")
	ErrNoClientConfig = errors.New("google: no oauth client configuration")
	ErrNoRefreshToken = errors.New("google: consent returned no refresh token")
	ErrExchangeFailed = errors.New("google: authorization code exchange failed")
)

// Scopes requested from the user.
var Scopes = []string{people.ContactsScope}

// ClientKeys is the OAuth client stored in the secrets backend.
type ClientKeys struct {
	ClientID     string
	ClientSecret string
}

// ParseClientKeys reads client_id / client_secret from a secret map.
func ParseClientKeys(raw map[string]string) (ClientKeys, error) {
	k := ClientKeys{ClientID: raw["client_id"], ClientSecret: raw["client_secret"]}
	if k.ClientID == "" || k.ClientSecret == "" {
		return ClientKeys{}, fmt.Errorf("client_id and client_secret are required")
	}
	return k, nil
}

// AuthorizerConfig wires the client configuration sources and the user token store.
// The client comes from SecretName when a resolver is set, else from CredentialsPath.
type AuthorizerConfig struct {
	CredentialsPath string
	RedirectURL     string
	SecretName      string
	Resolver        *secrets.Resolver[ClientKeys]
	TokenStore      credstore.Store[model.GoogleUserToken]
	HTTPClient      *http.Client
	// Endpoint overrides Google's OAuth endpoint (tests).
	Endpoint *oauth2.Endpoint
}

// Authorizer produces authenticated HTTP clients from the saved user token
// and runs the consent flow that creates it.
type Authorizer struct {
	logger *zap.Logger
	cfg    AuthorizerConfig
}

func NewAuthorizer(logger *zap.Logger, cfg AuthorizerConfig) *Authorizer {
	return &Authorizer{logger: logger, cfg: cfg}
}

// ClientConfig loads the OAuth client (secret backend or credentials.json).
func (a *Authorizer) ClientConfig(ctx context.Context) (*oauth2.Config, error) {
	var conf *oauth2.Config

	if a.cfg.Resolver != nil && a.cfg.SecretName != "" {
		keys, err := a.cfg.Resolver.Resolve(ctx, a.cfg.SecretName, ParseClientKeys)
		if err != nil {
			a.logger.Warn("google.secret_load_failed", zap.Error(err))
		} else {
			conf = &oauth2.Config{
				ClientID:     keys.ClientID,
				ClientSecret: keys.ClientSecret,
				Endpoint:     googleoauth.Endpoint,
				Scopes:       Scopes,
			}
		}
	}

	if conf == nil {
		data, err := os.ReadFile(a.cfg.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrNoClientConfig, a.cfg.CredentialsPath, err)
		}
		conf, err = googleoauth.ConfigFromJSON(data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrNoClientConfig, a.cfg.CredentialsPath, err)
		}
	}

	if a.cfg.RedirectURL != "" {
		conf.RedirectURL = a.cfg.RedirectURL
	}
	if a.cfg.Endpoint != nil {
		conf.Endpoint = *a.cfg.Endpoint
	}
	return conf, nil
}

// AuthCodeURL is the consent URL; offline access so a refresh token is issued.
func (a *Authorizer) AuthCodeURL(ctx context.Context, state string) (string, error) {
	conf, err := a.ClientConfig(ctx)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades a consent code for tokens and saves token.json.
func (a *Authorizer) Exchange(ctx context.Context, code string) error {
	conf, err := a.ClientConfig(ctx)
	if err != nil {
		return err
	}
	tok, err := conf.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	if tok.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	saved := model.GoogleUserToken{
		Type:         "authorized_user",
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		RefreshToken: tok.RefreshToken,
	}
	if err := a.cfg.TokenStore.Save(ctx, saved); err != nil {
		return err
	}
	a.logger.Info("google.token_saved")
	return nil
}

// Authorized reports whether a user token is saved.
func (a *Authorizer) Authorized(ctx context.Context) bool {
	_, err := a.cfg.TokenStore.Load(ctx)
	return err == nil
}

// Client returns an HTTP client that refreshes access tokens from the saved
// refresh token. token.json is self-contained, so credentials.json is not read.
func (a *Authorizer) Client(ctx context.Context) (*http.Client, error) {
	saved, err := a.cfg.TokenStore.Load(ctx)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	if saved.RefreshToken == "" {
		return nil, ErrNotAuthorized
	}

	conf := &oauth2.Config{
		ClientID:     saved.ClientID,
		ClientSecret: saved.ClientSecret,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       Scopes,
	}
	if a.cfg.Endpoint != nil {
		conf.Endpoint = *a.cfg.Endpoint
	}
	return conf.Client(a.oauthContext(ctx), &oauth2.Token{RefreshToken: saved.RefreshToken}), nil
}

func (a *Authorizer) oauthContext(ctx context.Context) context.Context {
	if a.cfg.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
}
