package intuit

import (
	"fmt"

	"golang.org/x/oauth2"
)

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"

	// DefaultState is sent when the caller does not pick a state value.
	DefaultState = "intuit-test"
)

// OAuth scopes.
const (
	ScopeAccounting = "com.intuit.quickbooks.accounting"
	ScopePayment    = "com.intuit.quickbooks.payment"
	ScopeOpenID     = "openid"
	ScopeEmail      = "email"
	ScopeProfile    = "profile"
	ScopePhone      = "phone"
	ScopeAddress    = "address"
)

// Endpoints are the provider URLs; tests point them at httptest servers.
type Endpoints struct {
	AuthURL           string
	TokenURL          string
	SandboxBaseURL    string
	ProductionBaseURL string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		AuthURL:           "https://appcenter.intuit.com/connect/oauth2",
		TokenURL:          "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
		SandboxBaseURL:    "https://sandbox-quickbooks.api.intuit.com/",
		ProductionBaseURL: "https://quickbooks.api.intuit.com/",
	}
}

// BaseURL returns the API base for environment. Anything but production is sandbox.
func (e Endpoints) BaseURL(environment string) string {
	if environment == EnvProduction {
		return e.ProductionBaseURL
	}
	return e.SandboxBaseURL
}

func (e Endpoints) oauth2() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   e.AuthURL,
		TokenURL:  e.TokenURL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
}

// Credentials identify the registered app and where the provider redirects back to.
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Environment  string `json:"environment"`
	RedirectURI  string `json:"redirectUri"`
}

// WithDefaults fills empty fields from def.
func (c Credentials) WithDefaults(def Credentials) Credentials {
	if c.ClientID == "" {
		c.ClientID = def.ClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = def.ClientSecret
	}
	if c.Environment == "" {
		c.Environment = def.Environment
	}
	if c.RedirectURI == "" {
		c.RedirectURI = def.RedirectURI
	}
	return c
}

func (c Credentials) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: clientId is required", ErrInvalidConfig)
	}
	if c.Environment != EnvSandbox && c.Environment != EnvProduction {
		return fmt.Errorf("%w: environment must be %q or %q, got %q",
			ErrInvalidConfig, EnvSandbox, EnvProduction, c.Environment)
	}
	return nil
}
