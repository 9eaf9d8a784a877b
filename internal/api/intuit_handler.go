package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/httpclient"
	"github.com/Checker-Finance/books-gateway/internal/intuit"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// IntuitSession is the subset of *intuit.Manager used by the routes.
type IntuitSession interface {
	Configure(creds intuit.Credentials) error
	AuthorizationURL(scopes []string, state string) (string, error)
	ExchangeCode(ctx context.Context, callbackURL string) (model.TokenRecord, error)
	Refresh(ctx context.Context) (model.TokenRecord, error)
	Token() (model.TokenRecord, bool)
	CompanyInfo(ctx context.Context) (*httpclient.Response, error)
	CreateCustomer(ctx context.Context, customer []byte) (*httpclient.Response, error)
}

// TokenResponse is the token view returned to callers; client secrets stay server side.
type TokenResponse struct {
	TokenType             string `json:"token_type"`
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in,omitempty"`
	IDToken               string `json:"id_token,omitempty"`
	RealmID               string `json:"realmId,omitempty"`
	ExpiresAt             int64  `json:"expires_at"`
	Environment           string `json:"environment"`
}

func toTokenResponse(rec model.TokenRecord, now time.Time) TokenResponse {
	tr := TokenResponse{
		TokenType:    rec.TokenType,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IDToken:      rec.IDToken,
		RealmID:      rec.RealmID,
		Environment:  rec.Environment,
	}
	if !rec.ExpiresAt.IsZero() {
		tr.ExpiresAt = rec.ExpiresAt.Unix()
		tr.ExpiresIn = max(int64(rec.ExpiresAt.Sub(now).Seconds()), 0)
	}
	if !rec.RefreshTokenExpiresAt.IsZero() {
		tr.RefreshTokenExpiresIn = max(int64(rec.RefreshTokenExpiresAt.Sub(now).Seconds()), 0)
	}
	return tr
}

// IntuitHandler serves the accounting OAuth and API routes.
type IntuitHandler struct {
	logger   *zap.Logger
	session  IntuitSession
	defaults intuit.Credentials
	now      func() time.Time
}

// NewIntuitHandler creates the handler. defaults fill fields /authUri omits.
func NewIntuitHandler(logger *zap.Logger, session IntuitSession, defaults intuit.Credentials) *IntuitHandler {
	return &IntuitHandler{logger: logger, session: session, defaults: defaults, now: time.Now}
}

// AuthURI configures the client and answers with the consent URL as text.
// Accepts ?json={...} or the bracketed form ?json[clientId]=...
func (h *IntuitHandler) AuthURI(c *fiber.Ctx) error {
	var creds intuit.Credentials
	if raw := c.Query("json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return writeError(c, badRequest("json query parameter: %v", err))
		}
	} else {
		creds = intuit.Credentials{
			ClientID:     c.Query("json[clientId]"),
			ClientSecret: c.Query("json[clientSecret]"),
			Environment:  c.Query("json[environment]"),
			RedirectURI:  c.Query("json[redirectUri]"),
		}
	}
	creds = creds.WithDefaults(h.defaults)

	if err := h.session.Configure(creds); err != nil {
		return writeError(c, err)
	}
	url, err := h.session.AuthorizationURL([]string{intuit.ScopeAccounting}, "")
	if err != nil {
		return writeError(c, err)
	}
	return c.Type("txt").SendString(url)
}

// Callback exchanges the authorization code synchronously.
func (h *IntuitHandler) Callback(c *fiber.Ctx) error {
	callbackURL := c.OriginalURL()
	h.logger.Info("intuit.callback_received", zap.String("path", c.Path()))

	if _, err := h.session.ExchangeCode(c.Context(), callbackURL); err != nil {
		h.logger.Error("intuit.callback_failed", zap.Error(err))
		return writeError(c, err)
	}
	return c.Type("txt").SendString("CREADO")
}

// RetrieveToken returns the last token, or null when there is none.
func (h *IntuitHandler) RetrieveToken(c *fiber.Ctx) error {
	rec, ok := h.session.Token()
	if !ok {
		return c.Type("json").SendString("null")
	}
	return c.JSON(toTokenResponse(rec, h.now()))
}

// RefreshAccessToken refreshes now and returns the new token.
func (h *IntuitHandler) RefreshAccessToken(c *fiber.Ctx) error {
	rec, err := h.session.Refresh(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toTokenResponse(rec, h.now()))
}

// CompanyInfo proxies the company record of the connected realm.
func (h *IntuitHandler) CompanyInfo(c *fiber.Ctx) error {
	resp, err := h.session.CompanyInfo(c.Context())
	if err != nil {
		h.logger.Warn("intuit.company_info_failed", zap.Error(err))
		return writeError(c, err)
	}
	return sendUpstream(c, resp)
}

// CreateCustomer posts the customer document from ?q= to the accounting API.
func (h *IntuitHandler) CreateCustomer(c *fiber.Ctx) error {
	q := c.Query("q")
	if q == "" {
		return writeError(c, badRequest("q query parameter is required"))
	}
	if !json.Valid([]byte(q)) {
		return writeError(c, badRequest("q is not valid JSON"))
	}

	resp, err := h.session.CreateCustomer(c.Context(), []byte(q))
	if err != nil {
		h.logger.Warn("intuit.create_customer_failed", zap.Error(err))
		return writeError(c, err)
	}
	return sendUpstream(c, resp)
}

// Disconnect redirects to the consent page with openid + email scopes.
func (h *IntuitHandler) Disconnect(c *fiber.Ctx) error {
	h.logger.Info("intuit.disconnect_called")
	url, err := h.session.AuthorizationURL([]string{intuit.ScopeOpenID, intuit.ScopeEmail}, "")
	if err != nil {
		return writeError(c, err)
	}
	return c.Redirect(url, fiber.StatusFound)
}

func sendUpstream(c *fiber.Ctx, resp *httpclient.Response) error {
	ct := resp.Header.Get(fiber.HeaderContentType)
	if ct == "" {
		ct = fiber.MIMEApplicationJSON
	}
	c.Set(fiber.HeaderContentType, ct)
	return c.Status(resp.Status).Send(resp.Body)
}
