package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// ContactsService is the subset of *google.Contacts used by the routes.
type ContactsService interface {
	ListConnections(ctx context.Context) ([]model.Contact, error)
	CreateContact(ctx context.Context, in model.Contact) (model.Contact, error)
}

// ContactsAuthorizer is the subset of *google.Authorizer used by the consent routes.
type ContactsAuthorizer interface {
	AuthCodeURL(ctx context.Context, state string) (string, error)
	Exchange(ctx context.Context, code string) error
}

// GoogleHandler serves the contacts routes and the Google consent bootstrap.
type GoogleHandler struct {
	logger   *zap.Logger
	contacts ContactsService
	auth     ContactsAuthorizer
	state    string
}

func NewGoogleHandler(logger *zap.Logger, contacts ContactsService, auth ContactsAuthorizer, state string) *GoogleHandler {
	return &GoogleHandler{logger: logger, contacts: contacts, auth: auth, state: state}
}

// ListContacts answers {"resultg": [...]}.
func (h *GoogleHandler) ListContacts(c *fiber.Ctx) error {
	contacts, err := h.contacts.ListConnections(c.Context())
	if err != nil {
		h.logger.Warn("google.list_failed", zap.Error(err))
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"resultg": contacts})
}

// CreateContact answers {"state": true, "result": contact}.
func (h *GoogleHandler) CreateContact(c *fiber.Ctx) error {
	in := model.Contact{
		GivenName: strings.TrimSpace(c.Query("givenName")),
		Email:     strings.TrimSpace(c.Query("email")),
		Mobile:    strings.TrimSpace(c.Query("mobile")),
	}
	if in.GivenName == "" {
		return writeError(c, badRequest("givenName is required"))
	}

	created, err := h.contacts.CreateContact(c.Context(), in)
	if err != nil {
		h.logger.Warn("google.create_failed", zap.Error(err))
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"state": true, "result": created})
}

// AuthURI redirects to the Google consent page.
func (h *GoogleHandler) AuthURI(c *fiber.Ctx) error {
	url, err := h.auth.AuthCodeURL(c.Context(), h.state)
	if err != nil {
		return writeError(c, err)
	}
	return c.Redirect(url, fiber.StatusFound)
}

// Callback saves the user token for the contacts client.
func (h *GoogleHandler) Callback(c *fiber.Ctx) error {
	if e := c.Query("error"); e != "" {
		return writeError(c, badRequest("consent denied: %s", e))
	}
	if c.Query("state") != h.state {
		return writeError(c, badRequest("state mismatch"))
	}
	code := c.Query("code")
	if code == "" {
		return writeError(c, badRequest("code is required"))
	}
	if err := h.auth.Exchange(c.Context(), code); err != nil {
		h.logger.Error("google.callback_failed", zap.Error(err))
		return writeError(c, err)
	}
	return c.Type("txt").SendString("CREADO")
}
