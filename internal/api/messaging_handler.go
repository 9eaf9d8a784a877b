package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// MessagingSession is the subset of *messaging.Session used by the routes.
type MessagingSession interface {
	QR() (string, bool)
	Authed() bool
	Send(ctx context.Context, to, body string) error
}

type MessagingHandler struct {
	logger  *zap.Logger
	session MessagingSession
}

func NewMessagingHandler(logger *zap.Logger, session MessagingSession) *MessagingHandler {
	return &MessagingHandler{logger: logger, session: session}
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// GetQR returns the pending pairing code.
func (h *MessagingHandler) GetQR(c *fiber.Ctx) error {
	qr, ok := h.session.QR()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: CodeNotFound, Message: "no pairing code pending"})
	}
	return c.JSON(fiber.Map{"qr": qr})
}

// CheckAuth answers CONNECTED once the session is paired.
func (h *MessagingHandler) CheckAuth(c *fiber.Ctx) error {
	status := "DISCONNECTED"
	if h.session.Authed() {
		status = "CONNECTED"
	}
	return c.Type("txt").SendString(status)
}

// SendMessage sends {"message": ...} to :phone.
func (h *MessagingHandler) SendMessage(c *fiber.Ctx) error {
	phone := strings.TrimSpace(c.Params("phone"))
	if phone == "" {
		return writeError(c, badRequest("phone is required"))
	}
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, badRequest("invalid body: %v", err))
	}
	if req.Message == "" {
		return writeError(c, badRequest("message is required"))
	}

	if err := h.session.Send(c.Context(), phone, req.Message); err != nil {
		h.logger.Warn("messaging.send_failed", zap.String("to", phone), zap.Error(err))
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"status": "sent"})
}
