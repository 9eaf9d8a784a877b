package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// AppConfig holds the HTTP server limits.
type AppConfig struct {
	Name         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    int
}

// NewApp builds the fiber app with the JSON error handler, panic recovery and
// request logging installed.
func NewApp(logger *zap.Logger, cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.Name,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(RequestLogger(logger))
	return app
}

// RequestLogger logs one line per request once the handler chain has run.
func RequestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// let the error handler write the status before it is logged
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error("http.request", fields...)
		case status >= fiber.StatusBadRequest:
			logger.Warn("http.request", fields...)
		default:
			logger.Debug("http.request", fields...)
		}
		return nil
	}
}
