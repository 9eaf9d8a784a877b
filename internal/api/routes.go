package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck is one named probe reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps collects everything RegisterRoutes mounts. Nil handlers skip their routes.
type Deps struct {
	Intuit    *IntuitHandler
	Google    *GoogleHandler
	Messaging *MessagingHandler

	// BridgeURL is the HTTP base of the messaging bridge; empty disables the proxy.
	BridgeURL string
	PublicDir string
	Health    []HealthCheck
}

// proxiedPrefixes are forwarded to the messaging bridge as-is.
var proxiedPrefixes = []string{"/chat", "/group", "/auth", "/contact"}

// RegisterRoutes mounts every route. Local routes are registered ahead of the
// bridge proxy so they win on shared prefixes.
func RegisterRoutes(app *fiber.App, d Deps) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", healthHandler(d.Health))

	if h := d.Intuit; h != nil {
		app.Get("/authUri", h.AuthURI)
		app.Get("/callback", h.Callback)
		app.Get("/retrieveToken", h.RetrieveToken)
		app.Get("/refreshAccessToken", h.RefreshAccessToken)
		app.Get("/getCompanyInfo", h.CompanyInfo)
		app.Use("/cc", cors.New(cors.Config{AllowOrigins: "*"}))
		app.Get("/cc", h.CreateCustomer)
		app.Get("/disconnect", h.Disconnect)
	}

	if h := d.Google; h != nil {
		app.Get("/list_google_contacts", h.ListContacts)
		app.Post("/create_google_contact", h.CreateContact)
		app.Get("/google/authUri", h.AuthURI)
		app.Get("/google/callback", h.Callback)
	}

	if h := d.Messaging; h != nil {
		app.Get("/auth/getqr", h.GetQR)
		app.Get("/auth/checkauth", h.CheckAuth)
		app.Post("/chat/sendmessage/:phone", h.SendMessage)
	}

	if d.BridgeURL != "" {
		forward := bridgeProxy(d.BridgeURL)
		for _, prefix := range proxiedPrefixes {
			app.All(prefix+"/*", forward)
		}
	}

	if d.PublicDir != "" {
		app.Static("/", d.PublicDir)
	}
}

func bridgeProxy(base string) fiber.Handler {
	base = strings.TrimRight(base, "/")
	return func(c *fiber.Ctx) error {
		if err := proxy.Do(c, base+c.OriginalURL()); err != nil {
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("messaging bridge: %v", err))
		}
		return nil
	}
}

func healthHandler(checks []HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		results := make(map[string]string, len(checks))
		status := "ok"
		code := fiber.StatusOK

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				results[hc.Name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
				continue
			}
			results[hc.Name] = "ok"
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}
