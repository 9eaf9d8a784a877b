package google

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	people "google.golang.org/api/people/v1"

	"github.com/Checker-Finance/books-gateway/internal/metrics"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

const personFields = "names,emailAddresses,phoneNumbers"

// Contacts lists and creates contacts of the authorized user.
type Contacts struct {
	logger   *zap.Logger
	auth     *Authorizer
	endpoint string
}

// NewContacts creates a People API client. endpoint overrides the API base
// URL and is empty in production.
func NewContacts(logger *zap.Logger, auth *Authorizer, endpoint string) *Contacts {
	return &Contacts{logger: logger, auth: auth, endpoint: endpoint}
}

func (c *Contacts) service(ctx context.Context) (*people.Service, error) {
	client, err := c.auth.Client(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("people service: %w", err)
	}
	return svc, nil
}

// ListConnections returns every connection of people/me, following page tokens.
func (c *Contacts) ListConnections(ctx context.Context) ([]model.Contact, error) {
	svc, err := c.service(ctx)
	if err != nil {
		metrics.IncGoogleRequest("list", "error")
		return nil, err
	}

	contacts := []model.Contact{}
	err = svc.People.Connections.List("people/me").
		PersonFields(personFields).
		PageSize(1000).
		Pages(ctx, func(resp *people.ListConnectionsResponse) error {
			for _, p := range resp.Connections {
				contacts = append(contacts, toContact(p))
			}
			return nil
		})
	if err != nil {
		metrics.IncGoogleRequest("list", "error")
		return nil, fmt.Errorf("list connections: %w", err)
	}

	metrics.IncGoogleRequest("list", "ok")
	if len(contacts) == 0 {
		c.logger.Info("google.no_connections")
	}
	return contacts, nil
}

// ConnectionNames is the startup probe: display names of every connection.
func (c *Contacts) ConnectionNames(ctx context.Context) ([]string, error) {
	contacts, err := c.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(contacts))
	for _, ct := range contacts {
		if ct.DisplayName == "" {
			c.logger.Debug("google.connection_without_name", zap.String("resource", ct.ResourceName))
			continue
		}
		names = append(names, ct.DisplayName)
	}
	return names, nil
}

// CreateContact creates a person with a given name, home email and home phone.
func (c *Contacts) CreateContact(ctx context.Context, in model.Contact) (model.Contact, error) {
	if strings.TrimSpace(in.GivenName) == "" {
		return model.Contact{}, fmt.Errorf("givenName is required")
	}
	svc, err := c.service(ctx)
	if err != nil {
		metrics.IncGoogleRequest("create", "error")
		return model.Contact{}, err
	}

	person := &people.Person{
		Names: []*people.Name{{GivenName: in.GivenName}},
	}
	if in.Email != "" {
		person.EmailAddresses = []*people.EmailAddress{{Value: in.Email, Type: "home"}}
	}
	if in.Mobile != "" {
		person.PhoneNumbers = []*people.PhoneNumber{{Value: in.Mobile, Type: "home"}}
	}

	created, err := svc.People.CreateContact(person).Context(ctx).Do()
	if err != nil {
		metrics.IncGoogleRequest("create", "error")
		return model.Contact{}, fmt.Errorf("create contact: %w", err)
	}
	metrics.IncGoogleRequest("create", "ok")
	c.logger.Info("google.contact_created", zap.String("resource", created.ResourceName))
	return toContact(created), nil
}

func toContact(p *people.Person) model.Contact {
	ct := model.Contact{ResourceName: p.ResourceName}
	if len(p.Names) > 0 {
		ct.DisplayName = p.Names[0].DisplayName
		ct.GivenName = p.Names[0].GivenName
	}
	if len(p.EmailAddresses) > 0 {
		ct.Email = p.EmailAddresses[0].Value
	}
	if len(p.PhoneNumbers) > 0 {
		ct.Mobile = p.PhoneNumbers[0].Value
	}
	return ct
}
