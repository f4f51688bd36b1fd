package partner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BadgerOps/edirelay/internal/config"
	"github.com/BadgerOps/edirelay/internal/transport"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrConfig marks a partner table that cannot be loaded. It is fatal at startup.
	ErrConfig = errors.New("partner configuration error")

	// ErrNoPartnerMatch is returned when no enabled partner has the requested ID.
	ErrNoPartnerMatch = errors.New("no enabled partner matches")
)

// Partner is an immutable trading-partner record.
type Partner struct {
	ID                      string
	Name                    string
	Protocol                transport.Protocol
	Host                    string
	Port                    int
	Username                string
	Password                string
	KeyFile                 string
	InboundPath             string
	OutboundPath            string
	Enabled                 bool
	ArchivePathTemplate     string
	ArchiveFilenameTemplate string
}

// Endpoint returns the transport endpoint for the partner.
func (p Partner) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		PartnerID: p.ID,
		Protocol:  p.Protocol,
		Host:      p.Host,
		Port:      p.Port,
		Username:  p.Username,
		Password:  p.Password,
		KeyFile:   p.KeyFile,
	}
}

// Registry holds all configured partners in configuration order.
type Registry struct {
	partners []Partner
	byID     map[string]int
}

// NewRegistry validates the configured records and builds the registry.
func NewRegistry(cfgs []config.PartnerConfig) (*Registry, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	r := &Registry{
		partners: make([]Partner, 0, len(cfgs)),
		byID:     make(map[string]int, len(cfgs)),
	}

	for i, c := range cfgs {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("%w: partner #%d (%q): %s", ErrConfig, i+1, c.ID, describe(err))
		}

		proto, err := transport.ParseProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("%w: partner %q: %v", ErrConfig, c.ID, err)
		}

		id := strings.TrimSpace(c.ID)
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate partner_id %q", ErrConfig, id)
		}

		r.byID[id] = len(r.partners)
		r.partners = append(r.partners, Partner{
			ID:                      id,
			Name:                    c.Name,
			Protocol:                proto,
			Host:                    c.Host,
			Port:                    c.Port,
			Username:                c.Username,
			Password:                c.Password,
			KeyFile:                 c.KeyFile,
			InboundPath:             c.InboundPath,
			OutboundPath:            c.OutboundPath,
			Enabled:                 c.Enabled,
			ArchivePathTemplate:     c.ArchivePathTemplate,
			ArchiveFilenameTemplate: c.ArchiveFilenameTemplate,
		})
	}

	return r, nil
}

// describe flattens validator errors into "field: rule" pairs using the
// YAML key names users actually write.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", yamlKey(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

var yamlKeys = map[string]string{
	"ID":       "partner_id",
	"Name":     "partner_name",
	"Protocol": "protocol",
	"Host":     "host",
	"Port":     "port",
	"Username": "username",
}

func yamlKey(field string) string {
	if k, ok := yamlKeys[field]; ok {
		return k
	}
	return field
}

// Lookup returns the partner with the given ID regardless of enabled state.
func (r *Registry) Lookup(id string) (Partner, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Partner{}, false
	}
	return r.partners[i], true
}

// LookupEnabled returns the enabled partner with the given ID.
func (r *Registry) LookupEnabled(id string) (Partner, error) {
	p, ok := r.Lookup(id)
	if !ok || !p.Enabled {
		return Partner{}, fmt.Errorf("%w: %q", ErrNoPartnerMatch, id)
	}
	return p, nil
}

// Enabled returns enabled partners in configuration order.
func (r *Registry) Enabled() []Partner {
	var out []Partner
	for _, p := range r.partners {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// All returns every partner in configuration order.
func (r *Registry) All() []Partner {
	out := make([]Partner, len(r.partners))
	copy(out, r.partners)
	return out
}

// Len returns the number of configured partners.
func (r *Registry) Len() int {
	return len(r.partners)
}
