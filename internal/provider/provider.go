// Package provider resolves where an admitted request goes and speaks
// the OpenAI-compatible wire protocol to get it there. Route plans come
// from the catalog snapshot taken at admission; the HTTP client is
// shared and pooled.
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aexlabs/aex/internal/catalog"
)

var (
	ErrUnknownModel = errors.New("provider: unknown model")
	ErrUnknownRoute = errors.New("provider: unsupported route")
)

// Route names, mirroring the public surface.
const (
	RouteChat       = "chat"
	RouteResponses  = "responses"
	RouteEmbeddings = "embeddings"
)

// routePaths maps a route to the upstream path appended to the
// provider's base URL.
var routePaths = map[string]string{
	RouteChat:       "/v1/chat/completions",
	RouteResponses:  "/v1/responses",
	RouteEmbeddings: "/v1/embeddings",
}

// RoutePlan is the resolved destination of one execution: which provider
// serves the public model, under what upstream name, and at which URL.
type RoutePlan struct {
	Route          string
	RequestedModel string // public name, rewritten back into responses
	Provider       string
	ProviderModel  string
	BaseURL        string
	Path           string
	Passthrough    bool // caller supplied its own provider credential
}

// URL is the full upstream endpoint.
func (p *RoutePlan) URL() string {
	return strings.TrimSuffix(p.BaseURL, "/") + p.Path
}

// Plan resolves a route plan from a catalog snapshot. The public model
// name must exist in the catalog and the route must map to an upstream
// path.
func Plan(cat *catalog.Catalog, route, publicModel string) (*RoutePlan, error) {
	path, ok := routePaths[route]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, route)
	}
	m, ok := cat.Model(publicModel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, publicModel)
	}
	p, ok := cat.ProviderFor(m.Provider)
	if !ok {
		// Catalog validation keeps this unreachable; guard anyway.
		return nil, fmt.Errorf("%w: model %q names provider %q", ErrUnknownModel, publicModel, m.Provider)
	}
	return &RoutePlan{
		Route:          route,
		RequestedModel: publicModel,
		Provider:       m.Provider,
		ProviderModel:  m.ProviderModel,
		BaseURL:        p.BaseURL,
		Path:           path,
	}, nil
}
