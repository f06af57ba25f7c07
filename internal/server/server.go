// Package server implements the lagret HTTP server: the Cargo registry API,
// the sparse index, and the health, readiness and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lagret/lagret/internal/config"
	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/handlers"
	"github.com/lagret/lagret/internal/registry"
)

// Server is the lagret HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	reg        *registry.Registry
	crates     *handlers.CrateHandler
	handler    http.Handler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// RegistryConfigBody is the config.json document cargo reads from the
// index root.
type RegistryConfigBody struct {
	DL  string `json:"dl" doc:"Download URL prefix; cargo appends /{crate}/{version}/download"`
	API string `json:"api" doc:"Base URL of the web API"`
}

// RegistryConfigOutput is the Huma output struct for config.json.
type RegistryConfigOutput struct {
	Body RegistryConfigBody
}

// SearchInput holds the search query parameters.
type SearchInput struct {
	Query   string `query:"q" doc:"Substring matched case-sensitively against crate names"`
	PerPage int    `query:"per_page" doc:"Maximum number of results"`
}

// SearchMeta carries the number of matches before the per_page cap.
type SearchMeta struct {
	Total int `json:"total"`
}

// SearchBody is the search response cargo expects.
type SearchBody struct {
	Crates []crate.Summary `json:"crates"`
	Meta   SearchMeta      `json:"meta"`
}

// SearchOutput is the Huma output struct for search.
type SearchOutput struct {
	Body SearchBody
}

// New creates a Server serving reg and wires up all routes.
func New(cfg *config.Config, reg *registry.Registry) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("lagret Cargo registry API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		reg:    reg,
		crates: handlers.NewCrateHandler(reg, cfg.Server.MaxPublishSize),
	}
	s.registerRoutes()

	handler, err := s.buildHandler()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler assembles the middleware chain:
// metricsMiddleware -> commonHeaders -> gzip -> router.
func (s *Server) buildHandler() (http.Handler, error) {
	// Crate archives are already gzip-compressed.
	gzip, err := gzhttp.NewWrapper(gzhttp.ExceptContentTypes([]string{"application/x-tar"}))
	if err != nil {
		return nil, fmt.Errorf("creating gzip middleware: %w", err)
	}

	var handler http.Handler = s.router
	handler = gzip(handler)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler, nil
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. JSON endpoints
// without raw bodies go through Huma so they appear in the OpenAPI
// document; publish, download and the index files are plain Chi handlers.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Returns the health status of the lagret server.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
		})

		// Huma only does one method per registration.
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})

		huma.Register(s.api, huma.Operation{
			OperationID: "get-readiness",
			Method:      http.MethodGet,
			Path:        "/readyz",
			Summary:     "Readiness check",
			Description: "Reports whether the object store answers health checks.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			if err := s.reg.Ready(ctx); err != nil {
				return nil, huma.Error503ServiceUnavailable("object store unavailable", err)
			}
			return &HealthOutput{Body: HealthBody{Status: "ready"}}, nil
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-registry-config",
		Method:      http.MethodGet,
		Path:        "/config.json",
		Summary:     "Registry configuration",
		Description: "The config.json file at the root of the sparse index.",
		Tags:        []string{"Index"},
	}, func(ctx context.Context, input *struct{}) (*RegistryConfigOutput, error) {
		base := s.cfg.Server.PublicURL
		return &RegistryConfigOutput{Body: RegistryConfigBody{
			DL:  base + "/api/v1/crates",
			API: base,
		}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "search-crates",
		Method:      http.MethodGet,
		Path:        "/api/v1/crates",
		Summary:     "Search crates",
		Description: "Returns crates whose name contains q, sorted by name.",
		Tags:        []string{"Crates"},
	}, func(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
		res := s.reg.Search(input.Query, s.perPage(input.PerPage))
		return &SearchOutput{Body: SearchBody{
			Crates: res.Crates,
			Meta:   SearchMeta{Total: res.Total},
		}}, nil
	})

	s.crates.Routes(s.router)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteAPIError(w, regerr.ErrAPINotFound)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteAPIError(w, &regerr.APIError{
			Code:       "MethodNotAllowed",
			Detail:     "method " + r.Method + " is not allowed on " + r.URL.Path,
			HTTPStatus: http.StatusMethodNotAllowed,
		})
	})
}

// perPage applies the configured default and cap to a requested page size.
func (s *Server) perPage(requested int) int {
	reg := s.cfg.Registry
	switch {
	case requested <= 0:
		return reg.SearchDefaultPerPage
	case requested > reg.SearchMaxPerPage:
		return reg.SearchMaxPerPage
	default:
		return requested
	}
}
