// Package httpapi exposes filter translation and contact lookups over a
// small JSON API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/consts"
	"github.com/migadu/contactdir/contact"
	"github.com/migadu/contactdir/directory"
	"github.com/migadu/contactdir/ldapfilter"
	"github.com/migadu/contactdir/logger"
	"github.com/migadu/contactdir/pkg/health"
	"github.com/migadu/contactdir/pkg/metrics"
	"github.com/migadu/contactdir/searchterm"
)

const maxBodyBytes = 1 << 20

// statusClientClosedRequest is recorded when the client went away before the
// directory answered. Nothing is written to the connection.
const statusClientClosedRequest = 499

// Directory is the part of *directory.Provider the API serves.
type Directory interface {
	Translate(term searchterm.Term) (*ldapfilter.Result, error)
	Search(ctx context.Context, term searchterm.Term, opts directory.SearchOptions) ([]*contact.Contact, error)
	All(ctx context.Context, opts directory.SearchOptions) ([]*contact.Contact, error)
	Get(ctx context.Context, uid string) (*contact.Contact, error)
	Mapping() config.MappingConfig
	FolderID() string
}

// HealthReporter is the part of *health.HealthMonitor the API reports.
type HealthReporter interface {
	GetOverallStatus() health.ComponentStatus
	GetAllStatuses() []health.CheckStatus
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	realIP       *realIPExtractor
	dir          Directory
	health       HealthReporter
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr           string
	APIKey         string
	AllowedHosts   []string
	TrustedProxies []string // Peers whose X-Forwarded-For and X-Real-IP are honoured
	Health         HealthReporter
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
}

// OptionsFromConfig copies the http_api section of the configuration.
func OptionsFromConfig(cfg config.HTTPAPIConfig) ServerOptions {
	return ServerOptions{
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts:   cfg.AllowedHosts,
		TrustedProxies: cfg.TrustedProxies,
		TLS:            cfg.TLS,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
	}
}

// New creates a new HTTP API server
func New(dir Directory, options ServerOptions) (*Server, error) {
	if dir == nil {
		return nil, fmt.Errorf("directory is required for HTTP API server")
	}
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}
	realIP, err := newRealIPExtractor(options.TrustedProxies)
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		realIP:       realIP,
		dir:          dir,
		health:       options.Health,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx is cancelled. Startup and serve errors are
// sent to errChan.
func Start(ctx context.Context, dir Directory, options ServerOptions, errChan chan error) {
	server, err := New(dir, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API: error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/filters/translate", s.handleTranslate).Methods("POST")

	v1.HandleFunc("/contacts/search", s.handleSearch).Methods("POST")
	v1.HandleFunc("/contacts/{uid}", s.handleGetContact).Methods("GET")
	v1.HandleFunc("/contacts/{uid}/vcard", s.handleGetVCard).Methods("GET")

	v1.HandleFunc("/mapping", s.handleMapping).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), consts.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		logger.FromContext(r.Context()).Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "client", s.realIP.clientIP(r), "status", rec.status, "duration", elapsed)
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, s.realIP.clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowedHosts []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowedHost := range allowedHosts {
		if allowedHost == clientIP {
			return true
		}
		if strings.Contains(allowedHost, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDirectoryError maps provider errors onto status codes. Only client
// errors echo the error text.
func (s *Server) writeDirectoryError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == statusClientClosedRequest {
		logger.FromContext(r.Context()).Debug("HTTP API: client closed request", "path", r.URL.Path, "error", err)
		w.WriteHeader(status)
		return
	}
	if status >= 500 {
		logger.FromContext(r.Context()).Error("HTTP API: directory request failed", "path", r.URL.Path, "error", err)
	}
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		s.writeError(w, status, err.Error())
	case http.StatusServiceUnavailable:
		s.writeError(w, status, "Directory unavailable")
	case http.StatusGatewayTimeout:
		s.writeError(w, status, "Directory request timed out")
	default:
		s.writeError(w, status, "Internal server error")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, consts.ErrInvalidSearch),
		errors.Is(err, consts.ErrMalformedTerm),
		errors.Is(err, consts.ErrUnknownTerm),
		errors.Is(err, consts.ErrUnknownField):
		return http.StatusBadRequest
	case errors.Is(err, consts.ErrContactNotFound):
		return http.StatusNotFound
	case errors.Is(err, consts.ErrDirectoryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Request/Response types

type TranslateRequest struct {
	Term json.RawMessage `json:"term"`
}

type TranslateResponse struct {
	Filter        string   `json:"filter"`
	Folders       []string `json:"folders"`
	DroppedFields []string `json:"dropped_fields"`
	RangeRewrites int      `json:"range_rewrites"`
	MatchAll      bool     `json:"match_all"`
	MatchNone     bool     `json:"match_none"`

	// FolderScopeExact is false when a folder comparison sits under or/not;
	// such terms are rejected by search.
	FolderScopeExact bool `json:"folder_scope_exact"`
}

type SearchRequest struct {
	Term        json.RawMessage `json:"term,omitempty"`
	Sort        string          `json:"sort,omitempty"`
	Order       string          `json:"order,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	BypassCache bool            `json:"bypass_cache,omitempty"`
}

type SearchResponse struct {
	FolderID string             `json:"folder_id"`
	Count    int                `json:"count"`
	Contacts []*contact.Contact `json:"contacts"`
}

type HealthResponse struct {
	Status string               `json:"status"`
	Checks []health.CheckStatus `json:"checks"`
}

type MappingResponse struct {
	FolderID                    string            `json:"folder_id"`
	Fields                      map[string]string `json:"fields"`
	FolderField                 string            `json:"folder_field,omitempty"`
	DisplayNameField            string            `json:"display_name_field,omitempty"`
	DistributionListAttribute   string            `json:"distribution_list_attribute,omitempty"`
	IncludeDistributionLists    bool              `json:"include_distribution_lists"`
	UIDAttribute                string            `json:"uid_attribute,omitempty"`
	DistributionListObjectClass string            `json:"distribution_list_object_class,omitempty"`
}

// Handler functions

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req TranslateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Term) == 0 {
		s.writeError(w, http.StatusBadRequest, "term is required")
		return
	}

	term, err := searchterm.Decode(req.Term)
	if err != nil {
		s.writeDirectoryError(w, r, err)
		return
	}
	res, err := s.dir.Translate(term)
	if err != nil {
		s.writeDirectoryError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, TranslateResponse{
		Filter:        res.Filter,
		Folders:       nonNil(res.Folders),
		DroppedFields: nonNil(res.DroppedFields),
		RangeRewrites: res.RangeRewrites,
		MatchAll:      ldapfilter.IsMatchAll(res.Filter),
		MatchNone:     ldapfilter.IsMatchNone(res.Filter),

		FolderScopeExact: res.FolderScopeExact,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	order, err := contact.ParseSortOrder(req.Order)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 {
		s.writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	if req.Sort != "" && order == contact.NoOrder {
		order = contact.Ascending
	}
	opts := directory.SearchOptions{SortField: req.Sort, Order: order, Limit: req.Limit}

	ctx := r.Context()
	if req.BypassCache {
		ctx = context.WithValue(ctx, consts.BypassCacheKey, true)
	}

	var contacts []*contact.Contact
	if len(req.Term) == 0 || string(req.Term) == "null" {
		contacts, err = s.dir.All(ctx, opts)
	} else {
		term, derr := searchterm.Decode(req.Term)
		if derr != nil {
			s.writeDirectoryError(w, r, derr)
			return
		}
		contacts, err = s.dir.Search(ctx, term, opts)
	}
	if err != nil {
		s.writeDirectoryError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SearchResponse{
		FolderID: s.dir.FolderID(),
		Count:    len(contacts),
		Contacts: nonNil(contacts),
	})
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.dir.Get(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeDirectoryError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetVCard(w http.ResponseWriter, r *http.Request) {
	c, err := s.dir.Get(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeDirectoryError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := contact.WriteVCards(w, []*contact.Contact{c}); err != nil {
		logger.FromContext(r.Context()).Error("HTTP API: error writing vCard", "uid", c.UID, "error", err)
	}
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	m := s.dir.Mapping()
	fields := make(map[string]string, len(m.Fields))
	for name, attr := range m.Fields {
		if attr != "" {
			fields[name] = attr
		}
	}
	s.writeJSON(w, http.StatusOK, MappingResponse{
		FolderID:                    s.dir.FolderID(),
		Fields:                      fields,
		FolderField:                 m.FolderField,
		DisplayNameField:            m.DisplayNameField,
		DistributionListAttribute:   m.DistributionListAttribute,
		IncludeDistributionLists:    m.IncludeDistributionLists,
		UIDAttribute:                m.UIDAttribute,
		DistributionListObjectClass: m.DistributionListObjectClass,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, HealthResponse{Status: "unknown", Checks: []health.CheckStatus{}})
		return
	}

	overall := s.health.GetOverallStatus()
	status := http.StatusOK
	if overall == health.StatusUnhealthy || overall == health.StatusUnreachable {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, HealthResponse{Status: string(overall), Checks: nonNil(s.health.GetAllStatuses())})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
