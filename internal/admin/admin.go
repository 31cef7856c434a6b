// Package admin provides admin API endpoints for runtime inspection and
// option updates on a live connection. All endpoints are protected by IP
// allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dskow/mqlink/internal/config"
	"github.com/dskow/mqlink/internal/engine"
	"github.com/dskow/mqlink/internal/options"
	"github.com/dskow/mqlink/internal/policy"
)

// Connection is the engine surface the admin API operates on.
type Connection interface {
	Status() engine.Status
	UpdateOptions(options.Options) error
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	conn        Connection
	reloader    ConfigProvider
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(conn Connection, reloader ConfigProvider, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		conn:        conn,
		reloader:    reloader,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/status", h.guard(http.MethodGet, h.statusHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/options", h.guard(http.MethodPost, h.optionsHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conn.Status())
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Connection.Secret != "" {
		redacted.Connection.Secret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

// optionsRequest is the POST /admin/options body. Pointer fields distinguish
// "absent" from "explicitly empty": an absent field keeps its current value,
// an empty one clears it.
type optionsRequest struct {
	VirtualHost      *string        `json:"virtual_host,omitempty"`
	User             *string        `json:"user,omitempty"`
	Secret           *string        `json:"secret,omitempty"`
	SASLAllowedMechs *[]string      `json:"sasl_allowed_mechs,omitempty"`
	HandshakeTimeout *string        `json:"handshake_timeout,omitempty"` // Go duration, e.g. "5s"
	ReconnectURL     *string        `json:"reconnect_url,omitempty"`
	FailoverURLs     *[]string      `json:"failover_urls,omitempty"`
	Reconnect        *reconnectBody `json:"reconnect,omitempty"`
}

type reconnectBody struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	Delay       string  `json:"delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
}

func (h *Handler) optionsHandler(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	delta, err := req.toOptions()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.conn.UpdateOptions(delta); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	h.logger.Info("options updated via admin API", "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, h.conn.Status())
}

func (req *optionsRequest) toOptions() (options.Options, error) {
	var o options.Options
	if req.VirtualHost != nil {
		o.VirtualHost = options.Some(*req.VirtualHost)
	}
	if req.User != nil {
		o.User = options.Some(*req.User)
	}
	if req.Secret != nil {
		o.Secret = options.Some(*req.Secret)
	}
	if req.SASLAllowedMechs != nil {
		o.SASLAllowedMechs = options.Some(*req.SASLAllowedMechs)
	}
	if req.HandshakeTimeout != nil {
		d, err := time.ParseDuration(*req.HandshakeTimeout)
		if err != nil {
			return o, err
		}
		o.HandshakeTimeout = options.Some(d)
	}
	if req.ReconnectURL != nil {
		o.ReconnectURL = options.Some(*req.ReconnectURL)
	}
	if req.FailoverURLs != nil {
		o.FailoverURLs = options.Some(*req.FailoverURLs)
	}
	if req.Reconnect != nil {
		p, err := req.Reconnect.toPolicy()
		if err != nil {
			return o, err
		}
		o.Reconnect = options.Some(p)
	}
	return o, nil
}

func (rb *reconnectBody) toPolicy() (*policy.Policy, error) {
	if rb.Enabled != nil && !*rb.Enabled {
		return nil, nil
	}
	p := policy.Default()
	if rb.Delay != "" {
		d, err := time.ParseDuration(rb.Delay)
		if err != nil {
			return nil, err
		}
		p.Delay = d
	}
	if rb.Multiplier > 0 {
		p.Multiplier = rb.Multiplier
	}
	if rb.MaxDelay != "" {
		d, err := time.ParseDuration(rb.MaxDelay)
		if err != nil {
			return nil, err
		}
		p.MaxDelay = d
	}
	p.MaxAttempts = rb.MaxAttempts
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
