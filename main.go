// Package rufh is a Caddy v2 HTTP handler module implementing the
// IETF draft-ietf-httpbis-resumable-upload protocol. It is the Caddy
// wiring around internal/core, which holds the actual resumable-upload
// state machine; this file's job is only to adapt Caddy's handler
// interfaces to core.Handler and to turn the downstream
// caddyhttp.Handler into a core.Downstream function.
package rufh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/resumable-uploads/caddy-rufh/internal/core"
)

var (
	// Interface guards
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("resumable_uploads", parseCaddyfile)
}

// Middleware is the Caddy module (http.handlers.resumable_uploads).
// Its JSON-tagged fields are the admin-API surface for
// internal/core.Config. The Caddyfile directive sets only path_prefix
// and replace_on_reuse; other subdirectives are ignored.
type Middleware struct {
	logger  *zap.Logger
	handler *core.Handler

	// PathPrefix is the upload-collection URL, e.g. "/uploads/".
	PathPrefix string `json:"path_prefix,omitempty"`
	// IdleTimeout reaps an Idle upload after this long with no activity.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty"`
	// TransferInactivityTimeout aborts a stalled producer after this long.
	TransferInactivityTimeout time.Duration `json:"transfer_inactivity_timeout,omitempty"`
	// MaxChunkBytes bounds in-flight producer bytes per write.
	MaxChunkBytes int64 `json:"max_chunk_bytes,omitempty"`
	// ReplaceOnReuse lets a POST against a known token replace it
	// instead of the default 409 rejection.
	ReplaceOnReuse bool `json:"replace_on_reuse,omitempty"`
	// AcceptedInteropVersions lists negotiable draft versions.
	AcceptedInteropVersions []int `json:"accepted_interop_versions,omitempty"`
}

// ==== Caddy Module Interface ====

func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.resumable_uploads",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	reuse := core.ReusePolicyReject
	if m.ReplaceOnReuse {
		reuse = core.ReusePolicyReplace
	}

	cfg := core.Config{
		IdleTimeout:               m.IdleTimeout,
		TransferInactivityTimeout: m.TransferInactivityTimeout,
		MaxChunkBytes:             m.MaxChunkBytes,
		TokenReuse:                reuse,
		AcceptedInteropVersions:   m.AcceptedInteropVersions,
		PathPrefix:                m.PathPrefix,
	}.WithDefaults()

	m.logger.Info("provisioning resumable_uploads",
		zap.String("path_prefix", cfg.PathPrefix),
		zap.Duration("idle_timeout", cfg.IdleTimeout))

	// The downstream application handler is `next`, passed in fresh on
	// every ServeHTTP call; Handler is constructed here with a closure
	// that captures whatever `next` the *current* transaction carries,
	// since the Downstream Adapter only ever invokes it once per
	// upload, from whichever transaction happens to create the record.
	m.handler = core.NewHandler(cfg, m.invokeNext, m.logger)
	return nil
}

func (m *Middleware) invokeNext(w http.ResponseWriter, r *http.Request) error {
	next, ok := r.Context().Value(nextHandlerKey{}).(caddyhttp.Handler)
	if !ok {
		return caddyhttp.Error(http.StatusInternalServerError, errors.New("rufh: no downstream handler in request context"))
	}
	return next.ServeHTTP(w, r)
}

type nextHandlerKey struct{}

func (h *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "path_prefix":
				if !d.NextArg() {
					return d.ArgErr()
				}
				h.PathPrefix = d.Val()
			case "replace_on_reuse":
				h.ReplaceOnReuse = true
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

func (m *Middleware) Validate() error {
	if m.MaxChunkBytes < 0 {
		return caddy.ErrInvalidUsage
	}
	return nil
}

// ServeHTTP sets CORS headers on every response and answers OPTIONS
// requests itself; it intercepts resumable-upload transactions and
// delegates every other request to next unmodified.
func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, HEAD, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Expose-Headers", core.HeaderUploadInteropVer+", "+core.HeaderUploadOffset+", "+core.HeaderUploadComplete+", "+core.HeaderLocation)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return nil
	}

	if !m.handler.ShouldIntercept(r) {
		return next.ServeHTTP(w, r)
	}

	ctx := context.WithValue(r.Context(), nextHandlerKey{}, next)
	r = r.WithContext(ctx)

	m.logger.Info("ServeHTTP", zap.String("method", r.Method), zap.String("path", r.URL.Path))

	err := m.handler.Handle(w, r)
	if err != nil {
		m.logger.Error("ServeHTTP", zap.Error(err))
	}
	return err
}
