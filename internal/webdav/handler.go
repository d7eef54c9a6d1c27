package webdav

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/webdav"
)

// Config configures the WebDAV endpoint.
type Config struct {
	// Prefix is the URL prefix the handler is mounted under.
	Prefix string

	// User and Password guard the endpoint with basic auth. Password may be
	// a bcrypt hash or a plain value; empty user disables authentication.
	User     string
	Password string
}

// Handler serves the virtual tree over WebDAV with basic authentication.
type Handler struct {
	handler http.Handler
	cfg     Config
	log     *slog.Logger
}

// NewHandler wires the webdav protocol machinery over fs.
func NewHandler(cfg Config, fs *FileSystem) *Handler {
	log := slog.Default().With("component", "webdav")

	inner := &webdav.Handler{
		FileSystem: fs,
		LockSystem: webdav.NewMemLS(),
		Prefix:     cfg.Prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Debug("WebDAV request error", "method", r.Method, "path", r.URL.Path, "err", err)
			}
		},
	}

	return &Handler{handler: inner, cfg: cfg, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.User != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || !h.authenticate(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nzbvault"`)
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Pre-set the content type from the extension so ServeContent does not
	// sniff it with an extra read+seek, which would cost an article fetch.
	if ext := filepath.Ext(r.URL.Path); ext != "" {
		if ctype := mime.TypeByExtension(ext); ctype != "" {
			w.Header().Set("Content-Type", ctype)
		}
	}

	h.handler.ServeHTTP(w, r)
}

// authenticate checks basic auth credentials against the configured pair.
// A stored bcrypt hash is compared as such; anything else is compared in
// constant time.
func (h *Handler) authenticate(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(h.cfg.User)) != 1 {
		return false
	}

	if strings.HasPrefix(h.cfg.Password, "$2a$") || strings.HasPrefix(h.cfg.Password, "$2b$") || strings.HasPrefix(h.cfg.Password, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(h.cfg.Password), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(h.cfg.Password)) == 1
}
