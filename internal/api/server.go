// Package api exposes the SABnzbd-compatible ingest API plus a small set
// of native endpoints for provider health and live events.
package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/events"
	"github.com/javi11/nzbvault/internal/nzb"
	"github.com/javi11/nzbvault/internal/slogutil"
)

// ImportService is the slice of the importer the API needs.
type ImportService interface {
	Enqueue(name, category string, priority database.QueuePriority, paused bool, nzbData []byte) (*database.QueueItem, error)
	Retry(historyID string) (*database.QueueItem, error)
	Wake()
}

// Config holds API server configuration.
type Config struct {
	// Prefix is the route prefix, normally /api.
	Prefix string

	// Key guards every endpoint. Empty disables the check.
	Key string

	// BasePath is the virtual download root reported to automation
	// clients as complete_dir.
	BasePath string
}

// Server registers the HTTP API on a fiber app.
type Server struct {
	prefix     string
	apiKey     string
	basePath   string
	db         *database.DB
	importer   ImportService
	bus        *events.Bus
	httpClient *http.Client
	startTime  time.Time
	log        *slog.Logger
}

// NewServer builds the API server. bus may be nil; the events endpoint
// then answers 404.
func NewServer(cfg Config, db *database.DB, importer ImportService, bus *events.Bus) *Server {
	if cfg.Prefix == "" {
		cfg.Prefix = "/api"
	}
	return &Server{
		prefix:     cfg.Prefix,
		apiKey:     cfg.Key,
		basePath:   cfg.BasePath,
		db:         db,
		importer:   importer,
		bus:        bus,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		startTime:  time.Now(),
		log:        slog.Default().With("component", "api"),
	}
}

// RegisterRoutes mounts all endpoints on the app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	// SABnzbd clients hit either of these.
	app.Get(s.prefix, s.handleSab)
	app.Post(s.prefix, s.handleSab)
	app.Get("/sabnzbd/api", s.handleSab)
	app.Post("/sabnzbd/api", s.handleSab)

	app.Get(s.prefix+"/nzb/:id", s.requireKey(s.handleNzbDownload))
	app.Get(s.prefix+"/providers", s.requireKey(s.handleProviders))
	app.Get(s.prefix+"/missing", s.requireKey(s.handleMissing))
	app.Get(s.prefix+"/events", s.requireKey(s.handleEvents))
	app.Get(s.prefix+"/log-level", s.requireKey(s.handleGetLogLevel))
	app.Put(s.prefix+"/log-level", s.requireKey(s.handleSetLogLevel))

	app.Get("/live", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

// checkAPIKey accepts the key as a SAB-style apikey parameter or an
// X-Api-Key header.
func (s *Server) checkAPIKey(c *fiber.Ctx) bool {
	if s.apiKey == "" {
		return true
	}
	if key := param(c, "apikey"); key == s.apiKey {
		return true
	}
	return c.Get("X-Api-Key") == s.apiKey
}

func (s *Server) requireKey(handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.checkAPIKey(c) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid api key"})
		}
		return handler(c)
	}
}

// handleNzbDownload re-serializes the stored NZB for a job. Works for
// queued and finished jobs alike since the contents survive promotion.
func (s *Server) handleNzbDownload(c *fiber.Ctx) error {
	id := c.Params("id")

	data, err := s.db.Queue.NzbContents(id)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("no nzb stored for %s", id))
	}

	parsed, err := nzb.Parse(bytes.NewReader(data))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("stored nzb unreadable: %v", err))
	}

	var buf bytes.Buffer
	if err := nzb.Write(&buf, parsed, id); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	c.Set(fiber.HeaderContentType, "application/x-nzb")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", id+".nzb"))
	return c.Send(buf.Bytes())
}

func (s *Server) handleProviders(c *fiber.Ctx) error {
	stats, err := s.db.Stats.List()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"providers": stats})
}

func (s *Server) handleMissing(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	missing, err := s.db.Stats.ListMissing(limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"missing": missing})
}

func (s *Server) handleGetLogLevel(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"level": slogutil.ProcessLevel().String()})
}

// handleSetLogLevel adjusts the process log level without a restart.
func (s *Server) handleSetLogLevel(c *fiber.Ctx) error {
	level := param(c, "level")
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fiber.NewError(fiber.StatusBadRequest, "level must be one of: debug, info, warn, error")
	}

	slogutil.SetProcessLevel(level)
	s.log.Info("Log level changed", "level", level)
	return c.JSON(fiber.Map{"level": level})
}

// handleEvents streams bus events as Server-Sent Events.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.bus == nil {
		return fiber.ErrNotFound
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, cancel := s.bus.Subscribe()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}
