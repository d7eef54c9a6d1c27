package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/events"
)

// maxNzbDownloadSize bounds mode=addurl fetches.
const maxNzbDownloadSize = 100 << 20

// handleSab is the SABnzbd-compatible entry point: one URL, dispatched on
// the mode parameter.
func (s *Server) handleSab(c *fiber.Ctx) error {
	if !s.checkAPIKey(c) {
		return s.sabError(c, "API Key Incorrect")
	}

	mode := param(c, "mode")
	switch mode {
	case "addfile":
		return s.handleSabAddFile(c)
	case "addurl":
		return s.handleSabAddURL(c)
	case "queue":
		return s.handleSabQueue(c)
	case "history":
		return s.handleSabHistory(c)
	case "retry":
		return s.handleSabRetry(c)
	case "version":
		return c.JSON(SabVersionResponse{Version: sabVersion})
	case "get_config":
		return s.handleSabGetConfig(c)
	case "fullstatus", "status":
		return s.handleSabStatus(c)
	default:
		return s.sabError(c, fmt.Sprintf("not implemented mode=%s", mode))
	}
}

// handleSabAddFile ingests an uploaded NZB document.
func (s *Server) handleSabAddFile(c *fiber.Ctx) error {
	file, err := c.FormFile("name")
	if err != nil {
		file, err = c.FormFile("nzbfile")
	}
	if err != nil {
		return s.sabError(c, "no nzb file uploaded")
	}

	src, err := file.Open()
	if err != nil {
		return s.sabError(c, "failed to open uploaded file")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxNzbDownloadSize))
	if err != nil {
		return s.sabError(c, "failed to read uploaded file")
	}

	name := param(c, "nzbname")
	if name == "" {
		name = file.Filename
	}
	return s.enqueue(c, name, data)
}

// handleSabAddURL downloads an NZB from a URL and ingests it.
func (s *Server) handleSabAddURL(c *fiber.Ctx) error {
	rawURL := param(c, "name")
	if rawURL == "" {
		return s.sabError(c, "no url provided")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return s.sabError(c, "invalid url")
	}

	resp, err := s.httpClient.Get(rawURL)
	if err != nil {
		return s.sabError(c, fmt.Sprintf("failed to download nzb: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.sabError(c, fmt.Sprintf("nzb download returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxNzbDownloadSize))
	if err != nil {
		return s.sabError(c, "failed to read nzb download")
	}

	name := param(c, "nzbname")
	if name == "" {
		name = path.Base(parsed.Path)
	}
	return s.enqueue(c, name, data)
}

// enqueue runs the shared tail of addfile/addurl.
func (s *Server) enqueue(c *fiber.Ctx, name string, data []byte) error {
	priority := parseSabPriority(param(c, "priority"))
	paused := param(c, "paused") == "1"

	item, err := s.importer.Enqueue(name, param(c, "cat"), priority, paused, data)
	if err != nil {
		s.log.Warn("SABnzbd ingest rejected", "name", name, "err", err)
		return s.sabError(c, err.Error())
	}

	return c.JSON(SabResponse{Status: true, NzoIDs: []string{item.ID}})
}

// handleSabQueue serves the listing and the queue mutations multiplexed on
// the name parameter.
func (s *Server) handleSabQueue(c *fiber.Ctx) error {
	switch param(c, "name") {
	case "delete":
		return s.handleSabQueueDelete(c)
	case "priority":
		return s.handleSabQueuePriority(c)
	case "pause":
		return s.setQueuePaused(c, true)
	case "resume":
		return s.setQueuePaused(c, false)
	case "":
		return s.handleSabQueueList(c)
	default:
		return s.sabError(c, fmt.Sprintf("not implemented queue name=%s", param(c, "name")))
	}
}

func (s *Server) handleSabQueueList(c *fiber.Ctx) error {
	items, err := s.db.Queue.List()
	if err != nil {
		return s.sabError(c, err.Error())
	}

	start := c.QueryInt("start", 0)
	limit := c.QueryInt("limit", 0)
	page := paginate(items, start, limit)

	var sizeLeft int64
	slots := make([]SabQueueSlot, 0, len(page))
	for i, item := range page {
		slot := queueSlot(start+i, item)
		slots = append(slots, slot)
		sizeLeft += item.TotalSize
	}

	return c.JSON(SabQueueResponse{Queue: SabQueue{
		Status:         "Idle",
		Version:        sabVersion,
		NoOfSlots:      len(slots),
		NoOfSlotsTotal: len(items),
		Start:          start,
		Limit:          limit,
		Speed:          "0",
		SizeLeft:       sabSize(sizeLeft),
		Slots:          slots,
	}})
}

func (s *Server) handleSabQueueDelete(c *fiber.Ctx) error {
	ids, err := s.queueIDs(param(c, "value"))
	if err != nil {
		return s.sabError(c, err.Error())
	}

	var removed []string
	for _, id := range ids {
		if err := s.db.Queue.Delete(id); err != nil {
			if errors.Is(err, database.ErrQueueItemNotFound) {
				continue
			}
			return s.sabError(c, err.Error())
		}
		removed = append(removed, id)
		s.bus.Publish(events.Event{Type: events.QueueItemRemoved, JobID: id})
	}

	return c.JSON(SabResponse{Status: true, NzoIDs: removed})
}

func (s *Server) handleSabQueuePriority(c *fiber.Ctx) error {
	id := param(c, "value")
	action := strings.ToLower(param(c, "value2"))
	if id == "" || action == "" {
		return s.sabError(c, "priority requires value and value2")
	}

	var err error
	switch action {
	case "top":
		err = s.db.Queue.MoveToTop(id)
	case "bottom":
		err = s.db.Queue.MoveToBottom(id)
	case "force", "high", "normal", "low", "2", "1", "0", "-1":
		err = s.db.Queue.SetPriority(id, parseSabPriority(action))
	default:
		return s.sabError(c, fmt.Sprintf("unknown priority action %q", action))
	}
	if err != nil {
		return s.sabError(c, err.Error())
	}

	s.bus.Publish(events.Event{Type: events.QueuePriorityChanged, JobID: id})
	s.importer.Wake()
	return c.JSON(SabResponse{Status: true, NzoIDs: []string{id}})
}

func (s *Server) setQueuePaused(c *fiber.Ctx, paused bool) error {
	ids, err := s.queueIDs(param(c, "value"))
	if err != nil {
		return s.sabError(c, err.Error())
	}

	for _, id := range ids {
		var err error
		if paused {
			err = s.db.Queue.Pause(id, database.PauseForever)
		} else {
			err = s.db.Queue.Resume(id)
		}
		if err != nil {
			return s.sabError(c, err.Error())
		}
	}
	if !paused {
		s.importer.Wake()
	}
	return c.JSON(SabResponse{Status: true, NzoIDs: ids})
}

// queueIDs expands the value parameter: a comma-separated id list or "all".
func (s *Server) queueIDs(value string) ([]string, error) {
	if value == "" {
		return nil, errors.New("missing value parameter")
	}
	if value != "all" {
		return splitIDs(value), nil
	}

	items, err := s.db.Queue.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// handleSabHistory serves the listing and the delete mutation.
func (s *Server) handleSabHistory(c *fiber.Ctx) error {
	switch param(c, "name") {
	case "delete":
		return s.handleSabHistoryDelete(c)
	case "":
		return s.handleSabHistoryList(c)
	default:
		return s.sabError(c, fmt.Sprintf("not implemented history name=%s", param(c, "name")))
	}
}

func (s *Server) handleSabHistoryList(c *fiber.Ctx) error {
	start := c.QueryInt("start", 0)
	limit := c.QueryInt("limit", 0)

	items, err := s.db.History.List(database.HistoryQuery{
		ShowArchived: param(c, "show_archived") == "1",
		FailedOnly:   param(c, "failed_only") == "1",
		Category:     historyCategory(param(c, "category")),
		Search:       param(c, "search"),
		Start:        start,
		Limit:        limit,
	})
	if err != nil {
		return s.sabError(c, err.Error())
	}

	slots := make([]SabHistorySlot, 0, len(items))
	for i, item := range items {
		slots = append(slots, historySlot(start+i, item))
	}

	return c.JSON(SabHistoryResponse{History: SabHistory{
		Version:   sabVersion,
		NoOfSlots: len(slots),
		Start:     start,
		Limit:     limit,
		Slots:     slots,
	}})
}

// handleSabHistoryDelete deletes or archives history rows. Automation
// clients archive instead of deleting so a misfired cleanup stays
// recoverable for the retention window, and they always get a success
// answer: failing their call would only make them retry forever.
func (s *Server) handleSabHistoryDelete(c *fiber.Ctx) error {
	value := param(c, "value")
	if value == "" {
		return s.sabError(c, "missing value parameter")
	}

	automation := isAutomationClient(c.Get(fiber.HeaderUserAgent))
	delFiles := param(c, "del_files") == "1"

	ids := splitIDs(value)
	if value == "all" {
		items, err := s.db.History.List(database.HistoryQuery{ShowArchived: true})
		if err != nil {
			return s.sabError(c, err.Error())
		}
		ids = ids[:0]
		for _, item := range items {
			ids = append(ids, item.ID)
		}
	}

	var done []string
	for _, id := range ids {
		if err := s.removeHistoryItem(id, automation, delFiles); err != nil {
			if errors.Is(err, database.ErrHistoryItemNotFound) {
				continue
			}
			s.log.Warn("History delete failed", "id", id, "automation", automation, "err", err)
			if !automation {
				return s.sabError(c, err.Error())
			}
			continue
		}
		done = append(done, id)
	}

	return c.JSON(SabResponse{Status: true, NzoIDs: done})
}

func (s *Server) removeHistoryItem(id string, archive, delFiles bool) error {
	item, err := s.db.History.Get(id)
	if err != nil {
		return err
	}

	if archive {
		if item.Archived {
			return nil
		}
		return s.db.History.Archive(id)
	}

	if err := s.db.History.Delete(id); err != nil {
		return err
	}
	if delFiles && item.StoragePath != nil {
		if err := s.db.Items.Delete(*item.StoragePath); err != nil && !errors.Is(err, database.ErrItemNotFound) {
			s.log.Warn("Failed to delete imported tree", "id", id, "path", *item.StoragePath, "err", err)
		}
	}
	s.bus.Publish(events.Event{Type: events.HistoryItemRemoved, JobID: id, JobName: item.Name})
	return nil
}

// handleSabRetry requeues a history item from its stored NZB contents.
func (s *Server) handleSabRetry(c *fiber.Ctx) error {
	id := param(c, "value")
	if id == "" {
		return s.sabError(c, "missing value parameter")
	}

	item, err := s.importer.Retry(id)
	if err != nil {
		return s.sabError(c, err.Error())
	}
	return c.JSON(SabResponse{Status: true, NzoIDs: []string{item.ID}})
}

func (s *Server) handleSabGetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config": fiber.Map{
			"misc": fiber.Map{
				"complete_dir":       s.basePath,
				"enable_tv_epnaming": 0,
				"history_retention":  "archive",
			},
			"categories": []fiber.Map{},
			"servers":    []fiber.Map{},
		},
	})
}

func (s *Server) handleSabStatus(c *fiber.Ctx) error {
	queued, err := s.db.Queue.List()
	if err != nil {
		return s.sabError(c, err.Error())
	}

	return c.JSON(fiber.Map{
		"status": fiber.Map{
			"version":         sabVersion,
			"uptime":          time.Since(s.startTime).Round(time.Second).String(),
			"color":           "green",
			"paused":          false,
			"active_download": len(queued) > 0,
		},
	})
}

// sabError answers in the SAB envelope; the HTTP status stays 200 because
// SAB clients only look at the body.
func (s *Server) sabError(c *fiber.Ctx, message string) error {
	return c.JSON(SabResponse{Status: false, Error: &message})
}

// param reads a parameter from the query string or the form body; SAB
// clients use both interchangeably.
func param(c *fiber.Ctx, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.FormValue(name)
}

func splitIDs(value string) []string {
	var ids []string
	for _, id := range strings.Split(value, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// historyCategory maps SAB's "*" wildcard to no filter.
func historyCategory(cat string) string {
	if cat == "*" {
		return ""
	}
	return cat
}

// isAutomationClient recognizes the user agents that must never see a
// destructive delete succeed immediately.
func isAutomationClient(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	return strings.Contains(ua, "sonarr") || strings.Contains(ua, "radarr") ||
		strings.Contains(ua, "lidarr") || strings.Contains(ua, "prowlarr")
}

func paginate(items []*database.QueueItem, start, limit int) []*database.QueueItem {
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
