package api

import (
	"fmt"
	"strings"

	"github.com/javi11/nzbvault/internal/database"
)

// sabVersion is the SABnzbd version the API reports. Automation clients
// gate features on it, so it should track a version they know.
const sabVersion = "4.3.2"

// SabResponse is the generic SABnzbd envelope for mutation calls.
type SabResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids,omitempty"`
	Error  *string  `json:"error,omitempty"`
}

// SabQueueResponse wraps the queue listing.
type SabQueueResponse struct {
	Queue SabQueue `json:"queue"`
}

// SabQueue is the queue body of a mode=queue call.
type SabQueue struct {
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	Paused         bool           `json:"paused"`
	NoOfSlots      int            `json:"noofslots"`
	NoOfSlotsTotal int            `json:"noofslots_total"`
	Start          int            `json:"start"`
	Limit          int            `json:"limit"`
	Speed          string         `json:"speed"`
	SizeLeft       string         `json:"sizeleft"`
	Slots          []SabQueueSlot `json:"slots"`
}

// SabQueueSlot is one queued job.
type SabQueueSlot struct {
	Index      int    `json:"index"`
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Cat        string `json:"cat"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	Mb         string `json:"mb"`
	MbLeft     string `json:"mbleft"`
	Size       string `json:"size"`
	SizeLeft   string `json:"sizeleft"`
	Percentage string `json:"percentage"`
	TimeLeft   string `json:"timeleft"`
	Eta        string `json:"eta"`
}

// SabHistoryResponse wraps the history listing.
type SabHistoryResponse struct {
	History SabHistory `json:"history"`
}

// SabHistory is the history body of a mode=history call.
type SabHistory struct {
	Version   string           `json:"version"`
	Paused    bool             `json:"paused"`
	NoOfSlots int              `json:"noofslots"`
	Start     int              `json:"start"`
	Limit     int              `json:"limit"`
	Slots     []SabHistorySlot `json:"slots"`
}

// SabHistorySlot is one finished job.
type SabHistorySlot struct {
	Index        int    `json:"index"`
	NzoID        string `json:"nzo_id"`
	Name         string `json:"name"`
	NzbName      string `json:"nzb_name"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	Bytes        int64  `json:"bytes"`
	Size         string `json:"size"`
	Storage      string `json:"storage"`
	Path         string `json:"path"`
	FailMessage  string `json:"fail_message"`
	DownloadTime int    `json:"download_time"`
	Completed    int64  `json:"completed"`
	Archived     bool   `json:"archived"`
	Retry        int    `json:"retry"`
}

// SabVersionResponse answers mode=version.
type SabVersionResponse struct {
	Version string `json:"version"`
}

// queueSlot maps a queue row to the SAB wire shape.
func queueSlot(index int, item *database.QueueItem) SabQueueSlot {
	mb := float64(item.TotalSize) / 1024 / 1024

	pct := 0
	if item.SegmentsTotal > 0 {
		pct = item.SegmentsDone * 100 / item.SegmentsTotal
	}
	mbLeft := mb * float64(100-pct) / 100

	return SabQueueSlot{
		Index:      index,
		NzoID:      item.ID,
		Filename:   item.Name,
		Cat:        sabCategory(item.Category),
		Priority:   sabPriorityName(item.Priority),
		Status:     sabQueueStatus(item),
		Mb:         fmt.Sprintf("%.2f", mb),
		MbLeft:     fmt.Sprintf("%.2f", mbLeft),
		Size:       sabSize(item.TotalSize),
		SizeLeft:   sabSize(int64(mbLeft * 1024 * 1024)),
		Percentage: fmt.Sprintf("%d", pct),
		TimeLeft:   "0:00:00",
		Eta:        "unknown",
	}
}

// historySlot maps a history row to the SAB wire shape.
func historySlot(index int, item *database.HistoryItem) SabHistorySlot {
	slot := SabHistorySlot{
		Index:        index,
		NzoID:        item.ID,
		Name:         item.Name,
		NzbName:      item.Name + ".nzb",
		Category:     sabCategory(item.Category),
		Status:       sabHistoryStatus(item.Status),
		Bytes:        item.TotalSize,
		Size:         sabSize(item.TotalSize),
		DownloadTime: item.DownloadTimeSeconds,
		Completed:    item.CompletedAt.Unix(),
		Archived:     item.Archived,
	}
	if item.StoragePath != nil {
		slot.Storage = *item.StoragePath
		slot.Path = *item.StoragePath
	}
	if item.ErrorMessage != nil {
		slot.FailMessage = *item.ErrorMessage
	}
	return slot
}

func sabCategory(cat string) string {
	if cat == "" {
		return "*"
	}
	return cat
}

func sabQueueStatus(item *database.QueueItem) string {
	switch {
	case item.IsPaused():
		return "Paused"
	case item.Status == database.QueueStatusQueued:
		return "Queued"
	default:
		return "Downloading"
	}
}

func sabHistoryStatus(status database.HistoryStatus) string {
	if status == database.HistoryStatusFailed {
		return "Failed"
	}
	return "Completed"
}

func sabSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// sabPriorityName renders our priority levels in SAB vocabulary.
func sabPriorityName(p database.QueuePriority) string {
	switch {
	case p >= database.QueuePriorityForce:
		return "Force"
	case p >= database.QueuePriorityHigh:
		return "High"
	case p <= database.QueuePriorityLow:
		return "Low"
	default:
		return "Normal"
	}
}

// parseSabPriority accepts both SAB's numeric priorities and our names.
func parseSabPriority(value string) database.QueuePriority {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "2", "force":
		return database.QueuePriorityForce
	case "1", "high":
		return database.QueuePriorityHigh
	case "-1", "low":
		return database.QueuePriorityLow
	default:
		return database.QueuePriorityNormal
	}
}
