// Package inventory stores crowd-sourced inventory reports submitted by
// authenticated mod users. Reports are plain JSON files on disk, one per
// report, named by the report's id.
package inventory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Slot is a single inventory slot; Item is nil for empty slots.
type Slot struct {
	SlotIndex int     `json:"slot_index"`
	Item      *string `json:"item"`
}

// Inventory is the payload a client submits.
type Inventory struct {
	Title string `json:"title"`
	Slots []Slot `json:"slots"`
}

// Report is a stored inventory tagged with its reporter and submission time.
type Report struct {
	Inventory       Inventory `json:"inventory"`
	ReporterUUID    uuid.UUID `json:"reporter_uuid"`
	ReportTimestamp int64     `json:"report_timestamp"`
	ReportUUID      uuid.UUID `json:"report_uuid"`
}

// List wraps all stored reports for the listing endpoint.
type List struct {
	Entries []Report `json:"entries"`
}

// Store persists reports under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a report store rooted at dir. The directory is created
// lazily on the first save.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With("component", "inventory"),
	}
}

// Save tags the submitted inventory with the reporter and a fresh report id
// and writes it to disk.
func (s *Store) Save(inv Inventory, reporter uuid.UUID) (Report, error) {
	report := Report{
		Inventory:       inv,
		ReporterUUID:    reporter,
		ReportTimestamp: time.Now().UnixMilli(),
		ReportUUID:      uuid.New(),
	}

	data, err := json.Marshal(report)
	if err != nil {
		return Report{}, fmt.Errorf("encoding report: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Report{}, fmt.Errorf("creating report dir: %w", err)
	}

	path := filepath.Join(s.dir, report.ReportUUID.String()+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Report{}, fmt.Errorf("writing report: %w", err)
	}

	s.logger.Info("inventory report stored", "report", report.ReportUUID, "reporter", reporter)
	return report, nil
}

// List reads every stored report. A missing directory is an empty list,
// not an error; a single unreadable report fails the listing.
func (s *Store) List() (List, error) {
	list := List{Entries: []Report{}}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return List{}, fmt.Errorf("reading report dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return List{}, fmt.Errorf("reading report %s: %w", entry.Name(), err)
		}
		var report Report
		if err := json.Unmarshal(data, &report); err != nil {
			return List{}, fmt.Errorf("decoding report %s: %w", entry.Name(), err)
		}
		list.Entries = append(list.Entries, report)
	}

	return list, nil
}
