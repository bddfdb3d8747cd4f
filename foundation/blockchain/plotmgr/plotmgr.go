// Package plotmgr manages a miner's fleet of sealed plot files: the
// on-disk registry (persisted as JSON, one entry per plot), opening
// and closing plot handles, and fanning a single challenge out across
// every registered plot to find the fleet's best proof. It is the one
// place a miner touches package plot and package proof together.
package plotmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// EventKind discriminates a Manager event.
type EventKind string

// Recognized manager event kinds.
const (
	EventPlotAdded   EventKind = "plot_added"
	EventPlotRemoved EventKind = "plot_removed"
)

// Event is delivered on the Manager's event channel whenever the
// registry changes.
type Event struct {
	Kind   EventKind
	PlotID string
	Path   string
}

// Status is a registered plot's last-known health.
type Status string

// Recognized plot statuses.
const (
	StatusValid   Status = "valid"
	StatusMissing Status = "missing"
	StatusCorrupt Status = "corrupt"
)

// Entry is a single registered plot's metadata, persisted to the
// registry file and kept in memory alongside its (possibly nil, if
// not currently open) handle.
type Entry struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	SizeBytes  int64  `json:"size_bytes"`
	LeafCount  uint64 `json:"leaf_count"`
	MerkleRoot string `json:"merkle_root"`
	CachePath  string `json:"cache_path,omitempty"`
	Status     Status `json:"status"`
	CreatedAt  int64  `json:"created_at"`
}

// registryFile is the JSON document persisted alongside the plots.
type registryFile struct {
	Entries []Entry `json:"entries"`
}

// Manager owns a set of registered plots and opens/closes their
// handles on demand. It is safe for concurrent use.
type Manager struct {
	mu           sync.RWMutex
	registryPath string
	entries      map[string]Entry
	handles      map[string]*plot.Handle
	events       chan Event
}

// Open loads (or creates) the registry file at registryPath and opens
// every plot it names, skipping (and logging via the returned warning
// slice) any plot that fails to open rather than aborting the whole
// fleet.
func Open(registryPath string) (*Manager, []error, error) {
	m := &Manager{
		registryPath: registryPath,
		entries:      make(map[string]Entry),
		handles:      make(map[string]*plot.Handle),
		events:       make(chan Event, 16),
	}

	data, err := os.ReadFile(registryPath)
	switch {
	case os.IsNotExist(err):
		return m, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("plotmgr: read registry: %w", err)
	}

	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, nil, fmt.Errorf("plotmgr: parse registry: %w", err)
	}

	var warnings []error
	dirty := false
	for _, e := range reg.Entries {
		h, err := plot.Open(e.Path)
		_, statErr := os.Stat(e.Path)
		switch {
		case err == nil:
			e.Status = StatusValid
			m.handles[e.ID] = h
		case os.IsNotExist(statErr):
			e.Status = StatusMissing
			dirty = true
			warnings = append(warnings, fmt.Errorf("plotmgr: plot %s missing at %s: %w", e.ID, e.Path, err))
		default:
			e.Status = StatusCorrupt
			dirty = true
			warnings = append(warnings, fmt.Errorf("plotmgr: open plot %s at %s: %w", e.ID, e.Path, err))
		}
		m.entries[e.ID] = e
	}

	if dirty {
		if err := m.persistLocked(); err != nil {
			return nil, nil, err
		}
	}

	return m, warnings, nil
}

// Events returns the channel plot registry changes are published on.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// AddPlot registers an already-sealed plot file at path, opening it
// and persisting the updated registry.
func (m *Manager) AddPlot(path string) (Entry, error) {
	h, err := plot.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("plotmgr: add plot: %w", err)
	}

	var cachePath string
	if _, err := os.Stat(path + ".cache"); err == nil {
		cachePath = path + ".cache"
	}

	entry := Entry{
		ID:         uuid.NewString(),
		Path:       path,
		SizeBytes:  int64(h.LeafCount()) * plot.LeafSize,
		LeafCount:  h.LeafCount(),
		MerkleRoot: h.MerkleRoot().String(),
		CachePath:  cachePath,
		Status:     StatusValid,
		CreatedAt:  h.Header().CreatedAtUnix,
	}

	m.mu.Lock()
	m.entries[entry.ID] = entry
	m.handles[entry.ID] = h
	err = m.persistLocked()
	m.mu.Unlock()

	if err != nil {
		return Entry{}, err
	}

	m.publish(Event{Kind: EventPlotAdded, PlotID: entry.ID, Path: path})
	return entry, nil
}

// DeletePlot closes and unregisters the plot with the given id. When
// deleteFile is false, the underlying plot file (and its companion
// cache file, if any) is left untouched on disk; this only removes it
// from the fleet this Manager scans. When deleteFile is true, the
// plot file and its cache file are also removed from disk.
func (m *Manager) DeletePlot(id string, deleteFile bool) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plotmgr: unknown plot id %s", id)
	}
	if h, ok := m.handles[id]; ok {
		_ = h.Close()
		delete(m.handles, id)
	}
	delete(m.entries, id)
	err := m.persistLocked()
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if deleteFile {
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("plotmgr: delete plot file %s: %w", entry.Path, err)
		}
		if entry.CachePath != "" {
			if err := os.Remove(entry.CachePath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("plotmgr: delete cache file %s: %w", entry.CachePath, err)
			}
		}
	}

	m.publish(Event{Kind: EventPlotRemoved, PlotID: id, Path: entry.Path})
	return nil
}

// List returns every registered plot entry.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of registered plots.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Manager) persistLocked() error {
	reg := registryFile{Entries: make([]Entry, 0, len(m.entries))}
	for _, e := range m.entries {
		reg.Entries = append(reg.Entries, e)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("plotmgr: marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.registryPath), 0o755); err != nil {
		return fmt.Errorf("plotmgr: create registry dir: %w", err)
	}

	tmp := m.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("plotmgr: write registry: %w", err)
	}
	if err := os.Rename(tmp, m.registryPath); err != nil {
		return fmt.Errorf("plotmgr: commit registry: %w", err)
	}
	return nil
}

// GenerateProof fans out across every registered plot with status
// Valid (Missing/Corrupt plots are skipped) for challenge, with
// maxConcurrentProofs bounding how many scans run at once, returning
// the single best proof across the fleet (or nil if none beat ctx's
// cancellation, or no Valid plot is registered).
func (m *Manager) GenerateProof(ctx context.Context, challenge signature.Hash32, strategyFor func(leafCount uint64) proof.Strategy, cfg proof.ScanningConfig, maxConcurrentProofs int) (*proof.Proof, error) {
	m.mu.RLock()
	sources := make([]proof.PlotSource, 0, len(m.handles))
	for id, h := range m.handles {
		if m.entries[id].Status != StatusValid {
			continue
		}
		sources = append(sources, proof.PlotSource{
			PlotID:   id,
			Handle:   h,
			Strategy: strategyFor(h.LeafCount()),
		})
	}
	m.mu.RUnlock()

	if len(sources) == 0 {
		return nil, nil
	}

	return proof.GenerateFromMultiplePlots(ctx, sources, challenge, cfg, maxConcurrentProofs)
}

// HandleFor returns the open handle for a registered plot id, used to
// build the BlockPlotMetadata a winning proof is embedded with.
func (m *Manager) HandleFor(id string) (*plot.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

// Close closes every open plot handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, h := range m.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.handles, id)
	}
	return firstErr
}
