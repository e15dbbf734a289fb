package mesh

import (
	"log"
	"sort"
	"sync"
)

// StateTracker holds the entities reported by each source, the current run
// report and the highlight overrides used by the HTTP endpoints.
type StateTracker struct {
	mu           sync.RWMutex
	sources      map[string][]Entity
	report       *RunReport
	highlights   *Overrides
	snapshotPath string // path to the zstd result snapshot; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		sources:    make(map[string][]Entity),
		highlights: NewOverrides(false),
	}
}

// NewStateTrackerWithSnapshot creates a state tracker that persists every
// published report to snapshotPath. If the file exists, the stored report is
// loaded on creation so a result is available before the first run.
func NewStateTrackerWithSnapshot(snapshotPath string) *StateTracker {
	st := NewStateTracker()
	st.snapshotPath = snapshotPath
	if snapshotPath != "" {
		if rep, err := LoadSnapshot(snapshotPath); err == nil {
			st.report = rep
			log.Printf("[SNAPSHOT] restored run %d with %d clusters from %s",
				rep.Generation, rep.Result.Len(), snapshotPath)
		}
	}
	return st
}

// UpdateEntities replaces the entity set reported by a source
func (st *StateTracker) UpdateEntities(sourceID string, entities []Entity) {
	cp := make([]Entity, len(entities))
	copy(cp, entities)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.sources[sourceID] = cp
}

// ClearSource forgets a source's entities
func (st *StateTracker) ClearSource(sourceID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sources, sourceID)
}

// Sources returns the IDs of sources with entities, sorted
func (st *StateTracker) Sources() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sources))
	for id := range st.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllEntities merges every source's entities, ordered by source ID and then
// by report order. The first entity seen at a position wins.
func (st *StateTracker) AllEntities() []Entity {
	ids := st.Sources()

	st.mu.RLock()
	defer st.mu.RUnlock()

	var merged []Entity
	for _, id := range ids {
		merged = append(merged, st.sources[id]...)
	}
	return uniqueEntities(merged)
}

// SetReport makes report the current one and persists it when a snapshot
// path is configured.
func (st *StateTracker) SetReport(report *RunReport) {
	st.mu.Lock()
	st.report = report
	path := st.snapshotPath
	st.mu.Unlock()

	if path != "" {
		if err := SaveSnapshot(path, report); err != nil {
			log.Printf("[SNAPSHOT] warning: failed to save result snapshot: %v", err)
		}
	}
}

// GetReport returns the current run report, or nil before the first run
func (st *StateTracker) GetReport() *RunReport {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.report
}

// GetResult returns the current result, or nil before the first run
func (st *StateTracker) GetResult() *Result {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.report == nil {
		return nil
	}
	return st.report.Result
}

// HasResult returns true once a result has been published
func (st *StateTracker) HasResult() bool {
	return st.GetResult() != nil
}

// Highlights returns the highlight overrides
func (st *StateTracker) Highlights() *Overrides {
	return st.highlights
}
