// Package memory provides an in-memory catalog store used by tests and
// dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"genesync/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.CatalogStore = (*Store)(nil)

// Snapshot is the full state of a memory store.
type Snapshot struct {
	Genes    []domain.Gene    `json:"genes"`
	Aliases  []domain.Alias   `json:"aliases"`
	Isoforms []domain.Isoform `json:"isoforms"`
}

// Store keeps the catalog in process memory. Writes are atomic per call.
type Store struct {
	mu       sync.RWMutex
	genes    map[int64]domain.Gene
	aliases  map[int64]domain.Alias
	isoforms map[int64]domain.Isoform
	nextID   int64

	applyErr map[int64]error
	closed   bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		genes:    make(map[int64]domain.Gene),
		aliases:  make(map[int64]domain.Alias),
		isoforms: make(map[int64]domain.Isoform),
		applyErr: make(map[int64]error),
	}
}

// AddGene registers a gene and returns it with its assigned id.
func (s *Store) AddGene(g domain.Gene) domain.Gene {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.newIDLocked()
	} else if g.ID > s.nextID {
		s.nextID = g.ID
	}
	s.genes[g.ID] = g
	return g
}

// FailApply makes ApplyPlan for geneID return err until cleared with nil.
func (s *Store) FailApply(geneID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.applyErr, geneID)
		return
	}
	s.applyErr[geneID] = err
}

func (s *Store) newIDLocked() int64 {
	s.nextID++
	return s.nextID
}

// LoadRoster returns every gene with its aliases and isoforms, ordered by id.
func (s *Store) LoadRoster(_ context.Context) ([]domain.GeneRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memory store closed")
	}
	ids := make([]int64, 0, len(s.genes))
	for id, g := range s.genes {
		if g.ExternalID != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	index := make(map[int64]int, len(ids))
	roster := make([]domain.GeneRecord, 0, len(ids))
	for _, id := range ids {
		index[id] = len(roster)
		roster = append(roster, domain.NewGeneRecord(s.genes[id]))
	}
	for _, a := range s.aliases {
		if i, ok := index[a.GeneID]; ok {
			roster[i].Aliases[a.Name] = a
		}
	}
	for _, iso := range s.isoforms {
		if i, ok := index[iso.GeneID]; ok {
			roster[i].Isoforms[iso.Name] = iso
		}
	}
	return roster, nil
}

// ApplyPlan applies plan to geneID atomically. Inserts colliding with an
// existing (gene, name) pair are ignored.
func (s *Store) ApplyPlan(_ context.Context, geneID int64, plan domain.ReconciliationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	if err := s.applyErr[geneID]; err != nil {
		return err
	}
	if plan.StoreOperations() == 0 {
		return nil
	}
	if _, ok := s.genes[geneID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityGene, ID: geneID}
	}
	for _, id := range plan.AliasIDsToDelete {
		if a, ok := s.aliases[id]; ok && a.GeneID == geneID {
			delete(s.aliases, id)
		}
	}
	for _, id := range plan.IsoformIDsToDelete {
		if iso, ok := s.isoforms[id]; ok && iso.GeneID == geneID {
			delete(s.isoforms, id)
		}
	}
	for _, name := range plan.AliasesToInsert {
		if s.hasAliasLocked(geneID, name) {
			continue
		}
		id := s.newIDLocked()
		s.aliases[id] = domain.Alias{ID: id, GeneID: geneID, Name: name}
	}
	for _, f := range plan.IsoformsToInsert {
		if s.hasIsoformLocked(geneID, f.Name) {
			continue
		}
		id := s.newIDLocked()
		s.isoforms[id] = domain.Isoform{ID: id, GeneID: geneID, Name: f.Name, ExternalIsoformID: f.ExternalIsoformID, ExternalSecondaryID: f.ExternalSecondaryID}
	}
	for _, u := range plan.IsoformsToUpdate {
		iso, ok := s.isoforms[u.ID]
		if !ok || iso.GeneID != geneID {
			continue
		}
		iso.ExternalIsoformID = u.Facts.ExternalIsoformID
		iso.ExternalSecondaryID = u.Facts.ExternalSecondaryID
		s.isoforms[u.ID] = iso
	}
	return nil
}

func (s *Store) hasAliasLocked(geneID int64, name string) bool {
	for _, a := range s.aliases {
		if a.GeneID == geneID && a.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) hasIsoformLocked(geneID int64, name string) bool {
	for _, iso := range s.isoforms {
		if iso.GeneID == geneID && iso.Name == name {
			return true
		}
	}
	return false
}

// SetAssetPath records the cached asset key of a gene.
func (s *Store) SetAssetPath(_ context.Context, geneID int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	g, ok := s.genes[geneID]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityGene, ID: geneID}
	}
	g.AssetPath = path
	s.genes[geneID] = g
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ExportState returns a copy of the store contents ordered by id.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snap Snapshot
	for _, g := range s.genes {
		snap.Genes = append(snap.Genes, g)
	}
	for _, a := range s.aliases {
		snap.Aliases = append(snap.Aliases, a)
	}
	for _, iso := range s.isoforms {
		snap.Isoforms = append(snap.Isoforms, iso)
	}
	sort.Slice(snap.Genes, func(i, j int) bool { return snap.Genes[i].ID < snap.Genes[j].ID })
	sort.Slice(snap.Aliases, func(i, j int) bool { return snap.Aliases[i].ID < snap.Aliases[j].ID })
	sort.Slice(snap.Isoforms, func(i, j int) bool { return snap.Isoforms[i].ID < snap.Isoforms[j].ID })
	return snap
}

// ImportState replaces the store contents with snap.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genes = make(map[int64]domain.Gene, len(snap.Genes))
	s.aliases = make(map[int64]domain.Alias, len(snap.Aliases))
	s.isoforms = make(map[int64]domain.Isoform, len(snap.Isoforms))
	s.nextID = 0
	track := func(id int64) {
		if id > s.nextID {
			s.nextID = id
		}
	}
	for _, g := range snap.Genes {
		s.genes[g.ID] = g
		track(g.ID)
	}
	for _, a := range snap.Aliases {
		s.aliases[a.ID] = a
		track(a.ID)
	}
	for _, iso := range snap.Isoforms {
		s.isoforms[iso.ID] = iso
		track(iso.ID)
	}
}

// ReadSnapshot decodes a JSON snapshot as written by ExportState.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
