// Package domain defines the catalog entities, extracted source facts and
// reconciliation plans shared by the genesync engine and its storage backends.
package domain

import (
	"errors"
	"fmt"
	"sort"
)

// EntityType identifies the type of record stored in the catalog.
type EntityType string

// Supported entity type identifiers used in errors, metrics and storage tables.
const (
	// EntityGene identifies a gene record tracked against the external source.
	EntityGene EntityType = "gene"
	// EntityAlias identifies a gene name alias.
	EntityAlias EntityType = "alias"
	// EntityIsoform identifies a transcript isoform of a gene.
	EntityIsoform EntityType = "isoform"
)

// ErrNotFound reports a missing record.
type ErrNotFound struct {
	Entity EntityType
	ID     int64
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// Gene is a locally tracked gene. Only the plan applier mutates it; roster
// management (creation, deletion) happens outside the engine.
type Gene struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ExternalID  string `json:"external_id"`
	SecondaryID string `json:"secondary_id"`
	// AssetPath is the key of the cached isoform diagram, empty when none is cached.
	AssetPath string `json:"asset_path"`
}

// Alias is one alternative name of a gene. Names are unique per gene.
type Alias struct {
	ID     int64  `json:"id"`
	GeneID int64  `json:"gene_id"`
	Name   string `json:"name"`
}

// Isoform is a transcript of a gene. Names are unique per gene.
type Isoform struct {
	ID                  int64  `json:"id"`
	GeneID              int64  `json:"gene_id"`
	Name                string `json:"name"`
	ExternalIsoformID   string `json:"external_isoform_id"`
	ExternalSecondaryID string `json:"external_secondary_id"`
}

// Facts returns the comparable portion of the isoform.
func (i Isoform) Facts() IsoformFacts {
	return IsoformFacts{
		Name:                i.Name,
		ExternalIsoformID:   i.ExternalIsoformID,
		ExternalSecondaryID: i.ExternalSecondaryID,
	}
}

// SameFacts reports whether the stored isoform already carries the external
// identifiers described by f. Names are assumed to match.
func (i Isoform) SameFacts(f IsoformFacts) bool {
	return i.ExternalIsoformID == f.ExternalIsoformID && i.ExternalSecondaryID == f.ExternalSecondaryID
}

// GeneRecord is a gene together with its persisted aliases and isoforms, keyed by name.
type GeneRecord struct {
	Gene
	Aliases  map[string]Alias   `json:"aliases"`
	Isoforms map[string]Isoform `json:"isoforms"`
}

// NewGeneRecord returns a record with initialised alias and isoform maps.
func NewGeneRecord(g Gene) GeneRecord {
	return GeneRecord{
		Gene:     g,
		Aliases:  make(map[string]Alias),
		Isoforms: make(map[string]Isoform),
	}
}

// AliasNames returns the alias names in ascending order.
func (r GeneRecord) AliasNames() []string {
	names := make([]string, 0, len(r.Aliases))
	for name := range r.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
