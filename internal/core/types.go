package core

import (
	"context"
	"errors"
	"time"

	"genesync/internal/assets"
	"genesync/internal/extract"
	"genesync/internal/source"
	"genesync/pkg/domain"
)

// Outcome classifies how one gene fared in a cycle.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged" // local state already matched the source
	OutcomeApplied   Outcome = "applied"   // plan written to the catalog
	OutcomeSkipped   Outcome = "skipped"   // fetch, asset metadata or download unavailable
	OutcomeFailed    Outcome = "failed"    // catalog or asset store rejected the change
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{OutcomeUnchanged, OutcomeApplied, OutcomeSkipped, OutcomeFailed}

// ErrGenePanic wraps a panic recovered while reconciling a single gene.
var ErrGenePanic = errors.New("gene reconciliation panicked")

// ErrCyclePanic wraps a panic recovered at the loop boundary.
var ErrCyclePanic = errors.New("reconciliation cycle panicked")

// PageSource fetches report pages and asset metadata from the external site.
type PageSource interface {
	FetchPage(ctx context.Context, externalID string) (source.Page, error)
	AssetSize(ctx context.Context, assetURL string) (int64, error)
}

// Extractor parses a report page body.
type Extractor interface {
	Extract(body []byte) domain.ExtractedFacts
}

// AssetSyncer inspects and updates the local asset cache.
type AssetSyncer interface {
	LocalSize(ctx context.Context, key string) int64
	Apply(ctx context.Context, action domain.AssetSyncAction) error
}

var (
	_ PageSource  = (*source.Client)(nil)
	_ Extractor   = (*extract.Extractor)(nil)
	_ AssetSyncer = (*assets.Synchronizer)(nil)
)

// GeneResult is the outcome of reconciling one gene.
type GeneResult struct {
	GeneID     int64
	ExternalID string
	Outcome    Outcome
	Plan       domain.ReconciliationPlan
	// StoreOperations counts the alias and isoform operations written.
	StoreOperations int
	AssetSynced     bool
	// Err explains a skipped or failed gene.
	Err error
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	ID              string
	Started         time.Time
	Finished        time.Time
	Genes           int
	Outcomes        map[Outcome]int
	StoreOperations int
	AssetsSynced    int
	Results         []GeneResult
}

// Duration returns the wall time of the cycle.
func (r CycleReport) Duration() time.Duration {
	if r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
