package domain

import "context"

// CatalogStore is the persistence boundary of the reconciliation engine.
// Implementations must keep alias and isoform names unique per gene and treat
// duplicate inserts as no-ops.
type CatalogStore interface {
	// LoadRoster returns every gene with a non-empty external id together with
	// its aliases and isoforms, using one bulk read per kind.
	LoadRoster(ctx context.Context) ([]GeneRecord, error)
	// ApplyPlan applies the alias and isoform portion of plan to one gene.
	// The asset action is not interpreted here.
	ApplyPlan(ctx context.Context, geneID int64, plan ReconciliationPlan) error
	// SetAssetPath records the cached asset key of a gene.
	SetAssetPath(ctx context.Context, geneID int64, path string) error
	Close() error
}
