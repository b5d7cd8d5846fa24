package domain

// AssetSyncReason explains why an asset replacement was scheduled.
type AssetSyncReason string

const (
	// AssetRenamed means the source now publishes a different file name.
	AssetRenamed AssetSyncReason = "renamed"
	// AssetSizeMismatch means the cached file size differs from the remote size.
	AssetSizeMismatch AssetSyncReason = "size_mismatch"
)

// AssetSyncAction replaces the cached asset of one gene.
type AssetSyncAction struct {
	SourceURL string `json:"source_url"`
	// TargetPath is the storage key the download is written to and later
	// recorded as the gene's asset path.
	TargetPath string `json:"target_path"`
	// RemovePath is the currently cached key to delete first; empty when the
	// gene has no cached asset.
	RemovePath string          `json:"remove_path,omitempty"`
	Reason     AssetSyncReason `json:"reason"`
}

// IsoformUpdate rewrites the external identifiers of a stored isoform.
type IsoformUpdate struct {
	ID    int64        `json:"id"`
	Facts IsoformFacts `json:"facts"`
}

// ReconciliationPlan is the minimal set of changes that converges one gene
// to its extracted facts.
type ReconciliationPlan struct {
	AliasesToInsert    []string         `json:"aliases_to_insert,omitempty"`
	AliasIDsToDelete   []int64          `json:"alias_ids_to_delete,omitempty"`
	IsoformsToInsert   []IsoformFacts   `json:"isoforms_to_insert,omitempty"`
	IsoformIDsToDelete []int64          `json:"isoform_ids_to_delete,omitempty"`
	IsoformsToUpdate   []IsoformUpdate  `json:"isoforms_to_update,omitempty"`
	Asset              *AssetSyncAction `json:"asset,omitempty"`
}

// StoreOperations counts the row-level alias and isoform changes in the plan.
func (p ReconciliationPlan) StoreOperations() int {
	return len(p.AliasesToInsert) + len(p.AliasIDsToDelete) +
		len(p.IsoformsToInsert) + len(p.IsoformIDsToDelete) + len(p.IsoformsToUpdate)
}

// Empty reports whether applying the plan would change nothing.
func (p ReconciliationPlan) Empty() bool {
	return p.StoreOperations() == 0 && p.Asset == nil
}

// WithoutDeletes returns a copy of p with alias and isoform deletes dropped.
// Inserts, updates and the asset action are kept.
func (p ReconciliationPlan) WithoutDeletes() ReconciliationPlan {
	p.AliasIDsToDelete = nil
	p.IsoformIDsToDelete = nil
	return p
}
