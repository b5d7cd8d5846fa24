package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"genesync/internal/assets"
	"genesync/internal/blob"
	"genesync/pkg/domain"
)

// AssetInventory enumerates and removes cached assets.
type AssetInventory interface {
	Inventory(ctx context.Context) ([]blob.Info, error)
	Remove(ctx context.Context, key string) (bool, error)
}

var _ AssetInventory = (*assets.Synchronizer)(nil)

// MissingAsset is a roster gene whose recorded asset is not in the store.
type MissingAsset struct {
	GeneID     int64
	ExternalID string
	Key        string
}

// AssetAudit compares the asset store with the asset paths of the roster.
type AssetAudit struct {
	Stored     int
	Referenced int
	// Orphans are stored keys no roster gene points at, in key order.
	Orphans []string
	Missing []MissingAsset
	Pruned  int
}

// AuditAssets reports orphaned and missing assets. With prune set, orphans
// are deleted; a failed delete is joined into the returned error and the
// rest are still attempted. Only roster genes count as references.
func AuditAssets(ctx context.Context, store domain.CatalogStore, inv AssetInventory, prune bool, log *zap.Logger) (AssetAudit, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var audit AssetAudit
	roster, err := store.LoadRoster(ctx)
	if err != nil {
		return audit, fmt.Errorf("load roster: %w", err)
	}
	stored, err := inv.Inventory(ctx)
	if err != nil {
		return audit, err
	}
	audit.Stored = len(stored)

	present := make(map[string]struct{}, len(stored))
	for _, info := range stored {
		present[info.Key] = struct{}{}
	}
	referenced := make(map[string]struct{})
	for _, rec := range roster {
		if rec.AssetPath == "" {
			continue
		}
		referenced[rec.AssetPath] = struct{}{}
		if _, ok := present[rec.AssetPath]; !ok {
			audit.Missing = append(audit.Missing, MissingAsset{GeneID: rec.ID, ExternalID: rec.ExternalID, Key: rec.AssetPath})
		}
	}
	audit.Referenced = len(referenced)
	for key := range present {
		if _, ok := referenced[key]; !ok {
			audit.Orphans = append(audit.Orphans, key)
		}
	}
	sort.Strings(audit.Orphans)
	sort.Slice(audit.Missing, func(i, j int) bool { return audit.Missing[i].GeneID < audit.Missing[j].GeneID })

	var errs []error
	if prune {
		for _, key := range audit.Orphans {
			removed, err := inv.Remove(ctx, key)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if removed {
				audit.Pruned++
			}
		}
	}
	log.Info("asset audit",
		zap.Int("stored", audit.Stored),
		zap.Int("referenced", audit.Referenced),
		zap.Int("orphans", len(audit.Orphans)),
		zap.Int("missing", len(audit.Missing)),
		zap.Int("pruned", audit.Pruned))
	return audit, errors.Join(errs...)
}
