package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genesync/internal/assets"
	"genesync/internal/blob"
	"genesync/pkg/domain"
)

// failingRemover refuses to delete one key.
type failingRemover struct {
	AssetInventory
	deny string
}

func (f failingRemover) Remove(ctx context.Context, key string) (bool, error) {
	if key == f.deny {
		return false, errors.New("permission denied")
	}
	return f.AssetInventory.Remove(ctx, key)
}

func seedAuditStore(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	genes := h.addGenes(3)
	require.NoError(t, h.store.SetAssetPath(ctx, genes[0].ID, "dpp.png"))
	require.NoError(t, h.store.SetAssetPath(ctx, genes[1].ID, "wg.png"))
	h.store.AddGene(domain.Gene{Name: "unlinked", AssetPath: "unlinked.png"})
	for _, key := range []string{"dpp.png", "old.png", "stale.png", "unlinked.png"} {
		_, err := h.blobs.Put(ctx, key, strings.NewReader(key), blob.PutOptions{})
		require.NoError(t, err)
	}
}

func TestAuditAssetsReportsOrphansAndMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedAuditStore(t, h)
	inv := assets.NewSynchronizer(h.blobs, h.dl, nil)

	audit, err := AuditAssets(ctx, h.store, inv, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, audit.Stored)
	assert.Equal(t, 2, audit.Referenced)
	assert.Equal(t, []string{"old.png", "stale.png", "unlinked.png"}, audit.Orphans)
	require.Len(t, audit.Missing, 1)
	assert.Equal(t, "wg.png", audit.Missing[0].Key)
	assert.Zero(t, audit.Pruned)

	infos, err := h.blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, infos, 4, "a report-only audit deletes nothing")
}

func TestAuditAssetsPrune(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedAuditStore(t, h)
	inv := failingRemover{AssetInventory: assets.NewSynchronizer(h.blobs, h.dl, nil), deny: "old.png"}

	audit, err := AuditAssets(ctx, h.store, inv, true, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, 2, audit.Pruned)

	infos, err := h.blobs.List(ctx, "")
	require.NoError(t, err)
	var keys []string
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"dpp.png", "old.png"}, keys)
}

func TestAuditAssetsRosterFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Close())
	_, err := AuditAssets(context.Background(), h.store, assets.NewSynchronizer(h.blobs, h.dl, nil), false, nil)
	assert.ErrorContains(t, err, "load roster")
}
