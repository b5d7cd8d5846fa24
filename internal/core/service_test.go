package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"genesync/internal/assets"
	"genesync/internal/blob"
	"genesync/pkg/domain"
)

func TestRunCycleSkipsGenesWhosePagesFail(t *testing.T) {
	h := newHarness(t)
	genes := h.addGenes(10)
	for i, g := range genes {
		if i%2 == 0 {
			h.src.failures[g.ExternalID] = errFetch
			continue
		}
		h.src.setPage(g.ExternalID, "name="+g.Name+"\nalias=extra")
	}

	report, err := h.service().RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, report.Genes)
	assert.Equal(t, 5, report.Outcomes[OutcomeApplied])
	assert.Equal(t, 5, report.Outcomes[OutcomeSkipped])
	assert.Equal(t, 10, report.StoreOperations)
	assert.NotEmpty(t, report.ID)
	for i, g := range genes {
		if i%2 == 0 {
			assert.Empty(t, h.aliasesOf(g.ID), g.ExternalID)
			continue
		}
		assert.ElementsMatch(t, []string{g.Name, "extra"}, h.aliasesOf(g.ID), g.ExternalID)
	}
	for _, res := range report.Results {
		if res.Outcome == OutcomeSkipped {
			assert.ErrorIs(t, res.Err, errFetch)
		}
	}
}

func TestRunCycleNeverExceedsConcurrencyCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	for _, g := range h.addGenes(40) {
		h.src.setPage(g.ExternalID, "alias=x")
	}
	h.src.delay = 5 * time.Millisecond

	report, err := h.service(WithConcurrency(3)).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(40), h.src.fetches.Load())
	assert.LessOrEqual(t, h.src.maxInFlight.Load(), int32(3))
	assert.Equal(t, 40, report.Outcomes[OutcomeApplied])
}

func TestRunCycleJoinsStoreErrorsAndContinues(t *testing.T) {
	h := newHarness(t)
	genes := h.addGenes(3)
	for _, g := range genes {
		h.src.setPage(g.ExternalID, "alias=new")
	}
	errBoom := errors.New("disk full")
	h.store.FailApply(genes[1].ID, errBoom)

	report, err := h.service().RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), genes[1].ExternalID)
	assert.Equal(t, 1, report.Outcomes[OutcomeFailed])
	assert.Equal(t, 2, report.Outcomes[OutcomeApplied])
	assert.Equal(t, []string{"new"}, h.aliasesOf(genes[0].ID))
	assert.Empty(t, h.aliasesOf(genes[1].ID))
	assert.Equal(t, []string{"new"}, h.aliasesOf(genes[2].ID))
	assert.Equal(t, 1, h.metrics.failures)
}

func TestRunCycleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	g := h.addGenes(1)[0]
	h.src.setPage(g.ExternalID, "name=dpp\nalias=TGF-beta\nisoform=dpp-RA|FBtr0001|NM_1\nisoform=dpp-RB|FBtr0002|")

	svc := h.service()
	first, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Outcomes[OutcomeApplied])
	assert.Equal(t, 4, first.StoreOperations)

	second, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Outcomes[OutcomeUnchanged])
	assert.Zero(t, second.StoreOperations)
	assert.NotEqual(t, first.ID, second.ID)

	snap := h.store.ExportState()
	assert.Len(t, snap.Aliases, 2)
	assert.Len(t, snap.Isoforms, 2)
}

func TestRunCycleConvergesIsoformChanges(t *testing.T) {
	h := newHarness(t)
	g := h.addGenes(1)[0]
	svc := h.service()

	h.src.setPage(g.ExternalID, "isoform=RA|F1|R1\nisoform=RB|F2|R2")
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	h.src.setPage(g.ExternalID, "isoform=RB|F2|R9\nisoform=RC|F3|")
	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.StoreOperations)

	got := map[string]domain.Isoform{}
	for _, iso := range h.store.ExportState().Isoforms {
		got[iso.Name] = iso
	}
	require.Len(t, got, 2)
	assert.Equal(t, "R9", got["RB"].ExternalSecondaryID)
	assert.Equal(t, "F3", got["RC"].ExternalIsoformID)

	h.src.setPage(g.ExternalID, "no-isoforms")
	_, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.store.ExportState().Isoforms)
}

func TestPartialPageNeverDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	g := h.addGenes(1)[0]
	svc := h.service()

	h.src.setPage(g.ExternalID, "name=dpp\nalias=shv\nisoform=RA|F1|\nisoform=RB|F2|")
	_, err := svc.RunCycle(ctx)
	require.NoError(t, err)

	roster, err := h.store.LoadRoster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)

	page := pageOf("name=dpp\nalias=TGF-beta\nisoform=RA|F1b|")
	page.Partial = true
	res := svc.ReconcileGene(ctx, roster[0], page)

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Empty(t, res.Plan.AliasIDsToDelete)
	assert.Empty(t, res.Plan.IsoformIDsToDelete)
	assert.ElementsMatch(t, []string{"dpp", "shv", "TGF-beta"}, h.aliasesOf(g.ID))
	assert.Len(t, h.store.ExportState().Isoforms, 2)
}

func TestAssetLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	g := h.addGenes(1)[0]
	svc := h.service()

	const first = "http://flybase.test/img/dpp.png"
	h.src.setPage(g.ExternalID, "name=dpp\nasset="+first)
	h.src.setSize(first, 7)
	h.dl.set(first, []byte("PNGDATA"))

	report, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AssetsSynced)
	assert.Equal(t, "dpp.png", h.gene(g.ID).AssetPath)
	info, err := h.blobs.Head(ctx, "dpp.png")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	report, err = svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeUnchanged])
	assert.Equal(t, 1, h.dl.calls)

	h.src.setSize(first, 9)
	h.dl.set(first, []byte("PNGDATA!!"))
	report, err = svc.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Outcomes[OutcomeApplied])
	require.NotNil(t, report.Results[0].Plan.Asset)
	assert.Equal(t, domain.AssetSizeMismatch, report.Results[0].Plan.Asset.Reason)
	info, err = h.blobs.Head(ctx, "dpp.png")
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)

	const second = "http://flybase.test/img/dpp-v2.png"
	h.src.setPage(g.ExternalID, "name=dpp\nasset="+second)
	h.src.setSize(second, 3)
	h.dl.set(second, []byte("abc"))
	report, err = svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.AssetRenamed, report.Results[0].Plan.Asset.Reason)
	assert.Equal(t, "dpp-v2.png", h.gene(g.ID).AssetPath)
	_, err = h.blobs.Head(ctx, "dpp.png")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestAssetMetadataFailureSkipsWholeGene(t *testing.T) {
	h := newHarness(t)
	g := h.addGenes(1)[0]
	h.src.setPage(g.ExternalID, "name=dpp\nalias=extra\nasset=http://flybase.test/img/dpp.png")
	h.src.sizeErr = errors.New("HEAD timed out")

	report, err := h.service().RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeSkipped])
	assert.Empty(t, h.aliasesOf(g.ID))
	assert.Zero(t, h.dl.calls)
}

func TestDownloadFailureIsSilentSkip(t *testing.T) {
	h := newHarness(t)
	genes := h.addGenes(2)
	h.src.setPage(genes[0].ExternalID, "name=dpp\nasset=http://flybase.test/img/dpp.png")
	h.src.setPage(genes[1].ExternalID, "asset=http://flybase.test/img/wg.png")
	h.src.setSize("http://flybase.test/img/dpp.png", 10)
	h.src.setSize("http://flybase.test/img/wg.png", 10)

	report, err := h.service().RunCycle(context.Background())
	require.NoError(t, err)

	byGene := map[int64]GeneResult{}
	for _, res := range report.Results {
		byGene[res.GeneID] = res
	}
	assert.Equal(t, OutcomeApplied, byGene[genes[0].ID].Outcome)
	assert.False(t, byGene[genes[0].ID].AssetSynced)
	assert.Equal(t, []string{"dpp"}, h.aliasesOf(genes[0].ID))

	assert.Equal(t, OutcomeSkipped, byGene[genes[1].ID].Outcome)
	assert.ErrorIs(t, byGene[genes[1].ID].Err, assets.ErrDownloadSkipped)

	assert.Empty(t, h.gene(genes[0].ID).AssetPath)
	assert.Empty(t, h.gene(genes[1].ID).AssetPath)
	assert.Zero(t, report.AssetsSynced)
}

func TestReconcileGeneUnchanged(t *testing.T) {
	h := newHarness(t)
	g := h.addGenes(1)[0]
	svc := h.service()
	roster, err := h.store.LoadRoster(context.Background())
	require.NoError(t, err)
	require.Len(t, roster, 1)

	res := svc.ReconcileGene(context.Background(), roster[0], pageOf(""))
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.True(t, res.Plan.Empty())
	assert.Equal(t, g.ExternalID, res.ExternalID)
}

func TestGenePanicIsContained(t *testing.T) {
	h := newHarness(t)
	genes := h.addGenes(2)
	h.src.setPage(genes[0].ExternalID, "panic")
	h.src.setPage(genes[1].ExternalID, "alias=ok")

	report, err := h.service().RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenePanic)
	assert.Equal(t, 1, report.Outcomes[OutcomeFailed])
	assert.Equal(t, 1, report.Outcomes[OutcomeApplied])
	assert.Equal(t, []string{"ok"}, h.aliasesOf(genes[1].ID))
}

type rosterFailure struct {
	domain.CatalogStore
	err error
}

func (r rosterFailure) LoadRoster(context.Context) ([]domain.GeneRecord, error) {
	return nil, r.err
}

func TestRunCycleRosterFailure(t *testing.T) {
	h := newHarness(t)
	h.addGenes(2)
	errDown := errors.New("database unreachable")
	svc := NewService(rosterFailure{CatalogStore: h.store, err: errDown}, h.src, lineExtractor{}, nil, WithMetrics(h.metrics))

	_, err := svc.RunCycle(context.Background())
	require.ErrorIs(t, err, errDown)
	assert.Zero(t, h.src.fetches.Load())
	assert.Equal(t, 1, h.metrics.failures)
}

func TestRunCycleStopsLaunchingWhenCancelled(t *testing.T) {
	h := newHarness(t)
	h.addGenes(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.service().RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.src.fetches.Load())
	assert.Equal(t, 5, report.Outcomes[OutcomeSkipped])
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	for _, g := range h.addGenes(3) {
		h.src.setPage(g.ExternalID, "alias=x")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.metrics.onCycle = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.service(WithInterval(time.Millisecond)).Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 3, h.metrics.cycleCount())
	assert.Equal(t, 3, h.metrics.genes[OutcomeApplied])
	assert.Equal(t, 6, h.metrics.genes[OutcomeUnchanged])
}

type panickyRoster struct {
	domain.CatalogStore
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (p *panickyRoster) LoadRoster(ctx context.Context) ([]domain.GeneRecord, error) {
	n := p.calls.Add(1)
	if n == 1 {
		panic("roster corrupted")
	}
	if n >= 3 {
		p.cancel()
	}
	return p.CatalogStore.LoadRoster(ctx)
}

func TestRunRecoversFromCyclePanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.addGenes(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &panickyRoster{CatalogStore: h.store, cancel: cancel}
	svc := NewService(store, h.src, lineExtractor{}, assets.NewSynchronizer(h.blobs, h.dl, nil), WithInterval(time.Millisecond))

	require.NoError(t, svc.Run(ctx))
	assert.GreaterOrEqual(t, store.calls.Load(), int32(3))
}
