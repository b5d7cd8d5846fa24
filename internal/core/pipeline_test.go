package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genesync/internal/assets"
	"genesync/internal/blob"
	"genesync/internal/extract"
	"genesync/internal/infra/persistence/memory"
	"genesync/internal/source"
	"genesync/pkg/domain"
)

const assetPath = "/tmp/gbrowse_img/dpp_isoforms_3a1f.png"

// newReportServer serves the dpp fixture page and its isoform diagram.
func newReportServer(t *testing.T, image []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	page, err := os.ReadFile(filepath.Join("..", "extract", "testdata", "FBgn0000490.html"))
	require.NoError(t, err)

	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/reports/FBgn0000490.html", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(page)
	})
	mux.HandleFunc(assetPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(image)))
		if r.Method == http.MethodHead {
			return
		}
		downloads.Add(1)
		_, _ = w.Write(image)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

func TestPipelineAgainstReportServer(t *testing.T) {
	ctx := context.Background()
	image := []byte("\x89PNG\r\n\x1a\nfake-diagram")
	srv, downloads := newReportServer(t, image)

	client, err := source.New(source.Config{Origin: srv.URL, Timeout: 5 * time.Second, HTTPClient: srv.Client()})
	require.NoError(t, err)
	ex, err := extract.New(client.Origin())
	require.NoError(t, err)
	blobs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	store := memory.NewStore()
	dpp := store.AddGene(domain.Gene{Name: "dpp", ExternalID: "FBgn0000490"})
	missing := store.AddGene(domain.Gene{Name: "ghost", ExternalID: "FBgn9999999"})
	store.AddGene(domain.Gene{Name: "unlinked"})
	seed := domain.ReconciliationPlan{
		AliasesToInsert:  []string{"dpp", "old-alias"},
		IsoformsToInsert: []domain.IsoformFacts{{Name: "dpp-RA", ExternalIsoformID: "FBtr0077788"}, {Name: "dpp-RC", ExternalIsoformID: "FBtr0000003"}},
	}
	require.NoError(t, store.ApplyPlan(ctx, dpp.ID, seed))

	svc := NewService(store, client, ex, assets.NewSynchronizer(blobs, client, nil), WithConcurrency(2))

	report, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Genes)
	assert.Equal(t, 1, report.Outcomes[OutcomeApplied])
	assert.Equal(t, 1, report.Outcomes[OutcomeSkipped])
	assert.Equal(t, 1, report.AssetsSynced)

	roster, err := store.LoadRoster(ctx)
	require.NoError(t, err)
	var rec domain.GeneRecord
	for _, r := range roster {
		if r.ID == dpp.ID {
			rec = r
		}
	}
	assert.Equal(t, []string{"BMP2/4", "DPP", "Hin-d", "dpp", "shv"}, rec.AliasNames())

	var isoforms []domain.IsoformFacts
	for _, iso := range rec.Isoforms {
		isoforms = append(isoforms, iso.Facts())
	}
	sort.Slice(isoforms, func(i, j int) bool { return isoforms[i].Name < isoforms[j].Name })
	want := []domain.IsoformFacts{
		{Name: "dpp-RA", ExternalIsoformID: "FBtr0077788", ExternalSecondaryID: "NM_057963"},
		{Name: "dpp-RB", ExternalIsoformID: "FBtr0077790", ExternalSecondaryID: "NM_057964"},
	}
	if diff := cmp.Diff(want, isoforms); diff != "" {
		t.Fatalf("isoforms mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "dpp_isoforms_3a1f.png", rec.AssetPath)
	info, err := blobs.Head(ctx, rec.AssetPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(image)), info.Size)
	assert.Equal(t, int32(1), downloads.Load())

	for _, res := range report.Results {
		if res.GeneID == missing.ID {
			assert.Equal(t, OutcomeSkipped, res.Outcome)
		}
	}

	again, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Outcomes[OutcomeUnchanged])
	assert.Equal(t, int32(1), downloads.Load())
}
