package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genesync/internal/assets"
	"genesync/internal/blob"
	"genesync/internal/infra/persistence/memory"
	"genesync/internal/source"
	"genesync/pkg/domain"
)

var errFetch = errors.New("connection refused")

// fakeSource serves canned page bodies and asset sizes and tracks how many
// fetches are in flight.
type fakeSource struct {
	mu       sync.Mutex
	pages    map[string]string
	failures map[string]error
	sizes    map[string]int64
	sizeErr  error
	delay    time.Duration

	fetches     atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:    make(map[string]string),
		failures: make(map[string]error),
		sizes:    make(map[string]int64),
	}
}

func (f *fakeSource) setPage(externalID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[externalID] = body
}

func (f *fakeSource) setSize(url string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes[url] = size
}

func (f *fakeSource) FetchPage(ctx context.Context, externalID string) (source.Page, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.fetches.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return source.Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[externalID]; err != nil {
		return source.Page{}, err
	}
	body, ok := f.pages[externalID]
	if !ok {
		return source.Page{}, &source.StatusError{URL: externalID, StatusCode: 404}
	}
	return source.Page{URL: externalID, Body: []byte(body)}, nil
}

func (f *fakeSource) AssetSize(_ context.Context, url string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	size, ok := f.sizes[url]
	if !ok {
		return 0, source.ErrUnknownSize
	}
	return size, nil
}

// lineExtractor reads a tiny line format instead of HTML:
//
//	name=<symbol>
//	alias=<alias>
//	isoform=<name>|<id>|<secondary>
//	asset=<url>
//	panic
type lineExtractor struct{}

func (lineExtractor) Extract(body []byte) domain.ExtractedFacts {
	var facts domain.ExtractedFacts
	for _, line := range strings.Split(string(body), "\n") {
		key, value, _ := strings.Cut(strings.TrimSpace(line), "=")
		switch key {
		case "name":
			name := value
			facts.Name = &name
			facts.AddAlias(name)
		case "alias":
			facts.AddAlias(value)
		case "isoform":
			parts := append(strings.Split(value, "|"), "", "")
			facts.PutIsoform(domain.IsoformFacts{Name: parts[0], ExternalIsoformID: parts[1], ExternalSecondaryID: parts[2]})
		case "no-isoforms":
			facts.Isoforms = map[string]domain.IsoformFacts{}
		case "asset":
			facts.Asset = &domain.AssetRef{URL: value}
		case "panic":
			panic("extractor exploded")
		}
	}
	return facts
}

// fakeDownloader returns canned asset bodies keyed by URL.
type fakeDownloader struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  int
}

func (d *fakeDownloader) set(url string, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bodies == nil {
		d.bodies = make(map[string][]byte)
	}
	d.bodies[url] = body
}

func (d *fakeDownloader) Download(_ context.Context, url string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	body, ok := d.bodies[url]
	if !ok {
		return nil, &source.StatusError{URL: url, StatusCode: 503}
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// countingMetrics records observations for assertions.
type countingMetrics struct {
	mu       sync.Mutex
	genes    map[Outcome]int
	cycles   int
	failures int
	onCycle  func(int)
}

func (m *countingMetrics) ObserveGene(outcome Outcome, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genes == nil {
		m.genes = make(map[Outcome]int)
	}
	m.genes[outcome]++
}

func (m *countingMetrics) ObserveCycle(_ CycleReport, err error) {
	m.mu.Lock()
	m.cycles++
	if err != nil {
		m.failures++
	}
	n, hook := m.cycles, m.onCycle
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func (m *countingMetrics) cycleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

func pageOf(body string) source.Page {
	return source.Page{URL: "test", Body: []byte(body)}
}

type harness struct {
	store   *memory.Store
	src     *fakeSource
	dl      *fakeDownloader
	blobs   blob.Store
	metrics *countingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:   memory.NewStore(),
		src:     newFakeSource(),
		dl:      &fakeDownloader{},
		blobs:   blob.NewMemory(),
		metrics: &countingMetrics{},
	}
}

func (h *harness) service(opts ...Option) *Service {
	syncer := assets.NewSynchronizer(h.blobs, h.dl, nil)
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	return NewService(h.store, h.src, lineExtractor{}, syncer, opts...)
}

// addGenes registers n genes FBgn0000001.. and returns them.
func (h *harness) addGenes(n int) []domain.Gene {
	out := make([]domain.Gene, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, h.store.AddGene(domain.Gene{
			Name:       fmt.Sprintf("g%d", i),
			ExternalID: fmt.Sprintf("FBgn%07d", i),
		}))
	}
	return out
}

func (h *harness) aliasesOf(geneID int64) []string {
	var out []string
	for _, a := range h.store.ExportState().Aliases {
		if a.GeneID == geneID {
			out = append(out, a.Name)
		}
	}
	return out
}

func (h *harness) gene(id int64) domain.Gene {
	for _, g := range h.store.ExportState().Genes {
		if g.ID == id {
			return g
		}
	}
	return domain.Gene{}
}
