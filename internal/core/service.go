// Package core runs the reconciliation engine: it schedules page fetches for
// every gene in the roster, turns each page into a plan, applies it and keeps
// the asset cache in step, cycle after cycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"genesync/internal/assets"
	"genesync/internal/reconcile"
	"genesync/internal/source"
	"genesync/pkg/domain"
)

const (
	DefaultConcurrency = 20
	DefaultInterval    = 15 * time.Minute
)

// Service reconciles the local catalog against the external source.
type Service struct {
	store   domain.CatalogStore
	source  PageSource
	extract Extractor
	assets  AssetSyncer

	log         *zap.Logger
	metrics     MetricsRecorder
	concurrency int
	interval    time.Duration
	now         func() time.Time

	// applyMu serialises the per-gene pipeline; fetches run concurrently.
	applyMu sync.Mutex
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithConcurrency caps the number of page fetches in flight.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithInterval sets the pause between cycles of Run.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source used for cycle reports.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the engine around its collaborators.
func NewService(store domain.CatalogStore, src PageSource, ex Extractor, syncer AssetSyncer, opts ...Option) *Service {
	s := &Service{
		store:       store,
		source:      src,
		extract:     ex,
		assets:      syncer,
		log:         zap.NewNop(),
		metrics:     NoopMetrics{},
		concurrency: DefaultConcurrency,
		interval:    DefaultInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes cycles until ctx is cancelled. A failed or panicking cycle is
// logged and the loop carries on with the next one.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("reconciliation loop started",
		zap.Duration("interval", s.interval),
		zap.Int("concurrency", s.concurrency))
	for {
		_, _ = s.safeCycle(ctx)
		if !sleep(ctx, s.interval) {
			s.log.Info("reconciliation loop stopped")
			return nil
		}
	}
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) safeCycle(ctx context.Context) (report CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCyclePanic, r)
			s.log.Error("cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return s.RunCycle(ctx)
}

// RunCycle performs one pass over the roster. Genes whose page or asset
// cannot be fetched are skipped; store failures of one gene do not stop the
// others and are joined into the returned error.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		ID:       uuid.NewString(),
		Started:  s.now(),
		Outcomes: make(map[Outcome]int, len(Outcomes)),
	}
	log := s.log.With(zap.String("cycle", report.ID))

	roster, err := s.store.LoadRoster(ctx)
	if err != nil {
		report.Finished = s.now()
		err = fmt.Errorf("load roster: %w", err)
		log.Error("cycle aborted", zap.Error(err))
		s.metrics.ObserveCycle(report, err)
		return report, err
	}
	report.Genes = len(roster)
	log.Info("cycle started", zap.Int("genes", len(roster)))

	results := make([]GeneResult, len(roster))
	for i, rec := range roster {
		results[i] = GeneResult{GeneID: rec.ID, ExternalID: rec.ExternalID, Outcome: OutcomeSkipped}
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, rec := range roster {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = s.runGene(ctx, log, rec)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		report.Outcomes[res.Outcome]++
		report.StoreOperations += res.StoreOperations
		if res.AssetSynced {
			report.AssetsSynced++
		}
		if res.Outcome == OutcomeFailed {
			errs = append(errs, res.Err)
		}
		s.metrics.ObserveGene(res.Outcome, res.StoreOperations)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	report.Results = results
	report.Finished = s.now()
	cycleErr := errors.Join(errs...)

	fields := []zap.Field{
		zap.Int("genes", report.Genes),
		zap.Int("unchanged", report.Outcomes[OutcomeUnchanged]),
		zap.Int("applied", report.Outcomes[OutcomeApplied]),
		zap.Int("skipped", report.Outcomes[OutcomeSkipped]),
		zap.Int("failed", report.Outcomes[OutcomeFailed]),
		zap.Int("store_operations", report.StoreOperations),
		zap.Int("assets_synced", report.AssetsSynced),
		zap.Duration("elapsed", report.Duration()),
	}
	if cycleErr != nil {
		log.Error("cycle finished with errors", append(fields, zap.Error(cycleErr))...)
	} else {
		log.Info("cycle finished", fields...)
	}
	s.metrics.ObserveCycle(report, cycleErr)
	return report, cycleErr
}

// runGene fetches the page of rec and runs the serialised pipeline on it.
func (s *Service) runGene(ctx context.Context, log *zap.Logger, rec domain.GeneRecord) (res GeneResult) {
	log = log.With(zap.Int64("gene_id", rec.ID), zap.String("external_id", rec.ExternalID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("gene reconciliation panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = GeneResult{
				GeneID:     rec.ID,
				ExternalID: rec.ExternalID,
				Outcome:    OutcomeFailed,
				Err:        fmt.Errorf("gene %d (%s): %w: %v", rec.ID, rec.ExternalID, ErrGenePanic, r),
			}
		}
	}()

	page, err := s.source.FetchPage(ctx, rec.ExternalID)
	if err != nil {
		log.Warn("page fetch failed; skipping gene", zap.Error(err))
		return GeneResult{GeneID: rec.ID, ExternalID: rec.ExternalID, Outcome: OutcomeSkipped, Err: err}
	}
	if page.Partial {
		log.Debug("reconciling from partial page", zap.Int("bytes", len(page.Body)))
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.reconcileGene(ctx, log, rec, page)
}

// ReconcileGene runs extract, asset metadata, diff, apply and asset sync for
// one gene whose page has already been fetched.
func (s *Service) ReconcileGene(ctx context.Context, rec domain.GeneRecord, page source.Page) GeneResult {
	log := s.log.With(zap.Int64("gene_id", rec.ID), zap.String("external_id", rec.ExternalID))
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.reconcileGene(ctx, log, rec, page)
}

func (s *Service) reconcileGene(ctx context.Context, log *zap.Logger, rec domain.GeneRecord, page source.Page) GeneResult {
	res := GeneResult{GeneID: rec.ID, ExternalID: rec.ExternalID}

	facts := s.extract.Extract(page.Body)
	if facts.Asset != nil {
		size, err := s.source.AssetSize(ctx, facts.Asset.URL)
		if err != nil {
			log.Warn("asset metadata unavailable; skipping gene",
				zap.String("asset_url", facts.Asset.URL), zap.Error(err))
			res.Outcome = OutcomeSkipped
			res.Err = err
			return res
		}
		facts.Asset.RemoteSize = size
	}

	plan := reconcile.Diff(facts, rec)
	if page.Partial {
		// Sections cut off by the truncation would read as removals.
		plan = plan.WithoutDeletes()
	}
	plan.Asset = reconcile.DecideAsset(facts.Asset, rec.AssetPath, s.assets.LocalSize(ctx, rec.AssetPath))
	res.Plan = plan
	if plan.Empty() {
		res.Outcome = OutcomeUnchanged
		return res
	}

	if n := plan.StoreOperations(); n > 0 {
		if err := s.store.ApplyPlan(ctx, rec.ID, plan); err != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("gene %d (%s): apply plan: %w", rec.ID, rec.ExternalID, err)
			log.Error("plan rejected", zap.Int("store_operations", n), zap.Error(err))
			return res
		}
		res.StoreOperations = n
	}
	res.Outcome = OutcomeApplied

	if plan.Asset != nil {
		s.syncAsset(ctx, log, rec, *plan.Asset, &res)
	}
	if res.Outcome == OutcomeApplied {
		log.Info("gene reconciled",
			zap.Int("aliases_added", len(plan.AliasesToInsert)),
			zap.Int("aliases_removed", len(plan.AliasIDsToDelete)),
			zap.Int("isoforms_added", len(plan.IsoformsToInsert)),
			zap.Int("isoforms_removed", len(plan.IsoformIDsToDelete)),
			zap.Int("isoforms_updated", len(plan.IsoformsToUpdate)),
			zap.Bool("asset_synced", res.AssetSynced))
	}
	return res
}

// syncAsset downloads the planned asset and records its key. A skipped
// download downgrades an asset-only plan to skipped.
func (s *Service) syncAsset(ctx context.Context, log *zap.Logger, rec domain.GeneRecord, action domain.AssetSyncAction, res *GeneResult) {
	err := s.assets.Apply(ctx, action)
	switch {
	case errors.Is(err, assets.ErrDownloadSkipped):
		log.Debug("asset download skipped", zap.String("asset_url", action.SourceURL), zap.Error(err))
		if res.StoreOperations == 0 {
			res.Outcome = OutcomeSkipped
			res.Err = err
		}
		return
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("gene %d (%s): sync asset: %w", rec.ID, rec.ExternalID, err)
		log.Error("asset sync failed", zap.String("target", action.TargetPath), zap.Error(err))
		return
	}
	if err := s.store.SetAssetPath(ctx, rec.ID, action.TargetPath); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("gene %d (%s): record asset path: %w", rec.ID, rec.ExternalID, err)
		log.Error("asset path not recorded", zap.String("target", action.TargetPath), zap.Error(err))
		return
	}
	res.AssetSynced = true
}
