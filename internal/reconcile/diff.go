// Package reconcile computes reconciliation plans. It performs no I/O: the
// caller supplies extracted facts, the persisted record and, for assets, the
// size of the locally cached file.
package reconcile

import (
	"sort"

	"genesync/pkg/domain"
)

// Diff returns the plan converging record to facts. Fields that facts make no
// claim about (nil alias set, nil isoform map) produce no operations. Without
// a parsed name the alias set is incomplete, so aliases are only added. The
// asset action is decided separately by DecideAsset.
func Diff(facts domain.ExtractedFacts, record domain.GeneRecord) domain.ReconciliationPlan {
	var plan domain.ReconciliationPlan
	if facts.Aliases != nil {
		plan.AliasesToInsert, plan.AliasIDsToDelete = diffAliases(facts.Aliases, record.Aliases)
		if facts.Name == nil {
			plan.AliasIDsToDelete = nil
		}
	}
	if facts.Isoforms != nil {
		plan.IsoformsToInsert, plan.IsoformIDsToDelete, plan.IsoformsToUpdate = diffIsoforms(facts.Isoforms, record.Isoforms)
	}
	return plan
}

func diffAliases(want map[string]struct{}, have map[string]domain.Alias) ([]string, []int64) {
	var inserts []string
	for name := range want {
		if _, ok := have[name]; !ok {
			inserts = append(inserts, name)
		}
	}
	var deletes []int64
	for name, alias := range have {
		if _, ok := want[name]; !ok {
			deletes = append(deletes, alias.ID)
		}
	}
	sort.Strings(inserts)
	sortIDs(deletes)
	return inserts, deletes
}

func diffIsoforms(want map[string]domain.IsoformFacts, have map[string]domain.Isoform) ([]domain.IsoformFacts, []int64, []domain.IsoformUpdate) {
	var (
		inserts []domain.IsoformFacts
		deletes []int64
		updates []domain.IsoformUpdate
	)
	for name, facts := range want {
		stored, ok := have[name]
		switch {
		case !ok:
			inserts = append(inserts, facts)
		case !stored.SameFacts(facts):
			updates = append(updates, domain.IsoformUpdate{ID: stored.ID, Facts: facts})
		}
	}
	for name, stored := range have {
		if _, ok := want[name]; !ok {
			deletes = append(deletes, stored.ID)
		}
	}
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].Name < inserts[j].Name })
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })
	sortIDs(deletes)
	return inserts, deletes, updates
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
