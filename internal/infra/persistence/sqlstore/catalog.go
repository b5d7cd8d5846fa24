package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"genesync/pkg/domain"
)

// LoadRoster reads every gene with its aliases and isoforms in three bulk
// queries, ordered by gene id.
func (s *Store) LoadRoster(ctx context.Context) ([]domain.GeneRecord, error) {
	var roster []domain.GeneRecord
	err := s.withDB(ctx, "load roster", func(db *sql.DB) error {
		var err error
		roster, err = loadRoster(ctx, db)
		return err
	})
	if err != nil {
		return nil, err
	}
	return roster, nil
}

func loadRoster(ctx context.Context, db *sql.DB) ([]domain.GeneRecord, error) {
	var roster []domain.GeneRecord
	index := make(map[int64]int)

	rows, err := db.QueryContext(ctx, `SELECT id, name, external_id, secondary_id, asset_path FROM genes WHERE external_id IS NOT NULL AND external_id <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select genes: %w", err)
	}
	for rows.Next() {
		var g domain.Gene
		var external, secondary, asset sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &external, &secondary, &asset); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan gene: %w", err)
		}
		g.ExternalID, g.SecondaryID, g.AssetPath = external.String, secondary.String, asset.String
		index[g.ID] = len(roster)
		roster = append(roster, domain.NewGeneRecord(g))
	}
	if err := closeRows(rows, "genes"); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT id, gene_id, name FROM aliases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select aliases: %w", err)
	}
	for rows.Next() {
		var a domain.Alias
		if err := rows.Scan(&a.ID, &a.GeneID, &a.Name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		if i, ok := index[a.GeneID]; ok {
			roster[i].Aliases[a.Name] = a
		}
	}
	if err := closeRows(rows, "aliases"); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT id, gene_id, name, external_isoform_id, external_secondary_id FROM isoforms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select isoforms: %w", err)
	}
	for rows.Next() {
		var iso domain.Isoform
		var ext, sec sql.NullString
		if err := rows.Scan(&iso.ID, &iso.GeneID, &iso.Name, &ext, &sec); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan isoform: %w", err)
		}
		iso.ExternalIsoformID, iso.ExternalSecondaryID = ext.String, sec.String
		if i, ok := index[iso.GeneID]; ok {
			roster[i].Isoforms[iso.Name] = iso
		}
	}
	if err := closeRows(rows, "isoforms"); err != nil {
		return nil, err
	}
	return roster, nil
}

func closeRows(rows *sql.Rows, table string) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close %s rows: %w", table, err)
	}
	return nil
}

// ApplyPlan applies the store operations of plan for one gene in a single
// transaction: deletes, then inserts, then isoform updates. Inserts of rows
// that already exist are ignored, so re-applying a plan is a no-op.
func (s *Store) ApplyPlan(ctx context.Context, geneID int64, plan domain.ReconciliationPlan) error {
	if plan.StoreOperations() == 0 {
		return nil
	}
	return s.withDB(ctx, "apply plan", func(db *sql.DB) error {
		return inTx(ctx, db, func(tx *sql.Tx) error {
			return s.applyPlan(ctx, tx, geneID, plan)
		})
	})
}

func (s *Store) applyPlan(ctx context.Context, tx *sql.Tx, geneID int64, plan domain.ReconciliationPlan) error {
	if err := s.deleteByID(ctx, tx, "aliases", geneID, plan.AliasIDsToDelete); err != nil {
		return err
	}
	if err := s.deleteByID(ctx, tx, "isoforms", geneID, plan.IsoformIDsToDelete); err != nil {
		return err
	}

	aliasRows := make([][]any, 0, len(plan.AliasesToInsert))
	for _, name := range plan.AliasesToInsert {
		aliasRows = append(aliasRows, []any{geneID, name})
	}
	if err := s.insertIgnore(ctx, tx, "aliases", []string{"gene_id", "name"}, aliasRows); err != nil {
		return err
	}

	isoRows := make([][]any, 0, len(plan.IsoformsToInsert))
	for _, iso := range plan.IsoformsToInsert {
		isoRows = append(isoRows, []any{geneID, iso.Name, iso.ExternalIsoformID, iso.ExternalSecondaryID})
	}
	if err := s.insertIgnore(ctx, tx, "isoforms", []string{"gene_id", "name", "external_isoform_id", "external_secondary_id"}, isoRows); err != nil {
		return err
	}

	if len(plan.IsoformsToUpdate) == 0 {
		return nil
	}
	p := s.dialect.Placeholder
	update := fmt.Sprintf(`UPDATE isoforms SET external_isoform_id = %s, external_secondary_id = %s WHERE id = %s AND gene_id = %s`, p(1), p(2), p(3), p(4))
	stmt, err := tx.PrepareContext(ctx, update)
	if err != nil {
		return fmt.Errorf("prepare isoform update: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, u := range plan.IsoformsToUpdate {
		if _, err := stmt.ExecContext(ctx, u.Facts.ExternalIsoformID, u.Facts.ExternalSecondaryID, u.ID, geneID); err != nil {
			return fmt.Errorf("update isoform %d: %w", u.ID, err)
		}
	}
	return nil
}

// deleteByID deletes rows of table owned by geneID with the given ids.
func (s *Store) deleteByID(ctx context.Context, tx *sql.Tx, table string, geneID int64, ids []int64) error {
	for start := 0; start < len(ids); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(ids))
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, geneID)
		marks := make([]string, len(chunk))
		for i, id := range chunk {
			args = append(args, id)
			marks[i] = s.dialect.Placeholder(i + 2)
		}
		q := fmt.Sprintf(`DELETE FROM %s WHERE gene_id = %s AND id IN (%s)`, table, s.dialect.Placeholder(1), strings.Join(marks, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// insertIgnore inserts rows with multi-row INSERT statements, skipping rows
// that collide with the (gene_id, name) unique key.
func (s *Store) insertIgnore(ctx context.Context, tx *sql.Tx, table string, cols []string, rows [][]any) error {
	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(rows))
		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
		args := make([]any, 0, (end-start)*len(cols))
		n := 0
		for i, row := range rows[start:end] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for j, v := range row {
				if j > 0 {
					b.WriteString(", ")
				}
				n++
				b.WriteString(s.dialect.Placeholder(n))
				args = append(args, v)
			}
			b.WriteByte(')')
		}
		b.WriteString(" ON CONFLICT (gene_id, name) DO NOTHING")
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// SetAssetPath records the cached asset file name of a gene.
func (s *Store) SetAssetPath(ctx context.Context, geneID int64, path string) error {
	p := s.dialect.Placeholder
	q := fmt.Sprintf(`UPDATE genes SET asset_path = %s WHERE id = %s`, p(1), p(2))
	return s.withDB(ctx, "set asset path", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, q, path, geneID)
		if err != nil {
			return fmt.Errorf("update gene %d asset path: %w", geneID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return domain.ErrNotFound{Entity: domain.EntityGene, ID: geneID}
		}
		return nil
	})
}
