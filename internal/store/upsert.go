package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vulnwatch/cvesync/internal/transform"
	"github.com/vulnwatch/cvesync/internal/types"
)

// The conflict guard keeps last_modified_at monotonically non-decreasing:
// an out-of-order batch carrying an older revision updates nothing.
const upsertRecordSQL = `
INSERT INTO cve (
	id, published_at, last_modified_at,
	cvss_score, cvss_version, severity,
	impact_type, classification_version, source_identifier,
	raw, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (id) DO UPDATE SET
	published_at = EXCLUDED.published_at,
	last_modified_at = EXCLUDED.last_modified_at,
	cvss_score = EXCLUDED.cvss_score,
	cvss_version = EXCLUDED.cvss_version,
	severity = EXCLUDED.severity,
	impact_type = EXCLUDED.impact_type,
	classification_version = EXCLUDED.classification_version,
	source_identifier = EXCLUDED.source_identifier,
	raw = EXCLUDED.raw,
	updated_at = now()
WHERE cve.last_modified_at <= EXCLUDED.last_modified_at
RETURNING id`

const insertIdentifierSQL = `
INSERT INTO cve_cpe (cve_id, part, vendor, product, version, criteria, vulnerable)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// UpsertBatch commits a batch of transformed records as one transaction.
// Records carrying an older last-modified timestamp than the stored row are
// skipped (their identifier rows stay untouched) and reported as stale.
// Any store error rolls the whole batch back.
func (s *Store) UpsertBatch(ctx context.Context, batch []transform.Result) (upserted, stale int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range batch {
		r := &batch[i]
		applied, err := upsertRecord(ctx, tx, &r.Record)
		if err != nil {
			return 0, 0, err
		}
		if !applied {
			stale++
			continue
		}
		if err := replaceIdentifiers(ctx, tx, r.Record.ID, r.Identifiers); err != nil {
			return 0, 0, err
		}
		upserted++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit batch: %w", err)
	}
	return upserted, stale, nil
}

func upsertRecord(ctx context.Context, tx pgx.Tx, rec *types.Record) (bool, error) {
	var id string
	err := tx.QueryRow(ctx, upsertRecordSQL,
		rec.ID, rec.Published, rec.LastModified,
		rec.CVSSScore, nullable(rec.CVSSVersion), nullable(rec.Severity),
		nullable(rec.ImpactType), nullable(rec.ClassificationVersion), nullable(rec.SourceIdentifier),
		rec.Raw,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict guard rejected a stale revision.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}
	return true, nil
}

func replaceIdentifiers(ctx context.Context, tx pgx.Tx, recordID string, ids []types.ProductIdentifier) error {
	if _, err := tx.Exec(ctx, `DELETE FROM cve_cpe WHERE cve_id = $1`, recordID); err != nil {
		return fmt.Errorf("clear identifiers for %s: %w", recordID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, pi := range ids {
		b.Queue(insertIdentifierSQL, recordID, pi.Part, pi.Vendor, pi.Product, pi.Version, pi.Criteria, pi.Vulnerable)
	}
	br := tx.SendBatch(ctx, b)
	for range ids {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert identifiers for %s: %w", recordID, err)
		}
	}
	return br.Close()
}

// ReplaceIdentifiers swaps the identifier rows of one stored record in its
// own transaction. This is the path backfill utilities use; it never touches
// the record row itself.
func (s *Store) ReplaceIdentifiers(ctx context.Context, recordID string, ids []types.ProductIdentifier) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := replaceIdentifiers(ctx, tx, recordID, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateClassification stamps a re-derived impact classification on a
// stored record.
func (s *Store) UpdateClassification(ctx context.Context, recordID, impactType, version string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cve
		SET impact_type = $1, classification_version = $2, updated_at = now()
		WHERE id = $3`,
		impactType, version, recordID)
	if err != nil {
		return fmt.Errorf("update classification for %s: %w", recordID, err)
	}
	return nil
}

// StoredRecord is the cursor row backfill utilities read.
type StoredRecord struct {
	ID  string
	Raw json.RawMessage
}

// ScanRecords pages through stored records by id, afterID exclusive.
func (s *Store) ScanRecords(ctx context.Context, afterID string, limit int) ([]StoredRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, raw FROM cve WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()
	var out []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		if err := rows.Scan(&rec.ID, &rec.Raw); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchFilter narrows the read-side record search. Product and Vendor are
// case-insensitive substring matches against vulnerable identifier rows.
type SearchFilter struct {
	Product  string
	Vendor   string
	MinScore float64
	Limit    int
}

// SearchResult is one read-side row; Description is derived from Raw by the
// caller.
type SearchResult struct {
	ID         string
	Score      *float64
	Severity   string
	ImpactType string
	Raw        json.RawMessage
}

// Search returns records affecting a vendor/product at or above a score,
// highest score first.
func (s *Store) Search(ctx context.Context, f SearchFilter) ([]SearchResult, error) {
	if f.Product == "" && f.Vendor == "" {
		return nil, errors.New("search needs a product or vendor filter")
	}
	query := `
	SELECT q.id, q.cvss_score, q.severity, q.impact_type, q.raw
	FROM (
		SELECT c.id, c.cvss_score, c.severity, c.impact_type, c.raw, c.published_at
		FROM cve AS c
		JOIN cve_cpe AS cc ON cc.cve_id = c.id
		WHERE cc.vulnerable
		  AND ($1 = 0 OR c.cvss_score >= $1)
		  AND ($2 = '' OR cc.product ILIKE '%' || $2 || '%')
		  AND ($3 = '' OR cc.vendor ILIKE '%' || $3 || '%')
		GROUP BY c.id, c.cvss_score, c.severity, c.impact_type, c.raw, c.published_at
	) AS q
	ORDER BY q.cvss_score DESC NULLS LAST, q.published_at DESC
	LIMIT $4`
	rows, err := s.pool.Query(ctx, query, f.MinScore, f.Product, f.Vendor, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var (
			r        SearchResult
			severity *string
			impact   *string
		)
		if err := rows.Scan(&r.ID, &r.Score, &severity, &impact, &r.Raw); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		if severity != nil {
			r.Severity = *severity
		}
		if impact != nil {
			r.ImpactType = *impact
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
