package db

import (
	"context"
	"fmt"
	"strings"
)

// Source types stored in fts_index.source_type.
const (
	SourceProject = "project"
	SourceTask    = "task"
	SourceWorkLog = "work_log"
)

const (
	// DefaultSearchLimit is used when Search is called with limit <= 0.
	DefaultSearchLimit = 50
	// MaxSearchLimit caps the number of ranked results.
	MaxSearchLimit = 200
)

// SearchResult is one ranked hit from the full-text index.
type SearchResult struct {
	SourceType string  `json:"sourceType"`
	SourceID   int64   `json:"sourceId"`
	ProjectID  *int64  `json:"projectId"`
	Snippet    string  `json:"snippet"`
	Rank       float64 `json:"rank"`
}

// tokenStripper removes FTS5 syntax characters that carry no search meaning
// for this data.
var tokenStripper = strings.NewReplacer(`"`, "", "^", "", "*", "", ":", "", ".", "")

// BuildMatchQuery turns free text into an FTS5 MATCH expression. Each
// whitespace-separated token is stripped of syntax characters, quoted and
// given a trailing prefix wildcard; tokens are implicitly ANDed. It returns
// "" when no token survives.
func BuildMatchQuery(text string) string {
	var terms []string
	for _, tok := range strings.Fields(text) {
		tok = tokenStripper.Replace(tok)
		if tok == "" {
			continue
		}
		terms = append(terms, `"`+tok+`"*`)
	}
	return strings.Join(terms, " ")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}

// Search returns index hits for text, best match first. An empty or
// all-punctuation query returns no results.
func (db *DB) Search(ctx context.Context, text string, limit int) ([]SearchResult, error) {
	match := BuildMatchQuery(text)
	if match == "" {
		return nil, nil
	}

	var results []SearchResult
	err := db.do(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, `
			SELECT source_type, source_id, project_id,
				snippet(fts_index, 0, '<mark>', '</mark>', '…', 12),
				bm25(fts_index) AS rank
			FROM fts_index
			WHERE fts_index MATCH ?
			ORDER BY rank
			LIMIT ?`, match, clampLimit(limit))
		if err != nil {
			return fmt.Errorf("failed to search: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				r         SearchResult
				projectID nullInt64
			)
			if err := rows.Scan(&r.SourceType, &r.SourceID, &projectID, &r.Snippet, &r.Rank); err != nil {
				return fmt.Errorf("failed to scan search result: %w", err)
			}
			r.ProjectID = projectID.ptr()
			results = append(results, r)
		}
		return rows.Err()
	})
	return results, err
}

// SearchProjectIDs collapses Search results to the ids of their owning
// projects, deduplicated and kept in rank order. Hits without an owning
// project (inbox tasks) are skipped.
func (db *DB) SearchProjectIDs(ctx context.Context, text string, limit int) ([]int64, error) {
	results, err := db.Search(ctx, text, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(results))
	var ids []int64
	for _, r := range results {
		if r.ProjectID == nil || seen[*r.ProjectID] {
			continue
		}
		seen[*r.ProjectID] = true
		ids = append(ids, *r.ProjectID)
	}
	return ids, nil
}

// rebuildIndexStatements recreate every index row from the base tables. The
// content expressions match the maintenance triggers.
var rebuildIndexStatements = []string{
	`DELETE FROM fts_index`,
	`INSERT INTO fts_index (content, source_type, source_id, project_id)
	SELECT title || ' ' || COALESCE(description, '') || ' ' ||
		COALESCE(status_comment, '') || ' ' ||
		COALESCE(stakeholders, '') || ' ' || COALESCE(ticket_links, ''),
		'project', id, id
	FROM projects`,
	`INSERT INTO fts_index (content, source_type, source_id, project_id)
	SELECT title || ' ' || COALESCE(description, '') || ' ' || COALESCE(notes, ''), 'task', id, project_id
	FROM tasks`,
	`INSERT INTO fts_index (content, source_type, source_id, project_id)
	SELECT note, 'work_log', id, project_id
	FROM work_log_entries`,
}

// RebuildIndex drops every index row and rebuilds the index from the base
// tables inside tx.
func RebuildIndex(ctx context.Context, tx *Tx) error {
	for _, stmt := range rebuildIndexStatements {
		if _, err := tx.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild search index: %w", err)
		}
	}
	return nil
}

// RebuildSearchIndex rebuilds the whole index in its own transaction.
func (db *DB) RebuildSearchIndex(ctx context.Context) error {
	return db.Tx(ctx, RebuildIndex)
}

// IndexRef names one source row in an index report.
type IndexRef struct {
	SourceType string `json:"sourceType"`
	SourceID   int64  `json:"sourceId"`
	Count      int    `json:"count"`
}

// IndexReport lists rows whose index entries break the one-row-per-source
// rule.
type IndexReport struct {
	// Missing are source rows with no index row.
	Missing []IndexRef `json:"missing"`
	// Duplicated are source rows with more than one index row.
	Duplicated []IndexRef `json:"duplicated"`
	// Orphaned are index rows whose source row no longer exists.
	Orphaned []IndexRef `json:"orphaned"`
}

// OK reports whether the index holds exactly one row per source row.
func (r *IndexReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Duplicated) == 0 && len(r.Orphaned) == 0
}

// CheckSearchIndex compares fts_index against the base tables.
func (db *DB) CheckSearchIndex(ctx context.Context) (*IndexReport, error) {
	report := &IndexReport{}
	err := db.do(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, `
			SELECT source_type, source_id, n FROM (
				SELECT 'project' AS source_type, p.id AS source_id,
					(SELECT COUNT(*) FROM fts_index f WHERE f.source_type = 'project' AND f.source_id = p.id) AS n
				FROM projects p
				UNION ALL
				SELECT 'task', t.id,
					(SELECT COUNT(*) FROM fts_index f WHERE f.source_type = 'task' AND f.source_id = t.id)
				FROM tasks t
				UNION ALL
				SELECT 'work_log', w.id,
					(SELECT COUNT(*) FROM fts_index f WHERE f.source_type = 'work_log' AND f.source_id = w.id)
				FROM work_log_entries w
			)
			WHERE n != 1
			UNION ALL
			SELECT f.source_type, f.source_id, -1
			FROM fts_index f
			WHERE (f.source_type = 'project' AND NOT EXISTS (SELECT 1 FROM projects p WHERE p.id = f.source_id))
				OR (f.source_type = 'task' AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.id = f.source_id))
				OR (f.source_type = 'work_log' AND NOT EXISTS (SELECT 1 FROM work_log_entries w WHERE w.id = f.source_id))`)
		if err != nil {
			return fmt.Errorf("failed to check search index: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var ref IndexRef
			if err := rows.Scan(&ref.SourceType, &ref.SourceID, &ref.Count); err != nil {
				return fmt.Errorf("failed to scan index check row: %w", err)
			}
			switch {
			case ref.Count < 0:
				ref.Count = 1
				report.Orphaned = append(report.Orphaned, ref)
			case ref.Count == 0:
				report.Missing = append(report.Missing, ref)
			default:
				report.Duplicated = append(report.Duplicated, ref)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
