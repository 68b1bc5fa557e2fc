package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// maxDataBytes caps persisted event data. Overlong values truncate with a
// logged warning rather than failing the insert.
const maxDataBytes = 1024 * 1024

// EventRow is one scan_results row hydrated from the database.
type EventRow struct {
	ScanID        string
	Hash          string
	Type          string
	Generated     time.Time
	Confidence    int
	Visibility    int
	Risk          int
	Module        string
	Data          string
	SourceHash    string
	FalsePositive bool
}

// Event rebuilds the in-memory form of a stored row.
func (r EventRow) Event() *event.Event {
	return &event.Event{
		Type:       r.Type,
		Data:       r.Data,
		Module:     r.Module,
		SourceHash: r.SourceHash,
		Hash:       r.Hash,
		Generated:  float64(r.Generated.UnixMilli()) / 1000,
		Confidence: r.Confidence,
		Visibility: r.Visibility,
		Risk:       r.Risk,
	}
}

// StoreEvent persists one event under a scan. The root event stores with
// the ROOT sentinel as both hash and source hash. An optional truncate
// size caps the stored data; omitted it defaults to maxDataBytes, and an
// explicit 0 stores the data whole.
func (s *Store) StoreEvent(scanID string, ev *event.Event, truncateSize ...int) error {
	if scanID == "" {
		return errs.Newf(errs.KindValidation, "store_event", "scan id is required")
	}
	if ev == nil {
		return errs.Newf(errs.KindValidation, "store_event", "event is required")
	}

	limit := maxDataBytes
	if len(truncateSize) > 0 {
		limit = truncateSize[0]
	}

	data := ev.Data
	if limit > 0 && len(data) > limit {
		log.Warn().
			Str("scanID", scanID).
			Str("type", ev.Type).
			Int("size", len(data)).
			Int("limit", limit).
			Msg("Event data truncated for storage")
		data = data[:limit]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO scan_results
			(scan_instance_id, hash, type, generated_ms, confidence, visibility, risk,
			 module, data, source_event_hash, false_positive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(scan_instance_id, hash) DO NOTHING
	`, scanID, ev.Hash, ev.Type, int64(ev.Generated*1000), ev.Confidence, ev.Visibility,
		ev.Risk, ev.Module, data, ev.SourceHash)
	if err != nil {
		return errs.Storage("store_event", err)
	}
	return nil
}

// ResultCriteria narrows event queries. Zero-value fields do not filter.
type ResultCriteria struct {
	EventTypes          []string
	Modules             []string
	Data                []string
	SourceHashes        []string
	CorrelationID       string
	FilterFalsePositive bool
}

func (c ResultCriteria) apply(where *[]string, args *[]any) {
	if len(c.EventTypes) > 0 {
		*where = append(*where, "r.type IN ("+placeholders(len(c.EventTypes))+")")
		for _, t := range c.EventTypes {
			*args = append(*args, t)
		}
	}
	if len(c.Modules) > 0 {
		*where = append(*where, "r.module IN ("+placeholders(len(c.Modules))+")")
		for _, m := range c.Modules {
			*args = append(*args, m)
		}
	}
	if len(c.Data) > 0 {
		*where = append(*where, "r.data IN ("+placeholders(len(c.Data))+")")
		for _, d := range c.Data {
			*args = append(*args, d)
		}
	}
	if len(c.SourceHashes) > 0 {
		*where = append(*where, "r.source_event_hash IN ("+placeholders(len(c.SourceHashes))+")")
		for _, h := range c.SourceHashes {
			*args = append(*args, h)
		}
	}
	if c.FilterFalsePositive {
		*where = append(*where, "r.false_positive = 0")
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ResultEvent returns events for a scan matching the criteria, ordered by
// data ascending so results are deterministic.
func (s *Store) ResultEvent(scanID string, criteria ResultCriteria) ([]EventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := []string{"r.scan_instance_id = ?"}
	args := []any{scanID}
	criteria.apply(&where, &args)

	query := `
		SELECT r.scan_instance_id, r.hash, r.type, r.generated_ms, r.confidence,
		       r.visibility, r.risk, r.module, r.data, r.source_event_hash, r.false_positive
		FROM scan_results r
	`
	if criteria.CorrelationID != "" {
		query += ` JOIN correlation_result_events ce
			ON ce.event_hash = r.hash AND ce.correlation_id = ?`
		args = append([]any{criteria.CorrelationID, scanID}, args[1:]...)
	}
	query += " WHERE " + strings.Join(where, " AND ") + " ORDER BY r.data ASC"

	return s.queryRows(query, args...)
}

// UniqueRow is one distinct (data, type) pair with its occurrence count.
type UniqueRow struct {
	Data  string
	Type  string
	Count int
}

// ResultEventUnique returns distinct (data, type) pairs for a scan with
// occurrence counts, optionally limited to one event type and with false
// positives filtered out, ordered by data ascending.
func (s *Store) ResultEventUnique(scanID, eventType string, filterFalsePositive bool) ([]UniqueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT data, type, COUNT(*) FROM scan_results WHERE scan_instance_id = ?`
	args := []any{scanID}
	if eventType != "" {
		query += " AND type = ?"
		args = append(args, eventType)
	}
	if filterFalsePositive {
		query += " AND false_positive = 0"
	}
	query += " GROUP BY data, type ORDER BY data ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Storage("result_event_unique", err)
	}
	defer rows.Close()

	var out []UniqueRow
	for rows.Next() {
		var row UniqueRow
		if err := rows.Scan(&row.Data, &row.Type, &row.Count); err != nil {
			return nil, errs.Storage("result_event_unique", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SummaryRow aggregates events by a grouping dimension.
type SummaryRow struct {
	Key      string
	LastSeen time.Time
	Total    int
	Unique   int
}

// SummaryBy selects the grouping dimension for ResultSummary.
type SummaryBy string

const (
	SummaryByType   SummaryBy = "type"
	SummaryByModule SummaryBy = "module"
	SummaryByEntity SummaryBy = "entity"
)

// ResultSummary aggregates a scan's events by type, module, or entity
// data value.
func (s *Store) ResultSummary(scanID string, by SummaryBy) ([]SummaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keyCol string
	switch by {
	case SummaryByType:
		keyCol = "r.type"
	case SummaryByModule:
		keyCol = "r.module"
	case SummaryByEntity:
		keyCol = "r.data"
	default:
		return nil, errs.Newf(errs.KindValidation, "result_summary", "unknown summary dimension %q", by)
	}

	query := fmt.Sprintf(`
		SELECT %s AS k, MAX(r.generated_ms), COUNT(*), COUNT(DISTINCT r.data)
		FROM scan_results r
		WHERE r.scan_instance_id = ?
	`, keyCol)
	if by == SummaryByEntity {
		query += ` AND r.type IN (SELECT event FROM event_types WHERE event_type IN ('ENTITY', 'INTERNAL'))`
	}
	query += " GROUP BY k ORDER BY k ASC"

	rows, err := s.db.Query(query, scanID)
	if err != nil {
		return nil, errs.Storage("result_summary", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var row SummaryRow
		var lastMS int64
		if err := rows.Scan(&row.Key, &lastMS, &row.Total, &row.Unique); err != nil {
			return nil, errs.Storage("result_summary", err)
		}
		row.LastSeen = time.UnixMilli(lastMS)
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpdateFalsePositive flags or clears the false-positive marker on a set
// of events. Repeating the same call is a no-op.
func (s *Store) UpdateFalsePositive(scanID string, hashes []string, flag bool) (int64, error) {
	hashes = filterHashes(hashes)
	if len(hashes) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	val := 0
	if flag {
		val = 1
	}
	args := []any{val, scanID}
	for _, h := range hashes {
		args = append(args, h)
	}
	result, err := s.db.Exec(`
		UPDATE scan_results SET false_positive = ?
		WHERE scan_instance_id = ? AND hash IN (`+placeholders(len(hashes))+`)
	`, args...)
	if err != nil {
		return 0, errs.Storage("update_false_positive", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// SearchCriteria supports free-form result search.
type SearchCriteria struct {
	EventTypes []string
	Modules    []string
	DataLike   string
	After      time.Time
	Before     time.Time
}

// Search returns a scan's events matching the search criteria, newest
// first.
func (s *Store) Search(scanID string, criteria SearchCriteria) ([]EventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := []string{"r.scan_instance_id = ?"}
	args := []any{scanID}
	if len(criteria.EventTypes) > 0 {
		where = append(where, "r.type IN ("+placeholders(len(criteria.EventTypes))+")")
		for _, t := range criteria.EventTypes {
			args = append(args, t)
		}
	}
	if len(criteria.Modules) > 0 {
		where = append(where, "r.module IN ("+placeholders(len(criteria.Modules))+")")
		for _, m := range criteria.Modules {
			args = append(args, m)
		}
	}
	if criteria.DataLike != "" {
		where = append(where, "r.data LIKE ?")
		args = append(args, "%"+criteria.DataLike+"%")
	}
	if !criteria.After.IsZero() {
		where = append(where, "r.generated_ms >= ?")
		args = append(args, criteria.After.UnixMilli())
	}
	if !criteria.Before.IsZero() {
		where = append(where, "r.generated_ms <= ?")
		args = append(args, criteria.Before.UnixMilli())
	}

	query := `
		SELECT r.scan_instance_id, r.hash, r.type, r.generated_ms, r.confidence,
		       r.visibility, r.risk, r.module, r.data, r.source_event_hash, r.false_positive
		FROM scan_results r
		WHERE ` + strings.Join(where, " AND ") + " ORDER BY r.generated_ms DESC"

	return s.queryRows(query, args...)
}

// queryRows runs a scan_results projection query. Callers hold the store
// lock.
func (s *Store) queryRows(query string, args ...any) ([]EventRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Storage("query_events", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func scanEventRows(rows *sql.Rows) ([]EventRow, error) {
	var out []EventRow
	for rows.Next() {
		var row EventRow
		var ms int64
		var fp int
		if err := rows.Scan(&row.ScanID, &row.Hash, &row.Type, &ms, &row.Confidence,
			&row.Visibility, &row.Risk, &row.Module, &row.Data, &row.SourceHash, &fp); err != nil {
			return nil, errs.Storage("scan_events", err)
		}
		row.Generated = time.UnixMilli(ms)
		row.FalsePositive = fp != 0
		out = append(out, row)
	}
	return out, rows.Err()
}
