package storage

import (
	"github.com/oklog/ulid/v2"

	"github.com/netrecon/sweeper/internal/errs"
)

// CorrelationResult is one persisted correlation finding.
type CorrelationResult struct {
	ID          string
	ScanID      string
	RuleID      string
	Name        string
	Description string
	Risk        string
	RawYAML     string
	Title       string
	EventHashes []string
}

// CreateCorrelation persists a correlation finding and its member event
// hashes, returning the generated id.
func (s *Store) CreateCorrelation(result CorrelationResult) (string, error) {
	if result.ScanID == "" || result.RuleID == "" {
		return "", errs.Newf(errs.KindValidation, "create_correlation", "scan id and rule id are required")
	}
	if len(result.EventHashes) == 0 {
		return "", errs.Newf(errs.KindValidation, "create_correlation", "correlation requires at least one event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.Make().String()
	tx, err := s.db.Begin()
	if err != nil {
		return "", errs.Storage("create_correlation", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO correlation_results
			(id, scan_instance_id, rule_id, name, description, risk, raw_yaml, title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, result.ScanID, result.RuleID, result.Name, result.Description,
		result.Risk, result.RawYAML, result.Title); err != nil {
		tx.Rollback()
		return "", errs.Storage("create_correlation", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO correlation_result_events (correlation_id, event_hash)
		VALUES (?, ?) ON CONFLICT DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return "", errs.Storage("create_correlation", err)
	}
	defer stmt.Close()

	for _, hash := range result.EventHashes {
		if _, err := stmt.Exec(id, hash); err != nil {
			tx.Rollback()
			return "", errs.Storage("create_correlation", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Storage("create_correlation", err)
	}
	return id, nil
}

// Correlations returns a scan's correlation findings with their member
// hashes.
func (s *Store) Correlations(scanID string) ([]CorrelationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, scan_instance_id, rule_id, name, description, risk, raw_yaml, title
		FROM correlation_results WHERE scan_instance_id = ? ORDER BY id ASC
	`, scanID)
	if err != nil {
		return nil, errs.Storage("correlations", err)
	}
	defer rows.Close()

	var out []CorrelationResult
	for rows.Next() {
		var cr CorrelationResult
		if err := rows.Scan(&cr.ID, &cr.ScanID, &cr.RuleID, &cr.Name, &cr.Description,
			&cr.Risk, &cr.RawYAML, &cr.Title); err != nil {
			return nil, errs.Storage("correlations", err)
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("correlations", err)
	}

	for i := range out {
		hashRows, err := s.db.Query(`
			SELECT event_hash FROM correlation_result_events
			WHERE correlation_id = ? ORDER BY event_hash ASC
		`, out[i].ID)
		if err != nil {
			return nil, errs.Storage("correlations", err)
		}
		for hashRows.Next() {
			var h string
			if err := hashRows.Scan(&h); err != nil {
				hashRows.Close()
				return nil, errs.Storage("correlations", err)
			}
			out[i].EventHashes = append(out[i].EventHashes, h)
		}
		if err := hashRows.Err(); err != nil {
			hashRows.Close()
			return nil, errs.Storage("correlations", err)
		}
		hashRows.Close()
	}
	return out, nil
}
