package storage

// Provenance traversal. Direct walks answer one hop of the event tree;
// the full walks iterate hop by hop until the frontier is exhausted or
// the ROOT sentinel is reached.

import (
	"github.com/netrecon/sweeper/internal/event"
)

// SourcesDirect returns the immediate parent rows of the given event
// hashes. Non-alphanumeric hashes are silently dropped.
func (s *Store) SourcesDirect(scanID string, hashes []string) ([]EventRow, error) {
	hashes = filterHashes(hashes)
	if len(hashes) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{scanID, scanID}
	for _, h := range hashes {
		args = append(args, h)
	}
	return s.queryRows(`
		SELECT r.scan_instance_id, r.hash, r.type, r.generated_ms, r.confidence,
		       r.visibility, r.risk, r.module, r.data, r.source_event_hash, r.false_positive
		FROM scan_results r
		WHERE r.scan_instance_id = ? AND r.hash IN (
			SELECT c.source_event_hash FROM scan_results c
			WHERE c.scan_instance_id = ? AND c.hash IN (`+placeholders(len(hashes))+`)
		)
	`, args...)
}

// ChildrenDirect returns the immediate child rows of the given event
// hashes.
func (s *Store) ChildrenDirect(scanID string, hashes []string) ([]EventRow, error) {
	hashes = filterHashes(hashes)
	if len(hashes) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{scanID}
	for _, h := range hashes {
		args = append(args, h)
	}
	return s.queryRows(`
		SELECT r.scan_instance_id, r.hash, r.type, r.generated_ms, r.confidence,
		       r.visibility, r.risk, r.module, r.data, r.source_event_hash, r.false_positive
		FROM scan_results r
		WHERE r.scan_instance_id = ? AND r.source_event_hash IN (`+placeholders(len(hashes))+`)
	`, args...)
}

// Lineage is the result of a full provenance walk: every row reached,
// keyed by hash, plus the parent-to-children adjacency discovered along
// the way.
type Lineage struct {
	Rows     map[string]EventRow
	Children map[string][]string
}

// SourcesAll walks upward from the given hashes to the root, collecting
// every ancestor row.
func (s *Store) SourcesAll(scanID string, hashes []string) (*Lineage, error) {
	lineage := &Lineage{
		Rows:     make(map[string]EventRow),
		Children: make(map[string][]string),
	}

	frontier := filterHashes(hashes)
	seen := make(map[string]bool)
	for len(frontier) > 0 {
		current, err := s.rowsByHash(scanID, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, row := range current {
			if seen[row.Hash] {
				continue
			}
			seen[row.Hash] = true
			lineage.Rows[row.Hash] = row
			lineage.Children[row.SourceHash] = append(lineage.Children[row.SourceHash], row.Hash)
			if row.SourceHash != event.RootHash && !seen[row.SourceHash] {
				next = append(next, row.SourceHash)
			}
		}
		frontier = next
	}
	return lineage, nil
}

// ChildrenAll walks downward from the given hashes, collecting every
// descendant row.
func (s *Store) ChildrenAll(scanID string, hashes []string) (*Lineage, error) {
	lineage := &Lineage{
		Rows:     make(map[string]EventRow),
		Children: make(map[string][]string),
	}

	frontier := filterHashes(hashes)
	seen := make(map[string]bool)
	for len(frontier) > 0 {
		children, err := s.ChildrenDirect(scanID, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, row := range children {
			if seen[row.Hash] {
				continue
			}
			seen[row.Hash] = true
			lineage.Rows[row.Hash] = row
			lineage.Children[row.SourceHash] = append(lineage.Children[row.SourceHash], row.Hash)
			next = append(next, row.Hash)
		}
		frontier = next
	}
	return lineage, nil
}

// rowsByHash fetches rows for exact hashes. Caller passed hashes are
// already filtered.
func (s *Store) rowsByHash(scanID string, hashes []string) ([]EventRow, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{scanID}
	for _, h := range hashes {
		args = append(args, h)
	}
	return s.queryRows(`
		SELECT r.scan_instance_id, r.hash, r.type, r.generated_ms, r.confidence,
		       r.visibility, r.risk, r.module, r.data, r.source_event_hash, r.false_positive
		FROM scan_results r
		WHERE r.scan_instance_id = ? AND r.hash IN (`+placeholders(len(hashes))+`)
	`, args...)
}
