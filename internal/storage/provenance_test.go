package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrecon/sweeper/internal/event"
)

// buildTree stores root -> domain -> {ip1, ip2}, ip1 -> malicious.
func buildTree(t *testing.T, s *Store, scanID string) (root, domain, ip1, ip2, mal *event.Event) {
	t.Helper()
	root = seedScan(t, s, scanID)

	var err error
	domain, err = event.New("DOMAIN_NAME", "example.com", "sfp_target", root)
	require.NoError(t, err)
	ip1, err = event.New("IP_ADDRESS", "192.0.2.10", "sfp_dns", domain)
	require.NoError(t, err)
	ip2, err = event.New("IP_ADDRESS", "192.0.2.11", "sfp_dns", domain)
	require.NoError(t, err)
	mal, err = event.New("MALICIOUS_IPADDR", "blocklist hit", "sfp_rep", ip1)
	require.NoError(t, err)

	for _, ev := range []*event.Event{domain, ip1, ip2, mal} {
		require.NoError(t, s.StoreEvent(scanID, ev))
	}
	return root, domain, ip1, ip2, mal
}

func TestSourcesDirect(t *testing.T) {
	s := newTestStore(t)
	_, domain, ip1, _, _ := buildTree(t, s, "scan-prov")

	parents, err := s.SourcesDirect("scan-prov", []string{ip1.Hash})
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, domain.Hash, parents[0].Hash)
}

func TestChildrenDirect(t *testing.T) {
	s := newTestStore(t)
	_, domain, ip1, ip2, _ := buildTree(t, s, "scan-prov2")

	children, err := s.ChildrenDirect("scan-prov2", []string{domain.Hash})
	require.NoError(t, err)
	require.Len(t, children, 2)

	hashes := map[string]bool{children[0].Hash: true, children[1].Hash: true}
	assert.True(t, hashes[ip1.Hash])
	assert.True(t, hashes[ip2.Hash])
}

func TestDirectWalksDropMalformedHashes(t *testing.T) {
	s := newTestStore(t)
	buildTree(t, s, "scan-prov3")

	parents, err := s.SourcesDirect("scan-prov3", []string{"not-a-hash!", ""})
	require.NoError(t, err)
	assert.Empty(t, parents)

	children, err := s.ChildrenDirect("scan-prov3", []string{"x' OR '1'='1"})
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestSourcesAllReachesRoot(t *testing.T) {
	s := newTestStore(t)
	root, domain, ip1, _, mal := buildTree(t, s, "scan-prov4")

	lineage, err := s.SourcesAll("scan-prov4", []string{mal.Hash})
	require.NoError(t, err)

	for _, h := range []string{mal.Hash, ip1.Hash, domain.Hash, root.Hash} {
		_, ok := lineage.Rows[h]
		assert.True(t, ok, "missing ancestor %s", h)
	}
	assert.Contains(t, lineage.Children[ip1.Hash], mal.Hash)
	assert.Contains(t, lineage.Children[domain.Hash], ip1.Hash)
}

func TestChildrenAllReachesLeaves(t *testing.T) {
	s := newTestStore(t)
	_, domain, ip1, ip2, mal := buildTree(t, s, "scan-prov5")

	lineage, err := s.ChildrenAll("scan-prov5", []string{domain.Hash})
	require.NoError(t, err)

	assert.Len(t, lineage.Rows, 3)
	for _, h := range []string{ip1.Hash, ip2.Hash, mal.Hash} {
		_, ok := lineage.Rows[h]
		assert.True(t, ok, "missing descendant %s", h)
	}
	assert.ElementsMatch(t, []string{mal.Hash}, lineage.Children[ip1.Hash])
}

func TestCorrelationPersistence(t *testing.T) {
	s := newTestStore(t)
	_, _, ip1, ip2, _ := buildTree(t, s, "scan-corr")

	id, err := s.CreateCorrelation(CorrelationResult{
		ScanID:      "scan-corr",
		RuleID:      "multiple_ips",
		Name:        "Multiple IP addresses",
		Description: "Host resolves to several addresses",
		Risk:        "INFO",
		Title:       "2 addresses for example.com",
		EventHashes: []string{ip1.Hash, ip2.Hash},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	results, err := s.Correlations("scan-corr")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "multiple_ips", results[0].RuleID)
	assert.ElementsMatch(t, []string{ip1.Hash, ip2.Hash}, results[0].EventHashes)

	// Member hashes link back to queryable events.
	rows, err := s.ResultEvent("scan-corr", ResultCriteria{CorrelationID: id})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCreateCorrelationValidation(t *testing.T) {
	s := newTestStore(t)
	seedScan(t, s, "scan-corrv")

	_, err := s.CreateCorrelation(CorrelationResult{ScanID: "scan-corrv", RuleID: "r"})
	assert.Error(t, err)

	_, err = s.CreateCorrelation(CorrelationResult{RuleID: "r", EventHashes: []string{"abc"}})
	assert.Error(t, err)
}
