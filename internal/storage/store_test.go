package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrecon/sweeper/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "sweeper.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedScan(t *testing.T, s *Store, guid string) *event.Event {
	t.Helper()
	require.NoError(t, s.CreateScan(guid, "test scan", "example.com"))
	root, err := event.NewRoot("example.com")
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent(guid, root))
	return root
}

func TestScanLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateScan("scan-1", "lifecycle", "example.com"))

	si, err := s.GetScan("scan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, si.Status)
	assert.Zero(t, si.StartedMS)

	require.NoError(t, s.SetScanStatus("scan-1", StatusRunning))
	si, err = s.GetScan("scan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, si.Status)
	assert.NotZero(t, si.StartedMS)

	require.NoError(t, s.SetScanStatus("scan-1", StatusFinished))
	si, err = s.GetScan("scan-1")
	require.NoError(t, err)
	assert.True(t, si.Status.Terminal())
	assert.NotZero(t, si.EndedMS)
}

func TestSetScanStatusUnknownScan(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SetScanStatus("nope", StatusRunning))
}

func TestStoreAndFetchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-rt")

	child, err := event.New("DOMAIN_NAME", "sub.example.com", "sfp_dns", root)
	require.NoError(t, err)
	_, err = child.WithRisk(35)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-rt", child))

	rows, err := s.ResultEvent("scan-rt", ResultCriteria{EventTypes: []string{"DOMAIN_NAME"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, child.Hash, got.Hash)
	assert.Equal(t, "DOMAIN_NAME", got.Type)
	assert.Equal(t, "sub.example.com", got.Data)
	assert.Equal(t, "sfp_dns", got.Module)
	assert.Equal(t, root.Hash, got.SourceHash)
	assert.Equal(t, 35, got.Risk)
	assert.Equal(t, 100, got.Confidence)
	assert.False(t, got.FalsePositive)
	// Timestamp survives the millisecond round trip.
	assert.WithinDuration(t, child.GeneratedTime(), got.Generated, time.Millisecond)
}

func TestStoreEventDuplicateHashIgnored(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-dup")

	child, err := event.New("IP_ADDRESS", "192.0.2.1", "sfp_dns", root)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-dup", child))
	require.NoError(t, s.StoreEvent("scan-dup", child))

	rows, err := s.ResultEvent("scan-dup", ResultCriteria{EventTypes: []string{"IP_ADDRESS"}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestResultEventOrderedByData(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-ord")

	for _, data := range []string{"charlie.example.com", "alpha.example.com", "bravo.example.com"} {
		ev, err := event.New("DOMAIN_NAME", data, "sfp_dns", root)
		require.NoError(t, err)
		require.NoError(t, s.StoreEvent("scan-ord", ev))
	}

	rows, err := s.ResultEvent("scan-ord", ResultCriteria{EventTypes: []string{"DOMAIN_NAME"}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "alpha.example.com", rows[0].Data)
	assert.Equal(t, "bravo.example.com", rows[1].Data)
	assert.Equal(t, "charlie.example.com", rows[2].Data)
}

func TestResultEventUnique(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-uniq")

	var flagged *event.Event
	for i, data := range []string{"203.0.113.5", "203.0.113.5", "203.0.113.9"} {
		ev, err := event.New("IP_ADDRESS", data, "sfp_dns", root)
		require.NoError(t, err)
		require.NoError(t, s.StoreEvent("scan-uniq", ev))
		if i == 2 {
			flagged = ev
		}
	}
	name, err := event.New("INTERNET_NAME", "a.example.com", "sfp_dns", root)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-uniq", name))

	rows, err := s.ResultEventUnique("scan-uniq", "IP_ADDRESS", false)
	require.NoError(t, err)
	assert.Equal(t, []UniqueRow{
		{Data: "203.0.113.5", Type: "IP_ADDRESS", Count: 2},
		{Data: "203.0.113.9", Type: "IP_ADDRESS", Count: 1},
	}, rows)

	// No type restriction includes every (data, type) pair.
	rows, err = s.ResultEventUnique("scan-uniq", "", false)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// A flagged false positive disappears when filtered.
	_, err = s.UpdateFalsePositive("scan-uniq", []string{flagged.Hash}, true)
	require.NoError(t, err)
	rows, err = s.ResultEventUnique("scan-uniq", "IP_ADDRESS", true)
	require.NoError(t, err)
	assert.Equal(t, []UniqueRow{
		{Data: "203.0.113.5", Type: "IP_ADDRESS", Count: 2},
	}, rows)
}

func TestStoreEventTruncateSize(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-trunc")

	long := strings.Repeat("x", 64)

	short, err := event.New("RAW_RIR_DATA", long, "sfp_dns", root)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-trunc", short, 16))

	whole, err := event.New("RAW_RIR_DATA", long, "sfp_whois", root)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-trunc", whole, 0))

	rows, err := s.ResultEvent("scan-trunc", ResultCriteria{EventTypes: []string{"RAW_RIR_DATA"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byModule := map[string]string{}
	for _, row := range rows {
		byModule[row.Module] = row.Data
	}
	assert.Equal(t, strings.Repeat("x", 16), byModule["sfp_dns"])
	assert.Equal(t, long, byModule["sfp_whois"])
}

func TestFalsePositiveFlagIdempotent(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-fp")

	ev, err := event.New("EMAILADDR", "admin@example.com", "sfp_email", root)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-fp", ev))

	n, err := s.UpdateFalsePositive("scan-fp", []string{ev.Hash}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Repeating the update leaves the same state.
	_, err = s.UpdateFalsePositive("scan-fp", []string{ev.Hash}, true)
	require.NoError(t, err)

	rows, err := s.ResultEvent("scan-fp", ResultCriteria{EventTypes: []string{"EMAILADDR"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].FalsePositive)

	filtered, err := s.ResultEvent("scan-fp", ResultCriteria{
		EventTypes:          []string{"EMAILADDR"},
		FilterFalsePositive: true,
	})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestUpdateFalsePositiveRejectsMalformedHashes(t *testing.T) {
	s := newTestStore(t)
	seedScan(t, s, "scan-inj")

	n, err := s.UpdateFalsePositive("scan-inj", []string{"abc'; DROP TABLE scan_results; --"}, true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResultSummary(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-sum")
	require.NoError(t, s.SeedEventTypes(event.NewTypeRegistry()))

	for _, data := range []string{"a.example.com", "b.example.com", "a.example.com"} {
		ev, err := event.New("DOMAIN_NAME", data, "sfp_dns", root)
		require.NoError(t, err)
		require.NoError(t, s.StoreEvent("scan-sum", ev))
	}
	ip, err := event.New("IP_ADDRESS", "192.0.2.7", "sfp_dns", root)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent("scan-sum", ip))

	byType, err := s.ResultSummary("scan-sum", SummaryByType)
	require.NoError(t, err)
	counts := map[string][2]int{}
	for _, row := range byType {
		counts[row.Key] = [2]int{row.Total, row.Unique}
	}
	assert.Equal(t, [2]int{3, 2}, counts["DOMAIN_NAME"])
	assert.Equal(t, [2]int{1, 1}, counts["IP_ADDRESS"])

	byModule, err := s.ResultSummary("scan-sum", SummaryByModule)
	require.NoError(t, err)
	found := false
	for _, row := range byModule {
		if row.Key == "sfp_dns" {
			found = true
			assert.Equal(t, 4, row.Total)
		}
	}
	assert.True(t, found)

	_, err = s.ResultSummary("scan-sum", SummaryBy("bogus"))
	assert.Error(t, err)
}

func TestScanLogBatch(t *testing.T) {
	s := newTestStore(t)
	seedScan(t, s, "scan-log")

	base := time.Now().Add(-time.Minute)
	batch := []LogEntry{
		{ScanID: "scan-log", Generated: base, Component: "sfp_dns", Type: "INFO", Message: "resolving"},
		{ScanID: "scan-log", Component: "sfp_dns", Type: "ERROR", Message: "timeout"},
	}
	require.NoError(t, s.LogEvents(batch))

	logs, err := s.ScanLogs("scan-log")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "resolving", logs[0].Message)
	assert.WithinDuration(t, base, logs[0].Generated, time.Millisecond)
	// Zero timestamp filled with the insert time.
	assert.False(t, logs[1].Generated.IsZero())
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	root := seedScan(t, s, "scan-search")

	for _, data := range []string{"mail.example.com", "www.example.com", "198.51.100.3"} {
		typ := "DOMAIN_NAME"
		if data == "198.51.100.3" {
			typ = "IP_ADDRESS"
		}
		ev, err := event.New(typ, data, "sfp_dns", root)
		require.NoError(t, err)
		require.NoError(t, s.StoreEvent("scan-search", ev))
	}

	rows, err := s.Search("scan-search", SearchCriteria{DataLike: "mail"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "mail.example.com", rows[0].Data)

	rows, err = s.Search("scan-search", SearchCriteria{EventTypes: []string{"IP_ADDRESS"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = s.Search("scan-search", SearchCriteria{Before: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
