package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrecon/sweeper/internal/event"
)

func riskEvent(t *testing.T, risk int) *event.Event {
	t.Helper()
	ev := newEvent(t, "IP_ADDRESS", "192.0.2.1")
	_, err := ev.WithRisk(risk)
	require.NoError(t, err)
	return ev
}

func TestEmptyChainPassesEverything(t *testing.T) {
	chain := NewFilterChain(ChainAllPass)
	assert.True(t, chain.Allow(newEvent(t, "ANY", "data")))
}

func TestAllPassMode(t *testing.T) {
	chain := NewFilterChain(ChainAllPass,
		NewTypeFilter("types", "IP_ADDRESS", "DOMAIN_NAME"),
		NewRiskFilter("risk", 0, 50),
	)

	assert.True(t, chain.Allow(riskEvent(t, 10)))
	assert.False(t, chain.Allow(riskEvent(t, 90)))
	assert.False(t, chain.Allow(newEvent(t, "EMAILADDR", "a@b.com")))

	passed, blocked := chain.Counts()
	assert.Equal(t, int64(1), passed)
	assert.Equal(t, int64(2), blocked)
}

func TestAnyPassMode(t *testing.T) {
	chain := NewFilterChain(ChainAnyPass,
		NewTypeFilter("ips", "IP_ADDRESS"),
		NewTypeFilter("domains", "DOMAIN_NAME"),
	)

	assert.True(t, chain.Allow(newEvent(t, "IP_ADDRESS", "192.0.2.1")))
	assert.True(t, chain.Allow(newEvent(t, "DOMAIN_NAME", "example.com")))
	assert.False(t, chain.Allow(newEvent(t, "EMAILADDR", "a@b.com")))
}

func TestAnyPassAllSkipBlocks(t *testing.T) {
	chain := NewFilterChain(ChainAnyPass,
		NewPredicateFilter("skipper", func(ev *event.Event) FilterVerdict { return FilterSkip }),
	)
	assert.False(t, chain.Allow(newEvent(t, "IP_ADDRESS", "192.0.2.1")))
}

func TestAllPassSkipCountsAsPass(t *testing.T) {
	chain := NewFilterChain(ChainAllPass,
		NewPredicateFilter("skipper", func(ev *event.Event) FilterVerdict { return FilterSkip }),
	)
	assert.True(t, chain.Allow(newEvent(t, "IP_ADDRESS", "192.0.2.1")))
}

func TestDisabledFilterIsSkipped(t *testing.T) {
	blocker := NewTypeFilter("blocker", "NOTHING_MATCHES")
	chain := NewFilterChain(ChainAllPass, blocker)

	assert.False(t, chain.Allow(newEvent(t, "IP_ADDRESS", "192.0.2.1")))

	blocker.Disable()
	assert.True(t, chain.Allow(newEvent(t, "IP_ADDRESS", "192.0.2.1")))

	blocker.Enable()
	assert.False(t, chain.Allow(newEvent(t, "IP_ADDRESS", "192.0.2.1")))
}

func TestPatternFilter(t *testing.T) {
	allow, err := NewPatternFilter("corp", `\.example\.com$`, PatternAllow)
	require.NoError(t, err)
	deny, err := NewPatternFilter("private", `^10\.`, PatternDeny)
	require.NoError(t, err)

	assert.Equal(t, FilterPass, allow.Evaluate(newEvent(t, "INTERNET_NAME", "www.example.com")))
	assert.Equal(t, FilterBlock, allow.Evaluate(newEvent(t, "INTERNET_NAME", "www.other.com")))
	assert.Equal(t, FilterBlock, deny.Evaluate(newEvent(t, "IP_ADDRESS", "10.1.2.3")))
	assert.Equal(t, FilterPass, deny.Evaluate(newEvent(t, "IP_ADDRESS", "192.0.2.1")))

	_, err = NewPatternFilter("bad", "(unclosed", PatternAllow)
	assert.Error(t, err)
}

func TestModuleFilter(t *testing.T) {
	f := NewModuleFilter("mods", "test")
	assert.Equal(t, FilterPass, f.Evaluate(newEvent(t, "IP_ADDRESS", "192.0.2.1")))

	other := NewModuleFilter("mods", "dns")
	assert.Equal(t, FilterBlock, other.Evaluate(newEvent(t, "IP_ADDRESS", "192.0.2.1")))
}

func TestNilPredicateSkips(t *testing.T) {
	f := NewPredicateFilter("noop", nil)
	assert.Equal(t, FilterSkip, f.Evaluate(newEvent(t, "IP_ADDRESS", "192.0.2.1")))
}

// I5: in all_pass mode, chain true implies no enabled filter blocked.
func TestAllPassInvariant(t *testing.T) {
	filters := []Filter{
		NewTypeFilter("types", "IP_ADDRESS"),
		NewRiskFilter("risk", 0, 80),
		NewModuleFilter("mods", "test"),
	}
	chain := NewFilterChain(ChainAllPass, filters...)

	events := []*event.Event{
		riskEvent(t, 10),
		riskEvent(t, 90),
		newEvent(t, "DOMAIN_NAME", "example.com"),
	}

	for _, ev := range events {
		allowed := chain.Allow(ev)
		anyBlocked := false
		for _, f := range filters {
			if f.Enabled() && f.Evaluate(ev) == FilterBlock {
				anyBlocked = true
			}
		}
		assert.Equal(t, !anyBlocked, allowed)
	}
}
