package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrecon/sweeper/internal/module"
)

func desc(name string, produces, consumes []string) module.Descriptor {
	return module.Descriptor{Name: name, Produces: produces, Consumes: consumes}
}

func TestLinearChain(t *testing.T) {
	r := New([]module.Descriptor{
		desc("target", []string{"DOMAIN_NAME"}, nil),
		desc("dns", []string{"IP_ADDRESS"}, []string{"DOMAIN_NAME"}),
		desc("geo", []string{"GEOINFO"}, []string{"IP_ADDRESS"}),
	})
	result := r.Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, []string{"target", "dns", "geo"}, result.LoadOrder)
	assert.Equal(t, [][]string{{"target"}, {"dns"}, {"geo"}}, result.Layers)
	assert.Empty(t, result.Cycles)
	assert.Empty(t, result.MissingProviders)
}

func TestCycleDetection(t *testing.T) {
	r := New([]module.Descriptor{
		desc("A", []string{"X"}, []string{"Y"}),
		desc("B", []string{"Y"}, []string{"X"}),
	})
	result := r.Resolve()

	assert.Equal(t, StatusCircular, result.Status)
	assert.Empty(t, result.LoadOrder)
	require.NotEmpty(t, result.Cycles)

	found := false
	for _, cycle := range result.Cycles {
		hasA, hasB := false, false
		for _, m := range cycle {
			if m == "A" {
				hasA = true
			}
			if m == "B" {
				hasB = true
			}
		}
		if hasA && hasB {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle containing both A and B, got %v", result.Cycles)
}

func TestMissingProvider(t *testing.T) {
	r := New([]module.Descriptor{
		desc("whois", []string{"RAW_RIR_DATA"}, []string{"DOMAIN_NAME"}),
	})
	result := r.Resolve()

	assert.Equal(t, StatusMissingProvider, result.Status)
	// Partial order is still produced.
	assert.Equal(t, []string{"whois"}, result.LoadOrder)
	require.Len(t, result.MissingProviders, 1)
	assert.Equal(t, "whois", result.MissingProviders[0].Module)
	assert.Equal(t, "DOMAIN_NAME", result.MissingProviders[0].EventType)
}

func TestOptionalConsumesNeverMissing(t *testing.T) {
	r := New([]module.Descriptor{
		{Name: "storage", OptionalConsumes: []string{"NO_SUCH_TYPE"}},
	})
	result := r.Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	assert.Empty(t, result.MissingProviders)
}

func TestOptionalConsumesContributeEdges(t *testing.T) {
	r := New([]module.Descriptor{
		desc("producer", []string{"IP_ADDRESS"}, nil),
		{Name: "reporter", OptionalConsumes: []string{"IP_ADDRESS"}},
	})
	result := r.Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, []string{"producer", "reporter"}, result.LoadOrder)
	assert.Equal(t, []string{"producer"}, r.GetDependencies("reporter"))
}

func TestStandaloneModulesInFirstLayer(t *testing.T) {
	r := New([]module.Descriptor{
		desc("target", []string{"DOMAIN_NAME"}, nil),
		desc("dns", []string{"IP_ADDRESS"}, []string{"DOMAIN_NAME"}),
		desc("lonely", nil, nil),
	})
	result := r.Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	require.NotEmpty(t, result.Layers)
	assert.Equal(t, []string{"lonely", "target"}, result.Layers[0])
}

func TestSelfLoopDropped(t *testing.T) {
	r := New([]module.Descriptor{
		desc("spider", []string{"URL"}, []string{"URL"}),
	})
	result := r.Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, []string{"spider"}, result.LoadOrder)
}

func TestEmptyResolver(t *testing.T) {
	result := New(nil).Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	assert.Empty(t, result.LoadOrder)
	assert.Empty(t, result.Layers)
}

func TestWildcardConsumeCreatesNoEdges(t *testing.T) {
	r := New([]module.Descriptor{
		desc("target", []string{"DOMAIN_NAME"}, nil),
		desc("sink", nil, []string{module.ConsumeAll}),
	})
	result := r.Resolve()

	assert.Equal(t, StatusResolved, result.Status)
	assert.Empty(t, r.GetDependencies("sink"))
}

func TestDeterminism(t *testing.T) {
	descriptors := []module.Descriptor{
		desc("c", []string{"T3"}, []string{"T1"}),
		desc("a", []string{"T1"}, nil),
		desc("b", []string{"T2"}, []string{"T1"}),
		desc("d", nil, []string{"T2", "T3"}),
	}

	first := New(descriptors).Resolve()
	for i := 0; i < 10; i++ {
		again := New(descriptors).Resolve()
		assert.Equal(t, first.LoadOrder, again.LoadOrder)
		assert.Equal(t, first.Layers, again.Layers)
	}

	// I3: every edge A -> B respects load order position.
	pos := make(map[string]int)
	for i, name := range first.LoadOrder {
		pos[name] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestGraphQueries(t *testing.T) {
	r := New([]module.Descriptor{
		desc("target", []string{"DOMAIN_NAME"}, nil),
		desc("dns", []string{"IP_ADDRESS"}, []string{"DOMAIN_NAME"}),
		desc("geo", []string{"GEOINFO"}, []string{"IP_ADDRESS"}),
		desc("rep", []string{"MALICIOUS_IPADDR"}, []string{"IP_ADDRESS"}),
	})
	r.Resolve()

	assert.Equal(t, []string{"dns"}, r.GetProducers("IP_ADDRESS"))
	assert.Equal(t, []string{"geo", "rep"}, r.GetConsumers("IP_ADDRESS"))
	assert.Equal(t, []string{"dns"}, r.GetDependencies("geo"))
	assert.Equal(t, []string{"geo", "rep"}, r.GetDependents("dns"))
	assert.Equal(t, []string{"dns", "geo", "rep"}, r.GetImpact("target"))
	assert.Equal(t, []string{"target", "dns", "geo"}, r.GetCriticalPath("geo"))
	assert.Nil(t, r.GetCriticalPath("unknown"))
}
