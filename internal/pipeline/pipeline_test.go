package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrecon/sweeper/internal/event"
)

func newEvent(t *testing.T, eventType, data string) *event.Event {
	t.Helper()
	root, err := event.NewRoot("example.com")
	require.NoError(t, err)
	ev, err := event.New(eventType, data, "test", root)
	require.NoError(t, err)
	return ev
}

func TestValidatorDropsDisallowedType(t *testing.T) {
	p := New(&ValidatorStage{AllowedTypes: map[string]bool{
		"IP_ADDRESS":  true,
		"DOMAIN_NAME": true,
	}})

	result := p.Execute(newEvent(t, "EMAIL_ADDRESS", "a@b.com"))

	assert.Equal(t, VerdictDrop, result.Verdict)
	assert.Equal(t, "validator", result.Stage)
	assert.Contains(t, result.DropReason, "Type 'EMAIL_ADDRESS' not allowed")
}

func TestValidatorDropsOversizedData(t *testing.T) {
	p := New(&ValidatorStage{MaxDataBytes: 4})

	passed := p.Execute(newEvent(t, "IP_ADDRESS", "1234"))
	assert.Equal(t, VerdictContinue, passed.Verdict)

	dropped := p.Execute(newEvent(t, "IP_ADDRESS", "12345"))
	assert.Equal(t, VerdictDrop, dropped.Verdict)
}

func TestTransformStage(t *testing.T) {
	p := New(&TransformStage{Transform: strings.ToLower})
	ev := newEvent(t, "INTERNET_NAME", "WWW.Example.COM")

	result := p.Execute(ev)

	assert.Equal(t, VerdictContinue, result.Verdict)
	assert.Equal(t, "www.example.com", ev.Data)
}

func TestTaggerStage(t *testing.T) {
	p := New(&TaggerStage{Patterns: map[string]string{
		"MALICIOUS": "risky",
		"10.0.":     "internal",
	}})

	ev := newEvent(t, "MALICIOUS_IPADDR", "10.0.0.5")
	p.Execute(ev)

	assert.Contains(t, ev.Tags, "risky")
	assert.Contains(t, ev.Tags, "internal")
}

func TestRouterStage(t *testing.T) {
	p := New(&RouterStage{Routes: []Route{
		{Destination: "store", Match: func(ev *event.Event) bool { return true }},
		{Destination: "alerts", Match: func(ev *event.Event) bool { return ev.Risk > 50 }},
	}})

	ev := newEvent(t, "IP_ADDRESS", "192.0.2.1")
	p.Execute(ev)

	assert.Equal(t, "store", ev.Meta(RoutesMetaKey))
}

func TestStagePanicBecomesError(t *testing.T) {
	var handled []error
	p := New(&FuncStage{StageName: "bad", Fn: func(ev *event.Event) StageResult {
		panic("boom")
	}})
	p.OnError(func(stage string, ev *event.Event, err error) {
		handled = append(handled, err)
	})

	result := p.Execute(newEvent(t, "IP_ADDRESS", "192.0.2.1"))

	assert.Equal(t, VerdictError, result.Verdict)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "panicked")
	assert.Len(t, handled, 1)
}

func TestErrorHandlerPanicIsIsolated(t *testing.T) {
	p := New(&FuncStage{StageName: "erroring", Fn: func(ev *event.Event) StageResult {
		return Failed(errors.New("stage error"))
	}})
	p.OnError(func(stage string, ev *event.Event, err error) {
		panic("handler panic")
	})

	result := p.Execute(newEvent(t, "IP_ADDRESS", "192.0.2.1"))
	assert.Equal(t, VerdictError, result.Verdict)
}

func TestStageCounterInvariant(t *testing.T) {
	// I4: passed + dropped + errors == processed for each stage.
	p := New(
		&ValidatorStage{AllowedTypes: map[string]bool{"IP_ADDRESS": true}},
		&FuncStage{StageName: "flaky", Fn: func(ev *event.Event) StageResult {
			if strings.HasSuffix(ev.Data, "9") {
				return Failed(errors.New("bad data"))
			}
			return Continue()
		}},
	)

	inputs := []struct{ eventType, data string }{
		{"IP_ADDRESS", "192.0.2.1"},
		{"IP_ADDRESS", "192.0.2.9"},
		{"DOMAIN_NAME", "example.com"},
		{"IP_ADDRESS", "192.0.2.3"},
	}
	for _, in := range inputs {
		p.Execute(newEvent(t, in.eventType, in.data))
	}

	for _, name := range []string{"validator", "flaky"} {
		st, ok := p.StageStats(name)
		require.True(t, ok, name)
		assert.Equal(t, st.Processed, st.Passed+st.Dropped+st.Errors, name)
	}

	validator, _ := p.StageStats("validator")
	assert.Equal(t, int64(4), validator.Processed)
	assert.Equal(t, int64(1), validator.Dropped)

	flaky, _ := p.StageStats("flaky")
	assert.Equal(t, int64(3), flaky.Processed) // dropped event never reached it
	assert.Equal(t, int64(1), flaky.Errors)
}

func TestMeanLatency(t *testing.T) {
	assert.Equal(t, int64(0), int64(StageStats{}.MeanLatency()))

	st := StageStats{Processed: 4, Cumulative: 100}
	assert.Equal(t, int64(25), int64(st.MeanLatency()))
}

func TestRemoveStage(t *testing.T) {
	p := New(&ValidatorStage{AllowedTypes: map[string]bool{"IP_ADDRESS": true}})
	assert.Equal(t, 1, p.Len())
	assert.True(t, p.RemoveStage("validator"))
	assert.False(t, p.RemoveStage("validator"))
	assert.Equal(t, 0, p.Len())

	// Empty pipeline passes everything.
	result := p.Execute(newEvent(t, "ANYTHING", "data"))
	assert.Equal(t, VerdictContinue, result.Verdict)
}
