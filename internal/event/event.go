// Package event defines the atomic unit of discovery shared by every
// scan component: typed events with provenance, the open event type
// registry, and seed target scope matching.
package event

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/netrecon/sweeper/internal/errs"
)

// RootHash is the sentinel hash carried by the single root event of a scan.
const RootHash = "ROOT"

// RootType is the reserved event type of the scan seed event.
const RootType = "ROOT"

// Event is an immutable discovery record. Scoring fields may be adjusted
// via the With* setters only before the event is published to the bus.
type Event struct {
	Type         string  `json:"eventType"`
	Data         string  `json:"data"`
	Module       string  `json:"module"`
	SourceHash   string  `json:"sourceEventHash"`
	Hash         string  `json:"hash"`
	Generated    float64 `json:"generated"` // wall-clock seconds
	Confidence   int     `json:"confidence"`
	Visibility   int     `json:"visibility"`
	Risk         int     `json:"risk"`
	ActualSource string  `json:"actualSource,omitempty"`
	DataSource   string  `json:"dataSource,omitempty"`

	// Tags and metadata are attached by pipeline stages prior to publication.
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	published bool
}

// NewRoot creates the root event for a scan seed. Exactly one exists per scan.
func NewRoot(data string) (*Event, error) {
	if data == "" {
		return nil, errs.Newf(errs.KindValidation, "new_root_event", "root event data must not be empty")
	}
	return &Event{
		Type:       RootType,
		Data:       data,
		Hash:       RootHash,
		SourceHash: RootHash,
		Generated:  nowSeconds(),
		Confidence: 100,
		Visibility: 100,
		Risk:       0,
	}, nil
}

// New creates a child event produced by a module from a parent event.
func New(eventType, data, module string, parent *Event) (*Event, error) {
	if eventType == "" {
		return nil, errs.Newf(errs.KindValidation, "new_event", "event type must not be empty")
	}
	if data == "" {
		return nil, errs.Newf(errs.KindValidation, "new_event", "event data must not be empty")
	}
	if module == "" {
		return nil, errs.Newf(errs.KindValidation, "new_event", "module must not be empty for non-root events")
	}
	if parent == nil {
		return nil, errs.Newf(errs.KindValidation, "new_event", "non-root event requires a parent")
	}

	ev := &Event{
		Type:       eventType,
		Data:       data,
		Module:     module,
		SourceHash: parent.Hash,
		Generated:  nowSeconds(),
		Confidence: 100,
		Visibility: 100,
		Risk:       0,
	}
	ev.Hash = computeHash(ev.Type, ev.Generated, ev.Module)
	return ev, nil
}

// computeHash derives the content-addressed hash from the identity tuple
// plus a random nonce so identical observations stay distinct.
func computeHash(eventType string, generated float64, module string) string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%.6f%s%s", eventType, generated, module, hex.EncodeToString(nonce))))
	return hex.EncodeToString(sum[:])
}

// IsRoot reports whether the event is a scan's root event.
func (e *Event) IsRoot() bool {
	return e.Hash == RootHash
}

// WithConfidence sets the confidence score before publication.
func (e *Event) WithConfidence(v int) (*Event, error) {
	if err := e.checkScore("confidence", v); err != nil {
		return nil, err
	}
	e.Confidence = v
	return e, nil
}

// WithVisibility sets the visibility score before publication.
func (e *Event) WithVisibility(v int) (*Event, error) {
	if err := e.checkScore("visibility", v); err != nil {
		return nil, err
	}
	e.Visibility = v
	return e, nil
}

// WithRisk sets the risk score before publication.
func (e *Event) WithRisk(v int) (*Event, error) {
	if err := e.checkScore("risk", v); err != nil {
		return nil, err
	}
	e.Risk = v
	return e, nil
}

// WithSource records the upstream URL and provider name.
func (e *Event) WithSource(actualSource, dataSource string) *Event {
	if !e.published {
		e.ActualSource = actualSource
		e.DataSource = dataSource
	}
	return e
}

func (e *Event) checkScore(field string, v int) error {
	if e.published {
		return errs.Newf(errs.KindValidation, "set_"+field, "event %s is already published", e.Hash)
	}
	if v < 0 || v > 100 {
		return errs.Newf(errs.KindValidation, "set_"+field, "%s %d out of range 0..100", field, v)
	}
	return nil
}

// MarkPublished freezes the event. Called by the bus exactly once.
func (e *Event) MarkPublished() {
	e.published = true
}

// Published reports whether the event has been handed to the bus.
func (e *Event) Published() bool {
	return e.published
}

// AddTag appends a tag if not already present. Pipeline stages call this
// before publication.
func (e *Event) AddTag(tag string) {
	if e.published || tag == "" {
		return
	}
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// SetMeta records a metadata key before publication.
func (e *Event) SetMeta(key, value string) {
	if e.published {
		return
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// Meta returns a metadata value.
func (e *Event) Meta(key string) string {
	return e.Metadata[key]
}

// Equal compares events by hash only.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Hash == other.Hash
}

// GeneratedTime converts the float-seconds timestamp to a time.Time.
func (e *Event) GeneratedTime() time.Time {
	sec := int64(e.Generated)
	nsec := int64((e.Generated - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
