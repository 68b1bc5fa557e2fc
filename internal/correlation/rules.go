// Package correlation turns a finished scan's events into findings. The
// batch correlator evaluates YAML rule documents against the event store;
// the streaming correlator watches live events against in-process rules.
package correlation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/netrecon/sweeper/internal/errs"
)

// Match methods for collection match-rules.
const (
	MethodExact = "exact"
	MethodRegex = "regex"
)

// Risk levels a rule may carry.
var validRisks = map[string]bool{
	"HIGH":   true,
	"MEDIUM": true,
	"LOW":    true,
	"INFO":   true,
}

var topLevelKeys = map[string]bool{
	"id":          true,
	"version":     true,
	"enabled":     true,
	"meta":        true,
	"collections": true,
	"aggregation": true,
	"analysis":    true,
	"headline":    true,
}

var analysisMethods = map[string]bool{
	"threshold":                     true,
	"outlier":                       true,
	"first_collection_only":         true,
	"match_all_to_first_collection": true,
}

var fieldPattern = regexp.MustCompile(`^(type|module|data|(child|source|entity)\.(type|module|data))$`)

// Values accepts a YAML scalar or sequence and normalizes to a string
// slice.
type Values []string

func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = Values{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*v = Values(list)
		return nil
	}
	return fmt.Errorf("value must be a scalar or list, got %v", node.Kind)
}

// MatchRule is one (field, method, value) predicate inside a collection.
type MatchRule struct {
	Field  string `yaml:"field"`
	Method string `yaml:"method"`
	Value  Values `yaml:"value"`
}

// Collection is one ordered list of match-rules. Its first rule queries
// the store; the rest narrow in memory.
type Collection struct {
	Collect []MatchRule `yaml:"collect"`
}

// Meta carries a rule's descriptive fields.
type Meta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Risk        string `yaml:"risk"`
}

// Aggregation buckets matched events by a field before analysis.
type Aggregation struct {
	Field string `yaml:"field"`
}

// Analysis is one analysis step. Fields beyond Method apply per method.
type Analysis struct {
	Method          string  `yaml:"method"`
	Field           string  `yaml:"field"`
	Minimum         int     `yaml:"minimum"`
	Maximum         int     `yaml:"maximum"`
	CountUniqueOnly bool    `yaml:"count_unique_only"`
	MaximumPercent  float64 `yaml:"maximum_percent"`
	NoisyPercent    float64 `yaml:"noisy_percent"`
	MatchMethod     string  `yaml:"match_method"`
}

// Rule is one fully validated correlation rule document.
type Rule struct {
	ID          string       `yaml:"id"`
	Version     int          `yaml:"version"`
	Enabled     bool         `yaml:"enabled"`
	Meta        Meta         `yaml:"meta"`
	Collections []Collection `yaml:"collections"`
	Aggregation *Aggregation `yaml:"aggregation"`
	Analysis    []Analysis   `yaml:"analysis"`
	Headline    string       `yaml:"headline"`

	// RawYAML preserves the source document for audit storage.
	RawYAML string `yaml:"-"`
}

// ParseRule parses and validates a single YAML rule document. Any
// violation is an error, never a warning.
func ParseRule(doc []byte) (*Rule, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, errs.Newf(errs.KindValidation, "parse_rule", "rule is not valid YAML: %v", err)
	}
	for key := range raw {
		if !topLevelKeys[key] {
			return nil, errs.Newf(errs.KindValidation, "parse_rule", "unknown top-level key %q", key)
		}
	}

	var rule Rule
	if err := yaml.Unmarshal(doc, &rule); err != nil {
		return nil, errs.Newf(errs.KindValidation, "parse_rule", "rule does not match schema: %v", err)
	}
	rule.RawYAML = string(doc)

	if err := rule.validate(raw); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Rule) validate(raw map[string]any) error {
	fail := func(format string, args ...any) error {
		id := r.ID
		if id == "" {
			id = "<unnamed>"
		}
		return errs.Newf(errs.KindValidation, "validate_rule", "rule %s: %s", id, fmt.Sprintf(format, args...))
	}

	if r.ID == "" {
		return fail("id is required")
	}
	if _, ok := raw["version"]; !ok {
		return fail("version is required")
	}
	if _, ok := raw["enabled"]; !ok {
		return fail("enabled is required")
	}
	if _, ok := raw["meta"]; !ok {
		return fail("meta is required")
	}
	if r.Meta.Name == "" {
		return fail("meta.name is required")
	}
	if !validRisks[r.Meta.Risk] {
		return fail("meta.risk must be one of HIGH, MEDIUM, LOW, INFO")
	}
	if len(r.Collections) == 0 {
		return fail("at least one collection is required")
	}
	if r.Headline == "" {
		return fail("headline is required")
	}

	for ci, coll := range r.Collections {
		if len(coll.Collect) == 0 {
			return fail("collection %d has no match-rules", ci)
		}
		for mi, mr := range coll.Collect {
			if !fieldPattern.MatchString(mr.Field) {
				return fail("collection %d match-rule %d: invalid field %q", ci, mi, mr.Field)
			}
			if mr.Method != MethodExact && mr.Method != MethodRegex {
				return fail("collection %d match-rule %d: invalid method %q", ci, mi, mr.Method)
			}
			if len(mr.Value) == 0 {
				return fail("collection %d match-rule %d: value is required", ci, mi)
			}
			if mr.Field == "module" && mr.Method == MethodRegex {
				return fail("collection %d match-rule %d: module does not support regex matching", ci, mi)
			}
			if mr.Method == MethodRegex {
				for _, v := range mr.Value {
					if _, err := regexp.Compile(v); err != nil {
						return fail("collection %d match-rule %d: bad regex %q: %v", ci, mi, v, err)
					}
				}
			}
			if mi == 0 {
				if strings.Contains(mr.Field, ".") {
					return fail("collection %d: first match-rule field %q must not be dotted", ci, mr.Field)
				}
				if mr.Field == "data" && mr.Method == MethodRegex {
					return fail("collection %d: first match-rule cannot use regex on data", ci)
				}
			}
		}
	}

	for ai, an := range r.Analysis {
		if !analysisMethods[an.Method] {
			return fail("analysis %d: unknown method %q", ai, an.Method)
		}
		if an.Method == "match_all_to_first_collection" {
			switch an.MatchMethod {
			case "", "exact", "subnet", "contains":
			default:
				return fail("analysis %d: invalid match_method %q", ai, an.MatchMethod)
			}
		}
	}
	return nil
}

// LoadRulesDir parses every .yaml/.yml file under dir into rules, sorted
// by id. A single bad rule fails the whole load.
func LoadRulesDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Newf(errs.KindConfig, "load_rules", "read rules directory: %v", err)
	}

	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		doc, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errs.Newf(errs.KindConfig, "load_rules", "read %s: %v", entry.Name(), err)
		}
		rule, err := ParseRule(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		rules = append(rules, rule)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// usesDotted reports whether any match-rule, the aggregation, or an
// analysis references the given dotted prefix (child, source, entity).
func (r *Rule) usesDotted(prefix string) bool {
	p := prefix + "."
	for _, coll := range r.Collections {
		for _, mr := range coll.Collect {
			if strings.HasPrefix(mr.Field, p) {
				return true
			}
		}
	}
	if r.Aggregation != nil && strings.HasPrefix(r.Aggregation.Field, p) {
		return true
	}
	for _, an := range r.Analysis {
		if strings.HasPrefix(an.Field, p) {
			return true
		}
	}
	return strings.Contains(r.Headline, "{"+p)
}
