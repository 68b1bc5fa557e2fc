package correlation

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
	"github.com/netrecon/sweeper/internal/storage"
)

// EventSource is the slice of the store the batch correlator needs.
type EventSource interface {
	GetScan(guid string) (*storage.ScanInstance, error)
	ResultEvent(scanID string, criteria storage.ResultCriteria) ([]storage.EventRow, error)
	SourcesDirect(scanID string, hashes []string) ([]storage.EventRow, error)
	SourcesAll(scanID string, hashes []string) (*storage.Lineage, error)
	ChildrenDirect(scanID string, hashes []string) ([]storage.EventRow, error)
	CreateCorrelation(result storage.CorrelationResult) (string, error)
}

// Finding is one correlation produced by a rule run.
type Finding struct {
	ID          string
	RuleID      string
	Title       string
	Risk        string
	EventHashes []string
}

// Correlator evaluates rule documents against a finished scan.
type Correlator struct {
	store EventSource
	types *event.TypeRegistry
}

// NewCorrelator builds a batch correlator over the given store.
func NewCorrelator(store EventSource, types *event.TypeRegistry) *Correlator {
	if types == nil {
		types = event.NewTypeRegistry()
	}
	return &Correlator{store: store, types: types}
}

// candidate is one matched event plus its per-collection enrichment.
// Aggregation may clone candidates with stripped sibling sets.
type candidate struct {
	row        storage.EventRow
	collection int
	children   []storage.EventRow
	sources    []storage.EventRow
	entities   []storage.EventRow
}

// Run evaluates every enabled rule against the scan and persists each
// resulting finding. The scan must be in a terminal state.
func (c *Correlator) Run(scanID string, rules []*Rule) ([]Finding, error) {
	scan, err := c.store.GetScan(scanID)
	if err != nil {
		return nil, err
	}
	if !scan.Status.Terminal() {
		return nil, errs.Newf(errs.KindValidation, "correlate",
			"scan %s is %s; correlation requires a terminal status", scanID, scan.Status)
	}

	var findings []Finding
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		ruleFindings, err := c.runRule(scanID, rule)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		findings = append(findings, ruleFindings...)
	}
	return findings, nil
}

func (c *Correlator) runRule(scanID string, rule *Rule) ([]Finding, error) {
	var pool []*candidate
	for ci, coll := range rule.Collections {
		matched, err := c.collect(scanID, rule, ci, coll)
		if err != nil {
			return nil, err
		}
		pool = append(pool, matched...)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	buckets := aggregate(pool, rule.Aggregation)
	for _, an := range rule.Analysis {
		buckets = applyAnalysis(buckets, an)
	}
	if len(buckets) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var findings []Finding
	for _, key := range keys {
		bucket := buckets[key]
		if len(bucket) == 0 {
			continue
		}
		title := renderHeadline(rule.Headline, bucket[0])
		hashes := distinctHashes(bucket)

		id, err := c.store.CreateCorrelation(storage.CorrelationResult{
			ScanID:      scanID,
			RuleID:      rule.ID,
			Name:        rule.Meta.Name,
			Description: rule.Meta.Description,
			Risk:        rule.Meta.Risk,
			RawYAML:     rule.RawYAML,
			Title:       title,
			EventHashes: hashes,
		})
		if err != nil {
			return nil, err
		}
		log.Debug().
			Str("scanID", scanID).
			Str("rule", rule.ID).
			Str("title", title).
			Int("events", len(hashes)).
			Msg("Correlation recorded")
		findings = append(findings, Finding{
			ID:          id,
			RuleID:      rule.ID,
			Title:       title,
			Risk:        rule.Meta.Risk,
			EventHashes: hashes,
		})
	}
	return findings, nil
}

// collect runs one collection: primary store query, enrichment, then the
// in-memory narrowing rules.
func (c *Correlator) collect(scanID string, rule *Rule, index int, coll Collection) ([]*candidate, error) {
	rows, err := c.primaryQuery(scanID, coll.Collect[0])
	if err != nil {
		return nil, err
	}

	cands := make([]*candidate, 0, len(rows))
	for _, row := range rows {
		cands = append(cands, &candidate{row: row, collection: index})
	}

	if rule.usesDotted("child") {
		if err := c.enrichChildren(scanID, cands); err != nil {
			return nil, err
		}
	}
	if rule.usesDotted("source") {
		if err := c.enrichSources(scanID, cands); err != nil {
			return nil, err
		}
	}
	if rule.usesDotted("entity") {
		if err := c.enrichEntities(scanID, cands); err != nil {
			return nil, err
		}
	}

	for _, mr := range coll.Collect[1:] {
		narrowed := cands[:0]
		for _, cand := range cands {
			if matchRule(cand, mr) {
				narrowed = append(narrowed, cand)
			}
		}
		cands = narrowed
	}
	return cands, nil
}

func (c *Correlator) primaryQuery(scanID string, first MatchRule) ([]storage.EventRow, error) {
	criteria := storage.ResultCriteria{FilterFalsePositive: true}
	switch {
	case first.Method == MethodExact && first.Field == "type":
		criteria.EventTypes = first.Value
	case first.Method == MethodExact && first.Field == "module":
		criteria.Modules = first.Value
	case first.Method == MethodExact && first.Field == "data":
		criteria.Data = first.Value
	default:
		// Regex on type: fetch the scan and filter in memory.
		rows, err := c.store.ResultEvent(scanID, criteria)
		if err != nil {
			return nil, err
		}
		patterns := compilePatterns(first.Value)
		var out []storage.EventRow
		for _, row := range rows {
			if matchAny(patterns, row.Type) {
				out = append(out, row)
			}
		}
		return out, nil
	}
	return c.store.ResultEvent(scanID, criteria)
}

func (c *Correlator) enrichChildren(scanID string, cands []*candidate) error {
	hashes := candidateHashes(cands)
	children, err := c.store.ChildrenDirect(scanID, hashes)
	if err != nil {
		return err
	}
	byParent := make(map[string][]storage.EventRow)
	for _, row := range children {
		byParent[row.SourceHash] = append(byParent[row.SourceHash], row)
	}
	for _, cand := range cands {
		cand.children = byParent[cand.row.Hash]
	}
	return nil
}

func (c *Correlator) enrichSources(scanID string, cands []*candidate) error {
	hashes := candidateHashes(cands)
	parents, err := c.store.SourcesDirect(scanID, hashes)
	if err != nil {
		return err
	}
	byHash := make(map[string]storage.EventRow, len(parents))
	for _, row := range parents {
		byHash[row.Hash] = row
	}
	for _, cand := range cands {
		if parent, ok := byHash[cand.row.SourceHash]; ok {
			cand.sources = []storage.EventRow{parent}
		}
	}
	return nil
}

// enrichEntities walks upward until an ENTITY or INTERNAL classified
// ancestor is found for each candidate.
func (c *Correlator) enrichEntities(scanID string, cands []*candidate) error {
	lineage, err := c.store.SourcesAll(scanID, candidateHashes(cands))
	if err != nil {
		return err
	}
	for _, cand := range cands {
		hash := cand.row.SourceHash
		for hash != "" && hash != event.RootHash {
			row, ok := lineage.Rows[hash]
			if !ok {
				break
			}
			if c.types.IsEntity(row.Type) {
				cand.entities = append(cand.entities, row)
				break
			}
			hash = row.SourceHash
		}
	}
	return nil
}

func candidateHashes(cands []*candidate) []string {
	out := make([]string, 0, len(cands))
	for _, cand := range cands {
		out = append(out, cand.row.Hash)
	}
	return out
}

// fieldValues resolves a rule field against a candidate. Dotted fields
// read from the enrichment, plain fields from the event row itself.
func fieldValues(cand *candidate, field string) []string {
	switch field {
	case "type":
		return []string{cand.row.Type}
	case "module":
		return []string{cand.row.Module}
	case "data":
		return []string{cand.row.Data}
	}

	prefix, sub, ok := strings.Cut(field, ".")
	if !ok {
		return nil
	}
	var rows []storage.EventRow
	switch prefix {
	case "child":
		rows = cand.children
	case "source":
		rows = cand.sources
	case "entity":
		rows = cand.entities
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		switch sub {
		case "type":
			out = append(out, row.Type)
		case "module":
			out = append(out, row.Module)
		case "data":
			out = append(out, row.Data)
		}
	}
	return out
}

func matchRule(cand *candidate, mr MatchRule) bool {
	values := fieldValues(cand, mr.Field)
	if mr.Method == MethodRegex {
		patterns := compilePatterns(mr.Value)
		for _, v := range values {
			if matchAny(patterns, v) {
				return true
			}
		}
		return false
	}
	for _, v := range values {
		for _, want := range mr.Value {
			if v == want {
				return true
			}
		}
	}
	return false
}

func compilePatterns(values []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(values))
	for _, v := range values {
		// Validated at load time.
		if re, err := regexp.Compile(v); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// aggregate groups candidates into buckets. Without an aggregation field
// every candidate shares one bucket. Dotted fields bucket per sub-event,
// cloning the candidate with non-matching siblings stripped.
func aggregate(pool []*candidate, agg *Aggregation) map[string][]*candidate {
	buckets := make(map[string][]*candidate)
	if agg == nil || agg.Field == "" {
		buckets[""] = pool
		return buckets
	}

	prefix, _, dotted := strings.Cut(agg.Field, ".")
	for _, cand := range pool {
		if !dotted || (prefix != "child" && prefix != "source" && prefix != "entity") {
			for _, v := range fieldValues(cand, agg.Field) {
				buckets[v] = append(buckets[v], cand)
			}
			continue
		}

		var rows []storage.EventRow
		switch prefix {
		case "child":
			rows = cand.children
		case "source":
			rows = cand.sources
		case "entity":
			rows = cand.entities
		}
		for _, row := range rows {
			clone := *cand
			switch prefix {
			case "child":
				clone.children = []storage.EventRow{row}
			case "source":
				clone.sources = []storage.EventRow{row}
			case "entity":
				clone.entities = []storage.EventRow{row}
			}
			for _, v := range fieldValues(&clone, agg.Field) {
				c2 := clone
				buckets[v] = append(buckets[v], &c2)
			}
		}
	}
	return buckets
}

func applyAnalysis(buckets map[string][]*candidate, an Analysis) map[string][]*candidate {
	switch an.Method {
	case "threshold":
		return analysisThreshold(buckets, an)
	case "outlier":
		return analysisOutlier(buckets, an)
	case "first_collection_only":
		return analysisFirstCollectionOnly(buckets)
	case "match_all_to_first_collection":
		return analysisMatchAllToFirst(buckets, an)
	}
	return buckets
}

// analysisThreshold keeps buckets whose value count (or unique value
// count) lies within [minimum, maximum]. Maximum zero means unbounded.
func analysisThreshold(buckets map[string][]*candidate, an Analysis) map[string][]*candidate {
	field := an.Field
	if field == "" {
		field = "data"
	}
	out := make(map[string][]*candidate)
	for key, bucket := range buckets {
		var values []string
		for _, cand := range bucket {
			values = append(values, fieldValues(cand, field)...)
		}
		count := len(values)
		if an.CountUniqueOnly {
			uniq := make(map[string]bool, len(values))
			for _, v := range values {
				uniq[v] = true
			}
			count = len(uniq)
		}
		if count < an.Minimum {
			continue
		}
		if an.Maximum > 0 && count > an.Maximum {
			continue
		}
		out[key] = bucket
	}
	return out
}

// analysisOutlier keeps buckets whose share of the total event count
// exceeds maximum_percent. When the average share falls below
// noisy_percent, the distribution is too flat to call outliers and all
// buckets are discarded.
func analysisOutlier(buckets map[string][]*candidate, an Analysis) map[string][]*candidate {
	total := 0
	for _, bucket := range buckets {
		total += len(bucket)
	}
	if total == 0 || len(buckets) == 0 {
		return map[string][]*candidate{}
	}

	avgPercent := 100.0 / float64(len(buckets))
	if avgPercent < an.NoisyPercent {
		return map[string][]*candidate{}
	}

	out := make(map[string][]*candidate)
	for key, bucket := range buckets {
		share := float64(len(bucket)) / float64(total) * 100.0
		if share > an.MaximumPercent {
			out[key] = bucket
		}
	}
	return out
}

func analysisFirstCollectionOnly(buckets map[string][]*candidate) map[string][]*candidate {
	out := make(map[string][]*candidate)
	for key, bucket := range buckets {
		var kept []*candidate
		for _, cand := range bucket {
			if cand.collection == 0 {
				kept = append(kept, cand)
			}
		}
		if len(kept) > 0 {
			out[key] = kept
		}
	}
	return out
}

// analysisMatchAllToFirst retains a bucket iff it contains at least one
// event from a non-primary collection whose field matches a value from
// the bucket's primary-collection events.
func analysisMatchAllToFirst(buckets map[string][]*candidate, an Analysis) map[string][]*candidate {
	field := an.Field
	if field == "" {
		field = "data"
	}
	method := an.MatchMethod
	if method == "" {
		method = "exact"
	}

	out := make(map[string][]*candidate)
	for key, bucket := range buckets {
		var primary []string
		for _, cand := range bucket {
			if cand.collection == 0 {
				primary = append(primary, fieldValues(cand, field)...)
			}
		}
		retained := false
		for _, cand := range bucket {
			if cand.collection == 0 {
				continue
			}
			for _, v := range fieldValues(cand, field) {
				if valueMatches(v, primary, method) {
					retained = true
					break
				}
			}
			if retained {
				break
			}
		}
		if retained {
			out[key] = bucket
		}
	}
	return out
}

func valueMatches(v string, targets []string, method string) bool {
	for _, target := range targets {
		switch method {
		case "exact":
			if v == target {
				return true
			}
		case "contains":
			if strings.Contains(v, target) || strings.Contains(target, v) {
				return true
			}
		case "subnet":
			if subnetMatch(v, target) || subnetMatch(target, v) {
				return true
			}
		}
	}
	return false
}

// subnetMatch reports whether addr falls inside block when block parses
// as CIDR.
func subnetMatch(addr, block string) bool {
	_, network, err := net.ParseCIDR(block)
	if err != nil {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return network.Contains(ip)
}

var headlineField = regexp.MustCompile(`\{([a-z_]+(?:\.[a-z_]+)?)\}`)

// renderHeadline substitutes {field.path} placeholders with the first
// value of the given candidate's field. Unresolvable fields render empty.
func renderHeadline(template string, cand *candidate) string {
	return headlineField.ReplaceAllStringFunc(template, func(m string) string {
		field := strings.Trim(m, "{}")
		values := fieldValues(cand, field)
		if len(values) == 0 {
			return ""
		}
		return values[0]
	})
}

func distinctHashes(bucket []*candidate) []string {
	seen := make(map[string]bool, len(bucket))
	out := make([]string, 0, len(bucket))
	for _, cand := range bucket {
		if !seen[cand.row.Hash] {
			seen[cand.row.Hash] = true
			out = append(out, cand.row.Hash)
		}
	}
	sort.Strings(out)
	return out
}
