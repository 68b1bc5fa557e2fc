package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// JSONExporter renders events as a JSON array of flat records.
type JSONExporter struct{}

func (e *JSONExporter) FormatName() string    { return "json" }
func (e *JSONExporter) FileExtension() string { return ".json" }
func (e *JSONExporter) ContentType() string   { return "application/json" }

func (e *JSONExporter) Export(events []*event.Event, opts Options) (string, error) {
	records := make([]map[string]any, 0)
	for _, ev := range opts.filter(events) {
		record := map[string]any{
			"type":       ev.Type,
			"data":       ev.Data,
			"module":     ev.Module,
			"hash":       ev.Hash,
			"sourceHash": ev.SourceHash,
			"generated":  opts.timestamp(ev),
			"confidence": ev.Confidence,
			"visibility": ev.Visibility,
			"risk":       ev.Risk,
		}
		if opts.IncludeMetadata {
			if len(ev.Tags) > 0 {
				record["tags"] = ev.Tags
			}
			if len(ev.Metadata) > 0 {
				record["metadata"] = ev.Metadata
			}
		}
		records = append(records, record)
	}

	var out []byte
	var err error
	if opts.Pretty {
		out, err = json.MarshalIndent(records, "", "  ")
	} else {
		out, err = json.Marshal(records)
	}
	if err != nil {
		return "", errs.Newf(errs.KindInternal, "export_json", "marshal: %v", err)
	}
	return string(out), nil
}

// CSVExporter renders events as comma-separated rows with a header.
type CSVExporter struct{}

func (e *CSVExporter) FormatName() string    { return "csv" }
func (e *CSVExporter) FileExtension() string { return ".csv" }
func (e *CSVExporter) ContentType() string   { return "text/csv" }

func (e *CSVExporter) Export(events []*event.Event, opts Options) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"generated", "type", "data", "module", "risk", "confidence", "hash", "source_hash"}
	if opts.IncludeMetadata {
		header = append(header, "tags")
	}
	if err := w.Write(header); err != nil {
		return "", errs.Newf(errs.KindInternal, "export_csv", "write header: %v", err)
	}

	for _, ev := range opts.filter(events) {
		row := []string{
			opts.timestamp(ev),
			ev.Type,
			ev.Data,
			ev.Module,
			fmt.Sprintf("%d", ev.Risk),
			fmt.Sprintf("%d", ev.Confidence),
			ev.Hash,
			ev.SourceHash,
		}
		if opts.IncludeMetadata {
			row = append(row, strings.Join(ev.Tags, ";"))
		}
		if err := w.Write(row); err != nil {
			return "", errs.Newf(errs.KindInternal, "export_csv", "write row: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errs.Newf(errs.KindInternal, "export_csv", "flush: %v", err)
	}
	return buf.String(), nil
}

// SummaryExporter renders a human-readable digest grouped by event type.
type SummaryExporter struct{}

func (e *SummaryExporter) FormatName() string    { return "summary" }
func (e *SummaryExporter) FileExtension() string { return ".txt" }
func (e *SummaryExporter) ContentType() string   { return "text/plain" }

func (e *SummaryExporter) Export(events []*event.Event, opts Options) (string, error) {
	filtered := opts.filter(events)

	byType := make(map[string][]*event.Event)
	for _, ev := range filtered {
		byType[ev.Type] = append(byType[ev.Type], ev)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Scan result summary\n")
	fmt.Fprintf(&b, "Total events: %d\n\n", len(filtered))
	for _, t := range types {
		group := byType[t]
		maxRisk := 0
		uniq := make(map[string]bool)
		for _, ev := range group {
			uniq[ev.Data] = true
			if ev.Risk > maxRisk {
				maxRisk = ev.Risk
			}
		}
		fmt.Fprintf(&b, "%s: %d events, %d unique, max risk %d\n", t, len(group), len(uniq), maxRisk)
		for _, ev := range group {
			fmt.Fprintf(&b, "  - %s (%s)\n", ev.Data, ev.Module)
		}
	}
	return b.String(), nil
}

// STIXExporter renders a STIX-like bundle of observed-data objects.
type STIXExporter struct{}

func (e *STIXExporter) FormatName() string    { return "stix" }
func (e *STIXExporter) FileExtension() string { return ".json" }
func (e *STIXExporter) ContentType() string   { return "application/stix+json" }

func (e *STIXExporter) Export(events []*event.Event, opts Options) (string, error) {
	objects := make([]map[string]any, 0)
	for _, ev := range opts.filter(events) {
		ts := opts.timestamp(ev)
		obj := map[string]any{
			"type":            "observed-data",
			"spec_version":    "2.1",
			"id":              "observed-data--" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(ev.Hash)).String(),
			"created":         ts,
			"modified":        ts,
			"first_observed":  ts,
			"last_observed":   ts,
			"number_observed": 1,
			"objects": map[string]any{
				"0": map[string]any{
					"type":  stixObjectType(ev.Type),
					"value": ev.Data,
				},
			},
			"x_event_type": ev.Type,
			"x_module":     ev.Module,
			"x_risk":       ev.Risk,
		}
		if opts.IncludeMetadata && len(ev.Tags) > 0 {
			obj["labels"] = ev.Tags
		}
		objects = append(objects, obj)
	}

	bundle := map[string]any{
		"type":    "bundle",
		"id":      "bundle--" + uuid.New().String(),
		"objects": objects,
	}

	var out []byte
	var err error
	if opts.Pretty {
		out, err = json.MarshalIndent(bundle, "", "  ")
	} else {
		out, err = json.Marshal(bundle)
	}
	if err != nil {
		return "", errs.Newf(errs.KindInternal, "export_stix", "marshal: %v", err)
	}
	return string(out), nil
}

func stixObjectType(eventType string) string {
	switch eventType {
	case "IP_ADDRESS":
		return "ipv4-addr"
	case "IPV6_ADDRESS":
		return "ipv6-addr"
	case "DOMAIN_NAME", "INTERNET_NAME":
		return "domain-name"
	case "EMAILADDR":
		return "email-addr"
	case "URL":
		return "url"
	}
	return "x-osint-observable"
}
