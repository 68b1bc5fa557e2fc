package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netrecon/sweeper/internal/event"
	"github.com/netrecon/sweeper/internal/export"
	"github.com/netrecon/sweeper/internal/storage"
)

var exportFlags struct {
	format     string
	output     string
	eventTypes []string
	modules    []string
	minRisk    int
	maxResults int
	metadata   bool
	includeRaw bool
	pretty     bool
}

var exportCmd = &cobra.Command{
	Use:   "export <scan-id>",
	Short: "Export the results of a finished scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(args[0])
	},
}

func init() {
	registry := export.NewRegistry()
	formats := strings.Join(registry.Formats(), ", ")

	exportCmd.Flags().StringVarP(&exportFlags.format, "format", "f", "json", "output format: "+formats)
	exportCmd.Flags().StringVarP(&exportFlags.output, "output", "o", "", "output file (default: stdout)")
	exportCmd.Flags().StringSliceVar(&exportFlags.eventTypes, "type", nil, "restrict to these event types")
	exportCmd.Flags().StringSliceVar(&exportFlags.modules, "module", nil, "restrict to events from these modules")
	exportCmd.Flags().IntVar(&exportFlags.minRisk, "min-risk", 0, "drop events below this risk score")
	exportCmd.Flags().IntVar(&exportFlags.maxResults, "max-results", 0, "cap the number of exported events (0 = all)")
	exportCmd.Flags().BoolVar(&exportFlags.metadata, "metadata", false, "include tags and metadata")
	exportCmd.Flags().BoolVar(&exportFlags.includeRaw, "raw", false, "include raw data events")
	exportCmd.Flags().BoolVar(&exportFlags.pretty, "pretty", false, "indent JSON output")
}

func runExport(scanID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Config{DBPath: cfg.Store.DBPath})
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetScan(scanID); err != nil {
		return err
	}

	rows, err := store.ResultEvent(scanID, storage.ResultCriteria{
		EventTypes:          exportFlags.eventTypes,
		Modules:             exportFlags.modules,
		FilterFalsePositive: true,
	})
	if err != nil {
		return err
	}
	events := make([]*event.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.Event())
	}

	opts := export.DefaultOptions()
	opts.IncludeMetadata = exportFlags.metadata
	opts.IncludeRaw = exportFlags.includeRaw
	opts.MinRisk = exportFlags.minRisk
	opts.MaxResults = exportFlags.maxResults
	opts.Pretty = exportFlags.pretty

	registry := export.NewRegistry()
	out, err := registry.Export(exportFlags.format, events, opts)
	if err != nil {
		return err
	}

	if exportFlags.output == "" {
		fmt.Println(out)
		return nil
	}
	if err := os.WriteFile(exportFlags.output, []byte(out), 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %d events to %s\n", len(events), exportFlags.output)
	return nil
}
