package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netrecon/sweeper/internal/config"
	"github.com/netrecon/sweeper/internal/correlation"
	"github.com/netrecon/sweeper/internal/engine"
	"github.com/netrecon/sweeper/internal/logging"
	"github.com/netrecon/sweeper/internal/policy"
	"github.com/netrecon/sweeper/internal/storage"
)

var scanFlags struct {
	name         string
	modules      []string
	denyModules  []string
	allowTypes   []string
	maxEvents    int
	maxDepth     int
	maxRuntime   time.Duration
	skipRules    bool
}

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run a scan against a target",
	Long: `Runs every admitted module against the target, persists the
resulting events, and applies the correlation rules once the scan
finishes. The target type (domain, IP address, netblock, email, phone)
is detected from its value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args[0])
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanFlags.name, "name", "", "scan name (defaults to the target)")
	scanCmd.Flags().StringSliceVarP(&scanFlags.modules, "module", "m", nil, "modules to run (default: all registered)")
	scanCmd.Flags().StringSliceVar(&scanFlags.denyModules, "deny-module", nil, "module name patterns to exclude")
	scanCmd.Flags().StringSliceVar(&scanFlags.allowTypes, "allow-type", nil, "restrict emitted event types")
	scanCmd.Flags().IntVar(&scanFlags.maxEvents, "max-events", 0, "cap on published events (0 = config default)")
	scanCmd.Flags().IntVar(&scanFlags.maxDepth, "max-depth", 0, "cap on provenance depth (0 = config default)")
	scanCmd.Flags().DurationVar(&scanFlags.maxRuntime, "max-runtime", 0, "cap on scan wall clock (0 = config default)")
	scanCmd.Flags().BoolVar(&scanFlags.skipRules, "skip-rules", false, "do not run correlation rules after the scan")
}

// loadConfig initializes logging and loads the layered configuration.
func loadConfig() (config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "sweeper"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "sweeper",
	})
	return cfg, nil
}

func runScan(target string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Config{DBPath: cfg.Store.DBPath})
	if err != nil {
		return err
	}
	defer store.Close()

	pol := policy.Policy{
		DeniedModules:     scanFlags.denyModules,
		AllowedEventTypes: scanFlags.allowTypes,
		MaxEvents:         scanFlags.maxEvents,
		MaxDepth:          scanFlags.maxDepth,
		MaxRuntime:        scanFlags.maxRuntime,
	}
	if pol.MaxEvents == 0 {
		pol.MaxEvents = cfg.Scan.MaxEvents
	}
	if pol.MaxDepth == 0 {
		pol.MaxDepth = cfg.Scan.MaxDepth
	}
	if pol.MaxRuntime == 0 {
		pol.MaxRuntime = cfg.Scan.MaxRuntime
	}

	eng := engine.New(cfg, engine.DefaultRegistry(), store)
	scan, err := eng.NewScan(engine.ScanOptions{
		Name:    scanFlags.name,
		Target:  target,
		Modules: scanFlags.modules,
		Policy:  pol,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		scan.RequestAbort()
	}()

	log.Info().Str("scanID", scan.ID).Str("target", target).Msg("Starting scan")
	if err := scan.Run(ctx); err != nil {
		return err
	}
	fmt.Printf("Scan %s finished with status %s\n", scan.ID, scan.Status())

	if scanFlags.skipRules {
		return nil
	}
	return correlate(scan, cfg)
}

// correlate applies the configured rule directory to a finished scan.
// A missing rules directory is not an error.
func correlate(scan *engine.Scan, cfg config.Config) error {
	if _, err := os.Stat(cfg.Rules.Dir); os.IsNotExist(err) {
		log.Debug().Str("path", cfg.Rules.Dir).Msg("No rules directory, skipping correlation")
		return nil
	}

	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}

	findings, err := scan.Correlate(rules)
	if err != nil {
		return err
	}
	for _, f := range findings {
		fmt.Printf("[%s] %s (%d events, rule %s)\n", f.Risk, f.Title, len(f.EventHashes), f.RuleID)
	}
	if len(findings) == 0 {
		fmt.Println("No correlations found")
	}
	return nil
}

// loadRules reads the rule directory, through the hot-reloading watcher
// when configured so long-running callers pick up edits.
func loadRules(cfg config.Config) ([]*correlation.Rule, error) {
	if !cfg.Rules.Watch {
		return correlation.LoadRulesDir(cfg.Rules.Dir)
	}
	watcher, err := correlation.NewRuleWatcher(cfg.Rules.Dir)
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	defer watcher.Stop()
	return watcher.Rules(), nil
}
