package correlation

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// RuleWatcher monitors a rules directory and reloads the rule set when a
// rule file is written, created, or removed.
type RuleWatcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu          sync.RWMutex
	rules       []*Rule
	lastModTime time.Time
	onReload    func([]*Rule)
}

// NewRuleWatcher loads the directory once and prepares the watcher. The
// initial load must succeed; later reload failures keep the previous set.
func NewRuleWatcher(dir string) (*RuleWatcher, error) {
	rules, err := LoadRulesDir(dir)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	rw := &RuleWatcher{
		dir:      dir,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		rules:    rules,
	}
	if stat, err := os.Stat(dir); err == nil {
		rw.lastModTime = stat.ModTime()
	}
	return rw, nil
}

// Rules returns the most recently loaded rule set.
func (rw *RuleWatcher) Rules() []*Rule {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.rules
}

// OnReload sets a callback invoked with the new rule set after each
// successful reload.
func (rw *RuleWatcher) OnReload(fn func([]*Rule)) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.onReload = fn
}

// Start begins watching the rules directory, falling back to polling when
// the directory cannot be watched.
func (rw *RuleWatcher) Start() error {
	if err := rw.watcher.Add(rw.dir); err != nil {
		log.Warn().Err(err).Str("path", rw.dir).Msg("Falling back to polling for rule changes")
		go rw.pollForChanges()
		return nil
	}

	go rw.watchForChanges()
	log.Info().Str("path", rw.dir).Msg("Started watching correlation rules")
	return nil
}

// Stop stops the watcher.
func (rw *RuleWatcher) Stop() {
	rw.stopOnce.Do(func() {
		close(rw.stopChan)
		rw.watcher.Close()
	})
}

// Reload manually re-reads the rules directory.
func (rw *RuleWatcher) Reload() {
	rw.reload()
}

func (rw *RuleWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				// Debounce so a partially written file is not parsed.
				time.Sleep(100 * time.Millisecond)
				log.Info().Str("event", event.Op.String()).Str("file", filepath.Base(event.Name)).
					Msg("Detected rule file change")
				rw.reload()
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Rule watcher error")

		case <-rw.stopChan:
			return
		}
	}
}

func (rw *RuleWatcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(rw.dir)
			if err != nil {
				continue
			}
			rw.mu.RLock()
			changed := stat.ModTime().After(rw.lastModTime)
			rw.mu.RUnlock()
			if changed {
				log.Info().Msg("Detected rule change via polling")
				rw.mu.Lock()
				rw.lastModTime = stat.ModTime()
				rw.mu.Unlock()
				rw.reload()
			}

		case <-rw.stopChan:
			return
		}
	}
}

func (rw *RuleWatcher) reload() {
	rules, err := LoadRulesDir(rw.dir)
	if err != nil {
		log.Error().Err(err).Str("path", rw.dir).Msg("Rule reload failed, keeping previous set")
		return
	}

	rw.mu.Lock()
	rw.rules = rules
	callback := rw.onReload
	rw.mu.Unlock()

	log.Info().Int("rules", len(rules)).Msg("Reloaded correlation rules")
	if callback != nil {
		callback(rules)
	}
}
