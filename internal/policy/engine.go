package policy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/logging"
)

// Engine serves immutable Rules snapshots. Reads are lock-free; the single
// writer replaces the snapshot copy-on-write when the rules file changes.
type Engine struct {
	snapshot atomic.Value // Rules

	mu        sync.Mutex // guards reload bookkeeping
	rulesPath string
	lastMtime time.Time
	lastCheck time.Time
	log       *logging.Logger
}

// checkInterval bounds how often Snapshot stats the rules file.
const checkInterval = 2 * time.Second

// NewEngine builds an engine layered as defaults <- env <- rules file.
// A missing or malformed file is not an error; defaults+env apply.
func NewEngine(rulesPath string) *Engine {
	e := &Engine{
		rulesPath: rulesPath,
		log:       logging.Global().WithComponent("policy"),
	}

	base := Default()
	base.applyEnv()
	e.snapshot.Store(base)

	if rulesPath != "" {
		if err := e.reload(); err != nil {
			e.log.Warn("rules file %s not loaded: %v (using defaults)", rulesPath, err)
		}
	}
	return e
}

// Snapshot returns the current rules. When the rules file mtime has changed
// since the last check the snapshot is reloaded first; a malformed file keeps
// the last good snapshot.
func (e *Engine) Snapshot() Rules {
	if e.rulesPath != "" {
		e.maybeReload()
	}
	return e.snapshot.Load().(Rules)
}

func (e *Engine) maybeReload() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if now.Sub(e.lastCheck) < checkInterval {
		return
	}
	e.lastCheck = now

	info, err := os.Stat(e.rulesPath)
	if err != nil {
		return // absent file keeps the current snapshot
	}
	if info.ModTime().Equal(e.lastMtime) {
		return
	}

	if err := e.reloadLocked(info.ModTime()); err != nil {
		e.log.Warn("rules reload failed, keeping last good snapshot: %v", err)
	}
}

func (e *Engine) reload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := os.Stat(e.rulesPath)
	if err != nil {
		return err
	}
	return e.reloadLocked(info.ModTime())
}

// reloadLocked parses the rules file and swaps in a new snapshot. Callers
// hold e.mu.
func (e *Engine) reloadLocked(mtime time.Time) error {
	data, err := os.ReadFile(e.rulesPath)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}

	fresh := Default()
	fresh.applyEnv()
	if err := yaml.Unmarshal(data, &fresh); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}

	e.snapshot.Store(fresh)
	e.lastMtime = mtime
	e.log.Info("rules reloaded from %s", e.rulesPath)
	return nil
}

// CheckFile parses a rules file without installing it. Used by `relay rules
// check` to validate a file offline.
func CheckFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, err
	}
	r := Default()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	return r, nil
}
