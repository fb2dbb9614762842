package config

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Weights is one named ranking strategy: the weight vector applied to the
// ranker's five signals. Weights need not sum to 1; the ranker normalizes.
type Weights struct {
	Similarity    float64 `yaml:"similarity"`
	EntityOverlap float64 `yaml:"entity_overlap"`
	Temporal      float64 `yaml:"temporal"`
	Importance    float64 `yaml:"importance"`
	Reinforcement float64 `yaml:"reinforcement"`
}

// Strategy names for the built-in query profiles.
const (
	StrategyFactual     = "factual"
	StrategyProcedural  = "procedural"
	StrategyTemporal    = "temporal"
	StrategyExploratory = "exploratory"
)

// DefaultStrategies returns the built-in weight vectors. These are
// calibration defaults; deployments override them via a strategies file.
func DefaultStrategies() map[string]Weights {
	return map[string]Weights{
		StrategyFactual:     {Similarity: 0.25, EntityOverlap: 0.35, Temporal: 0.10, Importance: 0.20, Reinforcement: 0.10},
		StrategyProcedural:  {Similarity: 0.35, EntityOverlap: 0.15, Temporal: 0.10, Importance: 0.30, Reinforcement: 0.10},
		StrategyTemporal:    {Similarity: 0.20, EntityOverlap: 0.15, Temporal: 0.40, Importance: 0.15, Reinforcement: 0.10},
		StrategyExploratory: {Similarity: 0.40, EntityOverlap: 0.20, Temporal: 0.15, Importance: 0.15, Reinforcement: 0.10},
	}
}

// StrategyBook holds the live set of named strategies. Reads are concurrent
// with hot reloads, so access goes through a lock.
type StrategyBook struct {
	mu         sync.RWMutex
	strategies map[string]Weights
	watcher    *fsnotify.Watcher
	done       chan struct{}
}

// NewStrategyBook builds a book from the defaults, overlaid with the YAML
// file at path when non-empty.
func NewStrategyBook(path string) (*StrategyBook, error) {
	b := &StrategyBook{
		strategies: DefaultStrategies(),
		done:       make(chan struct{}),
	}

	if path == "" {
		return b, nil
	}

	if err := b.loadFile(path); err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns the named strategy, falling back to the factual defaults for
// unknown names so a stale caller never gets a zero weight vector.
func (b *StrategyBook) Get(name string) Weights {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if w, ok := b.strategies[name]; ok {
		return w
	}
	return b.strategies[StrategyFactual]
}

// Names returns the currently configured strategy names.
func (b *StrategyBook) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.strategies))
	for name := range b.strategies {
		names = append(names, name)
	}
	return names
}

// Watch begins hot-reloading the strategies file on change. Reload failures
// keep the previous strategies; a broken file never degrades ranking.
func (b *StrategyBook) Watch(path string) error {
	if path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create strategies watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: failed to watch %s: %w", path, err)
	}
	b.watcher = w

	go func() {
		for {
			select {
			case <-b.done:
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := b.loadFile(path); err != nil {
					log.Printf("config: strategies reload failed, keeping previous: %v", err)
					continue
				}
				log.Printf("config: reloaded ranking strategies from %s", path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config: strategies watcher error: %v", err)
			}
		}
	}()

	return nil
}

// Close stops the watcher, if any.
func (b *StrategyBook) Close() error {
	close(b.done)
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

func (b *StrategyBook) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read strategies file: %w", err)
	}

	var loaded map[string]Weights
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("config: failed to parse strategies file: %w", err)
	}

	merged := DefaultStrategies()
	for name, w := range loaded {
		merged[name] = w
	}

	b.mu.Lock()
	b.strategies = merged
	b.mu.Unlock()
	return nil
}
