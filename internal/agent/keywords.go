package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// keywordFile is the on-disk YAML shape:
//
//	keywords:
//	  - refund
//	  - chargeback
type keywordFile struct {
	Keywords []string `yaml:"keywords"`
}

// KeywordProvider loads the monitored keyword set from a YAML file and
// pushes updates when the file changes or a RELOAD_CONFIG arrives. The
// config service is an external collaborator; the file is its local
// materialization.
type KeywordProvider struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	current  []string
	onUpdate func([]string)
}

// NewKeywordProvider loads the initial set from path.
func NewKeywordProvider(path string, logger *zap.Logger) (*KeywordProvider, error) {
	p := &KeywordProvider{path: path, logger: logger}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Keywords returns the current set.
func (p *KeywordProvider) Keywords() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.current))
	copy(out, p.current)
	return out
}

// OnUpdate registers the callback invoked with the new set after every
// successful reload.
func (p *KeywordProvider) OnUpdate(fn func([]string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Reload re-reads the file and notifies the update callback. A read or
// parse failure keeps the previous set: a half-written file must not
// blank the detector.
func (p *KeywordProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("KeywordProvider.Reload: %w", err)
	}
	var kf keywordFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return fmt.Errorf("KeywordProvider.Reload: parse %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.current = kf.Keywords
	fn := p.onUpdate
	p.mu.Unlock()

	p.logger.Info("keyword file loaded",
		zap.String("path", p.path),
		zap.Int("keywords", len(kf.Keywords)),
	)
	if fn != nil {
		fn(kf.Keywords)
	}
	return nil
}

// Watch reloads on file changes until ctx is cancelled. The watch is on
// the parent directory because editors and config pushers typically
// replace the file rather than writing in place.
func (p *KeywordProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("KeywordProvider.Watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("KeywordProvider.Watch: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					p.logger.Warn("keyword reload failed, keeping previous set", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("keyword watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
