package tracker

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phobologic/ptxstage/internal/publish"
)

// Publishing uploads every refreshed artifact to a store, keyed by its path
// relative to the output directory under a prefix. Upload failures are
// logged and counted, never reported as diagnostics: the artifact itself was
// produced fine.
type Publishing struct {
	Tracker

	ctx       context.Context
	store     publish.Store
	outputDir string
	prefix    string
	log       logrus.FieldLogger

	mu        sync.Mutex
	published []string
	failures  int
}

func NewPublishing(ctx context.Context, t Tracker, store publish.Store, outputDir, prefix string, log logrus.FieldLogger) *Publishing {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publishing{
		Tracker:   t,
		ctx:       ctx,
		store:     store,
		outputDir: outputDir,
		prefix:    prefix,
		log:       log,
	}
}

func (p *Publishing) Refresh(path string) {
	p.Tracker.Refresh(path)

	entry := p.log.WithField("artifact", path)

	data, err := os.ReadFile(path)
	if err != nil {
		// Compilers that fail often leave no output behind.
		entry.WithError(err).Debug("nothing to publish")
		return
	}

	rel, err := filepath.Rel(p.outputDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	key := publish.Key(p.prefix, filepath.ToSlash(rel))

	if err := p.store.Put(p.ctx, key, data); err != nil {
		entry.WithError(err).WithField("key", key).Warn("publishing artifact failed")
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		return
	}
	entry.WithField("key", key).Debug("published artifact")

	p.mu.Lock()
	p.published = append(p.published, key)
	p.mu.Unlock()
}

// Published returns the keys uploaded so far.
func (p *Publishing) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

// Failures returns how many uploads failed.
func (p *Publishing) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
