package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/phobologic/ptxstage/internal/model"
)

const stateVersion = 1

// digestCacheSize bounds the memoised file digests.
const digestCacheSize = 4096

// missingDigest stands in for a dependency that could not be read.
const missingDigest = "-"

type fileState struct {
	Digest string            `json:"digest"`
	Deps   map[string]string `json:"deps,omitempty"`
}

type stateFile struct {
	Version  int                           `json:"version"`
	Files    map[string]fileState          `json:"files"`
	Messages map[string][]model.Diagnostic `json:"messages,omitempty"`
}

type digestKey struct {
	path  string
	size  int64
	mtime int64
}

// State is a Tracker persisted to a JSON file between runs.
//
// A file has a delta when it was never recorded, when its content digest
// changed, or when the digest of any file returned by the dependency function
// changed, appeared or disappeared. New digests are only committed by Save,
// and only for files that ended the run without error diagnostics, so a file
// that failed to compile is retried next time even if it is not edited.
type State struct {
	path    string
	deps    func(path string) []string
	log     logrus.FieldLogger
	digests *lru.Cache[digestKey, string]

	mu        sync.Mutex
	files     map[string]fileState
	pending   map[string]fileState
	messages  map[string][]model.Diagnostic
	refreshed []string
}

// Option configures a State.
type Option func(*State)

// WithDependencies sets the function listing the files a source depends on,
// typically its transitively included headers.
func WithDependencies(fn func(path string) []string) Option {
	return func(s *State) { s.deps = fn }
}

// WithLogger sets the logger used for unreadable files.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *State) { s.log = l }
}

// OpenState loads the state file at path. A missing file yields an empty
// state; a corrupt one is an error.
func OpenState(path string, opts ...Option) (*State, error) {
	cache, err := lru.New[digestKey, string](digestCacheSize)
	if err != nil {
		return nil, err
	}
	s := &State{
		path:     path,
		log:      logrus.StandardLogger(),
		digests:  cache,
		files:    make(map[string]fileState),
		pending:  make(map[string]fileState),
		messages: make(map[string][]model.Diagnostic),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %s: %w", path, err)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", path, err)
	}
	if sf.Version != stateVersion {
		s.log.WithField("state", path).Warnf("state version %d is not %d, starting fresh", sf.Version, stateVersion)
		return s, nil
	}
	if sf.Files != nil {
		s.files = sf.Files
	}
	if sf.Messages != nil {
		s.messages = sf.Messages
	}
	return s, nil
}

func (s *State) HasDelta(path string) bool {
	current, err := s.snapshot(path)
	if err != nil {
		s.log.WithError(err).WithField("file", path).Debug("cannot digest source, treating as changed")
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[path] = current
	prev, ok := s.files[path]
	return !ok || !sameState(prev, current)
}

func (s *State) RemoveMessages(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, path)
}

func (s *State) AddMessage(path string, line, column int, message string, severity model.Severity, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[path] = append(s.messages[path], newDiagnostic(path, line, column, message, severity, cause))
}

func (s *State) Refresh(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, path)
}

// Refreshed returns the artifacts refreshed since the state was opened.
func (s *State) Refreshed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refreshed...)
}

// Messages returns all outstanding diagnostics, sorted by file and then in
// the order they were reported.
func (s *State) Messages() []model.Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]string, 0, len(s.messages))
	for f := range s.messages {
		files = append(files, f)
	}
	sort.Strings(files)

	var out []model.Diagnostic
	for _, f := range files {
		out = append(out, s.messages[f]...)
	}
	return out
}

// Retain forgets every file not in paths, along with its diagnostics.
// Use it with the current set of sources to drop deleted files.
func (s *State) Retain(paths []string) {
	keep := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		keep[p] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.files {
		if _, ok := keep[p]; !ok {
			delete(s.files, p)
		}
	}
	for p := range s.messages {
		if _, ok := keep[p]; !ok {
			delete(s.messages, p)
		}
	}
	for p := range s.pending {
		if _, ok := keep[p]; !ok {
			delete(s.pending, p)
		}
	}
}

// Save commits the digests of files that ended without errors and writes
// the state file.
func (s *State) Save() error {
	s.mu.Lock()
	for p, fs := range s.pending {
		if hasError(s.messages[p]) {
			delete(s.files, p)
			continue
		}
		s.files[p] = fs
	}
	s.pending = make(map[string]fileState)

	data, err := json.MarshalIndent(stateFile{
		Version:  stateVersion,
		Files:    s.files,
		Messages: s.messages,
	}, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	return writeFileAtomic(s.path, append(data, '\n'))
}

func (s *State) snapshot(path string) (fileState, error) {
	digest, err := s.digest(path)
	if err != nil {
		return fileState{}, err
	}
	fs := fileState{Digest: digest}
	if s.deps == nil {
		return fs, nil
	}
	for _, dep := range s.deps(path) {
		if fs.Deps == nil {
			fs.Deps = make(map[string]string)
		}
		d, err := s.digest(dep)
		if err != nil {
			d = missingDigest
		}
		fs.Deps[dep] = d
	}
	return fs, nil
}

func (s *State) digest(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := digestKey{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	if d, ok := s.digests.Get(key); ok {
		return d, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	d := hex.EncodeToString(h.Sum(nil))
	s.digests.Add(key, d)
	return d, nil
}

func sameState(a, b fileState) bool {
	if a.Digest != b.Digest || len(a.Deps) != len(b.Deps) {
		return false
	}
	for k, v := range a.Deps {
		if w, ok := b.Deps[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func hasError(diags []model.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == model.Error {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ptxstage-state-*")
	if err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}
