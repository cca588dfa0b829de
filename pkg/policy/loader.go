package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 500 * time.Millisecond

// sourceKind is how a policy file is read.
type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceRego
	sourceJSON
	sourceBundle
)

func kindOf(path string) sourceKind {
	switch {
	case strings.HasSuffix(path, ".bundle.json"):
		return sourceBundle
	case strings.HasSuffix(path, ".json"):
		return sourceJSON
	case strings.HasSuffix(path, ".rego"):
		return sourceRego
	default:
		return sourceNone
	}
}

type cacheEntry struct {
	policy  *Policy
	modTime time.Time
}

// Loader reads admission policies from Rego files, JSON policy files and
// JSON bundles. Single-file policies are cached by path and modification
// time.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewLoader returns a Loader logging through logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// LoadFromPaths loads every path in order. A path that is missing or a file
// that does not parse fails the whole load; inside a directory, bad files
// are logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", p, err)
		}

		var loaded []Policy
		if info.IsDir() {
			loaded, err = l.loadFromDirectory(ctx, p)
		} else {
			loaded, err = l.loadSource(ctx, p)
		}
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", p, err)
		}
		out = append(out, loaded...)
	}

	l.logger.Info().Int("policies", len(out)).Strs("paths", paths).Msg("Admission policies read")
	return out, nil
}

// loadSource reads one file, expanding bundles to their policies.
func (l *Loader) loadSource(ctx context.Context, path string) ([]Policy, error) {
	if kindOf(path) == sourceBundle {
		bundle, err := l.LoadBundle(ctx, path)
		if err != nil {
			return nil, err
		}
		return bundle.Policies, nil
	}
	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory loads the policy files under dir in lexical order.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && kindOf(path) != sourceNone {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	var out []Policy
	for _, f := range files {
		loaded, err := l.loadSource(ctx, f)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", f).Msg("Skipping unreadable policy file")
			continue
		}
		out = append(out, loaded...)
	}
	return out, nil
}

// loadFromFile reads a .rego or .json policy, serving it from the cache when
// the file has not changed since it was last read.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch kindOf(path) {
	case sourceRego:
		p = l.policyFromRego(path, string(data))
	case sourceJSON:
		var decoded Policy
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := normalize(&decoded); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		p = &decoded
	default:
		return nil, fmt.Errorf("%s: not a .rego or .json policy", path)
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{policy: p, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("file", path).Str("policy", p.Name).Msg("Policy read")
	return p, nil
}

// policyFromRego names the policy after its file and takes the description
// and severity from the header comment.
func (l *Loader) policyFromRego(path, src string) *Policy {
	now := time.Now()
	description, severity := l.extractHeader(src)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        src,
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// normalize fills in defaults for a decoded policy and rejects one with no
// name or an unknown severity.
func normalize(p *Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

// extractHeader returns the description and severity declared in the
// comment block at the top of a Rego module. Comment lines join into the
// description, except a "severity: <level>" line. Severity is warning unless
// a valid level is given.
func (l *Loader) extractHeader(src string) (string, Severity) {
	severity := SeverityWarning
	var words []string

	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			if s := Severity(strings.TrimSpace(level)); s.Valid() {
				severity = s
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

// LoadBundle reads a JSON bundle. Each policy is normalized and tagged with
// the bundle name in its metadata.
func (l *Loader) LoadBundle(_ context.Context, path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}

	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if err := normalize(p); err != nil {
			return nil, fmt.Errorf("bundle %s, policy %d: %w", bundle.Name, i, err)
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["bundle"] = bundle.Name
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle read")
	return &bundle, nil
}

// Watch calls apply with a fresh load of paths whenever a policy file under
// them changes. It returns once the watches are registered; watching stops
// when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}

	for _, p := range paths {
		if err := addWatches(w, p); err != nil {
			w.Close()
			return fmt.Errorf("watching %s: %w", p, err)
		}
	}

	go l.watchLoop(ctx, w, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching admission policies")
	return nil
}

// addWatches registers every directory under root. A plain file is watched
// through its parent directory so that editors replacing it are seen.
func addWatches(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer w.Close()

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addWatches(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Cannot watch new policy directory")
					}
				}
			}
			if kindOf(ev.Name) == sourceNone || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			timer.Reset(reloadDebounce)

		case <-timer.C:
			l.reload(ctx, paths, apply)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Policy reload failed; keeping current policies")
		return
	}
	if err := apply(policies); err != nil {
		l.logger.Error().Err(err).Msg("Reloaded policies rejected; keeping current policies")
		return
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Admission policies reloaded")
}

// ClearCache forgets every cached file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cacheEntry)
	l.mu.Unlock()
}
