package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/runlok/runlok/internal/domain/policy"
)

// reloadDebounce coalesces bursts of file events (editors write in
// several steps) into a single reload.
const reloadDebounce = 500 * time.Millisecond

// CreateResult reports a stored policy version.
type CreateResult struct {
	PolicyID    string
	Label       string
	Fingerprint string
	Activated   bool
}

// ActivateResult reports an activation flip.
type ActivateResult struct {
	OldVersion string
	NewVersion string
}

// ReloadResult reports a policy file reload.
type ReloadResult struct {
	OldVersion string
	NewVersion string
	RulesCount int
}

// PolicyInfo is the API view of the current compiled snapshot.
type PolicyInfo struct {
	Version    string        `json:"version"`
	Hash       string        `json:"hash"`
	RulesCount int           `json:"rules_count"`
	Rules      []policy.Rule `json:"rules"`
}

// ValidationError carries the issues that failed policy validation. The
// transport layer unwraps it into a VALIDATION response with details.
type ValidationError struct {
	Result policy.ValidationResult
}

func (e *ValidationError) Error() string {
	msgs := e.Result.Errors()
	if len(msgs) == 0 {
		return "policy validation failed"
	}
	return fmt.Sprintf("policy validation failed: %s", msgs[0])
}

// PolicyService owns the policy lifecycle: validation, storage, the
// single active version, and the compiled snapshot evaluations run
// against. The snapshot lives in an atomic.Value so the enforce path
// reads it lock-free; all writers serialize on mu.
type PolicyService struct {
	store  policy.Store
	logger *slog.Logger

	file   string
	strict bool

	snapshot atomic.Value // *policy.CompiledPolicy
	mu       sync.Mutex   // serializes snapshot writers

	cache *decisionCache

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithPolicyFile binds the service to an on-disk policy document used by
// Reload and the optional watcher.
func WithPolicyFile(path string) PolicyServiceOption {
	return func(s *PolicyService) {
		s.file = path
	}
}

// WithStrictValidation promotes duplicate rule names to errors.
func WithStrictValidation() PolicyServiceOption {
	return func(s *PolicyService) {
		s.strict = true
	}
}

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = newDecisionCache(size)
	}
}

// NewPolicyService loads the active version from the store and compiles
// the initial snapshot. When the store holds no active version it falls
// back to the configured policy file, and failing that to a built-in
// allow-all policy so the server always boots with a defined snapshot.
func NewPolicyService(ctx context.Context, store policy.Store, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	s := &PolicyService{
		store:    store,
		logger:   logger,
		cache:    newDecisionCache(1024),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Always boot with a defined snapshot; the fallbacks below may
	// replace it.
	fallback, err := compileDefaultPolicy()
	if err != nil {
		return nil, fmt.Errorf("compile default policy: %w", err)
	}
	s.snapshot.Store(fallback)

	active, err := store.Active(ctx)
	switch {
	case err == nil:
		compiled, err := compileVersion(active)
		if err != nil {
			return nil, fmt.Errorf("compile active version %q: %w", active.Label, err)
		}
		s.snapshot.Store(compiled)
		logger.Info("policy loaded from store",
			"version", compiled.Version,
			"fingerprint", shortHash(compiled.Fingerprint),
			"rules_count", len(compiled.Rules),
		)

	case errors.Is(err, policy.ErrNoActiveVersion):
		if s.file == "" {
			logger.Warn("no policy configured, using default allow-all policy")
			break
		}
		if _, err := s.Reload(ctx); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Warn("policy file not found, using default allow-all policy",
					"file", s.file,
				)
				break
			}
			// A present but broken policy file fails boot rather than
			// silently degrading to allow-all.
			return nil, fmt.Errorf("load policy file %s: %w", s.file, err)
		}

	default:
		return nil, fmt.Errorf("load active policy: %w", err)
	}

	return s, nil
}

// Current returns the compiled snapshot evaluations run against.
// Lock-free; safe on the hot path.
func (s *PolicyService) Current() *policy.CompiledPolicy {
	return s.snapshot.Load().(*policy.CompiledPolicy)
}

// CurrentInfo returns the API view of the current snapshot.
func (s *PolicyService) CurrentInfo() PolicyInfo {
	snap := s.Current()
	rules := make([]policy.Rule, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		rules = append(rules, r.Rule)
	}
	return PolicyInfo{
		Version:    snap.Version,
		Hash:       snap.Fingerprint,
		RulesCount: len(rules),
		Rules:      rules,
	}
}

// Validate checks policy source without touching storage.
func (s *PolicyService) Validate(source string) policy.ValidationResult {
	return policy.ValidateSource(source, s.strict)
}

// Evaluate runs call against the current snapshot. Results are cached by
// call identity unless the snapshot carries time-dependent clauses, in
// which case every call evaluates fresh.
func (s *PolicyService) Evaluate(call policy.CallInput) policy.Decision {
	snap := s.Current()
	if snap.TimeSensitive() {
		return snap.Evaluate(call)
	}

	key := decisionCacheKey(snap.Fingerprint, call)
	if d, ok := s.cache.Get(key); ok {
		return d
	}
	d := snap.Evaluate(call)
	s.cache.Put(key, d)
	return d
}

// Test evaluates call against the current snapshot without caching. Used
// by the dry-run endpoint and the CLI.
func (s *PolicyService) Test(call policy.CallInput) policy.Decision {
	return s.Current().Evaluate(call)
}

// Create validates, stores, and optionally activates a new version.
// label overrides the document's own version label when non-empty.
func (s *PolicyService) Create(ctx context.Context, source, label, description string, activate bool) (*CreateResult, error) {
	if res := s.Validate(source); !res.OK {
		return nil, &ValidationError{Result: res}
	}

	doc, err := policy.ParseDocument(source)
	if err != nil {
		// Validate accepted the source; a parse failure here is a bug.
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if label != "" {
		doc.Version = label
	}
	if description == "" {
		description = doc.Description
	}

	v := &policy.Version{
		ID:          uuid.New().String(),
		Label:       doc.Version,
		Source:      source,
		Fingerprint: doc.Fingerprint(),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	compiled, err := policy.Compile(v.ID, doc)
	if err != nil {
		return nil, fmt.Errorf("compile policy %q: %w", v.Label, err)
	}
	// Stamp decisions with the stored label even when it was overridden.
	compiled.Version = v.Label

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Create(ctx, v, activate); err != nil {
		return nil, err
	}
	if activate {
		s.swapSnapshot(compiled)
		s.logger.Info("policy version created and activated",
			"version", v.Label,
			"policy_id", v.ID,
			"rules_count", len(compiled.Rules),
		)
	} else {
		s.logger.Info("policy version created",
			"version", v.Label,
			"policy_id", v.ID,
		)
	}

	return &CreateResult{
		PolicyID:    v.ID,
		Label:       v.Label,
		Fingerprint: v.Fingerprint,
		Activated:   activate,
	}, nil
}

// Activate flips the active version to id and swaps the compiled
// snapshot. Concurrent activations serialize; losers observe the winner.
func (s *PolicyService) Activate(ctx context.Context, id string) (*ActivateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	compiled, err := compileVersion(target)
	if err != nil {
		return nil, fmt.Errorf("compile version %q: %w", target.Label, err)
	}

	previous, err := s.store.Activate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.swapSnapshot(compiled)

	res := &ActivateResult{NewVersion: target.Label}
	if previous != nil {
		res.OldVersion = previous.Label
	}
	s.logger.Info("policy version activated",
		"old_version", res.OldVersion,
		"new_version", res.NewVersion,
	)
	return res, nil
}

// Reload re-reads the configured policy file, stores the document under
// its version label (creating or replacing), and activates it. A file
// whose fingerprint and label match the current snapshot is a no-op.
func (s *PolicyService) Reload(ctx context.Context) (*ReloadResult, error) {
	if s.file == "" {
		return nil, errors.New("no policy file configured")
	}

	raw, err := os.ReadFile(s.file)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	source := string(raw)

	if res := s.Validate(source); !res.OK {
		return nil, &ValidationError{Result: res}
	}
	doc, err := policy.ParseDocument(source)
	if err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	current := s.Current()
	old := current.Version

	fingerprint := doc.Fingerprint()
	if doc.Version == current.Version && fingerprint == current.Fingerprint {
		s.logger.Debug("policy file unchanged, skipping reload",
			"version", doc.Version,
			"fingerprint", shortHash(fingerprint),
		)
		return &ReloadResult{
			OldVersion: old,
			NewVersion: doc.Version,
			RulesCount: len(doc.Rules),
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := &policy.Version{
		Label:       doc.Version,
		Source:      source,
		Fingerprint: fingerprint,
		Description: doc.Description,
		CreatedAt:   time.Now().UTC(),
	}

	existing, err := s.store.GetByLabel(ctx, doc.Version)
	switch {
	case err == nil:
		v.ID = existing.ID
		if err := s.store.Replace(ctx, v); err != nil {
			return nil, fmt.Errorf("replace version %q: %w", v.Label, err)
		}
		if _, err := s.store.Activate(ctx, v.ID); err != nil {
			return nil, fmt.Errorf("activate version %q: %w", v.Label, err)
		}
	case errors.Is(err, policy.ErrVersionNotFound):
		v.ID = uuid.New().String()
		if err := s.store.Create(ctx, v, true); err != nil {
			return nil, fmt.Errorf("store version %q: %w", v.Label, err)
		}
	default:
		return nil, err
	}

	compiled, err := policy.Compile(v.ID, doc)
	if err != nil {
		return nil, fmt.Errorf("compile policy %q: %w", v.Label, err)
	}
	s.swapSnapshot(compiled)

	s.logger.Info("policy reloaded",
		"old_version", old,
		"new_version", doc.Version,
		"rules_count", len(doc.Rules),
		"fingerprint", shortHash(fingerprint),
	)
	return &ReloadResult{
		OldVersion: old,
		NewVersion: doc.Version,
		RulesCount: len(doc.Rules),
	}, nil
}

// Versions lists all stored versions, newest first.
func (s *PolicyService) Versions(ctx context.Context) ([]*policy.Version, error) {
	return s.store.List(ctx)
}

// swapSnapshot publishes a new compiled snapshot and invalidates cached
// decisions. Callers hold s.mu.
func (s *PolicyService) swapSnapshot(compiled *policy.CompiledPolicy) {
	s.snapshot.Store(compiled)
	s.cache.Clear()
}

// StartWatcher begins watching the policy file's directory and reloads
// on changes. Watching the directory instead of the file survives the
// rename-and-replace dance editors do on save.
func (s *PolicyService) StartWatcher() error {
	if s.file == "" {
		return errors.New("no policy file configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.file)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()

	s.logger.Info("policy file watcher started", "file", s.file)
	return nil
}

func (s *PolicyService) watchLoop() {
	defer s.wg.Done()

	var debounce *time.Timer
	debounceC := func() <-chan time.Time {
		if debounce == nil {
			return nil
		}
		return debounce.C
	}
	target := filepath.Base(s.file)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}

		case <-debounceC():
			debounce = nil
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.Reload(ctx); err != nil {
				s.logger.Warn("policy auto-reload failed", "file", s.file, "error", err)
			}
			cancel()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("policy watcher error", "error", err)

		case <-s.stopChan:
			return
		}
	}
}

// Stop shuts down the watcher, if started. Safe to call multiple times.
func (s *PolicyService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.wg.Wait()
	})
}

// compileVersion parses and compiles a stored version. The stored label
// is authoritative over the document's own, so renamed versions stamp
// decisions consistently.
func compileVersion(v *policy.Version) (*policy.CompiledPolicy, error) {
	doc, err := policy.ParseDocument(v.Source)
	if err != nil {
		return nil, err
	}
	compiled, err := policy.Compile(v.ID, doc)
	if err != nil {
		return nil, err
	}
	compiled.Version = v.Label
	return compiled, nil
}

// compileDefaultPolicy builds the unpersisted allow-all snapshot used
// when neither the store nor the policy file provides one.
func compileDefaultPolicy() (*policy.CompiledPolicy, error) {
	doc := &policy.Document{
		Version:     "default-v1",
		Description: "Default allow-all policy",
		Rules: []policy.Rule{
			{
				Name:        "default_allow_all",
				Description: "Default allow-all policy",
				Tools:       policy.StringList{"*"},
				Action:      policy.ActionAllow,
			},
		},
		DefaultAction: policy.ActionDeny,
		DefaultReason: policy.DefaultReason,
	}
	return policy.Compile("", doc)
}

// shortHash truncates a fingerprint for log lines.
func shortHash(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
