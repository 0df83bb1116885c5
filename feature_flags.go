package corekit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// UserContext is the per-user input to flag evaluation. It is supplied by
// the host's authentication layer; the framework never produces it.
type UserContext struct {
	UserID      string    `json:"userId"`
	IsPaidUser  bool      `json:"isPaidUser"`
	IsAdmin     bool      `json:"isAdmin"`
	IsDeveloper bool      `json:"isDeveloper"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLogin   time.Time `json:"lastLogin"`
}

// FlagConfig is the configuration for a single feature flag.
type FlagConfig struct {
	// Enabled is the global kill switch. When false the flag resolves
	// false for everyone regardless of the remaining fields.
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// RolloutPercentage restricts exposure to a deterministic fraction of
	// users (0-100). Nil means unrestricted.
	RolloutPercentage *int `json:"rolloutPercentage,omitempty" yaml:"rolloutPercentage" toml:"rolloutPercentage"`

	// UserSegments restricts the flag to users matching at least one of
	// the listed segment tags. Empty means no segment restriction.
	UserSegments []string `json:"userSegments,omitempty" yaml:"userSegments" toml:"userSegments"`

	// StartDate and EndDate bound the time window in which the flag may
	// be enabled. Nil bounds are open.
	StartDate *time.Time `json:"startDate,omitempty" yaml:"startDate" toml:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty" yaml:"endDate" toml:"endDate"`

	// Dependencies lists flags that must all resolve enabled before this
	// flag can. A disabled dependency disables this flag.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies" toml:"dependencies"`

	// RollbackOnError opts the flag into the automatic circuit breaker:
	// repeated reported errors force-disable it.
	RollbackOnError bool `json:"rollbackOnError" yaml:"rollbackOnError" toml:"rollbackOnError"`

	// Description documents the capability the flag gates.
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
}

// clone returns a deep copy so exported state never aliases live config.
func (c *FlagConfig) clone() *FlagConfig {
	out := *c
	if c.RolloutPercentage != nil {
		v := *c.RolloutPercentage
		out.RolloutPercentage = &v
	}
	if c.StartDate != nil {
		v := *c.StartDate
		out.StartDate = &v
	}
	if c.EndDate != nil {
		v := *c.EndDate
		out.EndDate = &v
	}
	out.UserSegments = append([]string(nil), c.UserSegments...)
	out.Dependencies = append([]string(nil), c.Dependencies...)
	return &out
}

// FlagUpdate is a partial flag configuration for UpdateFlag. Nil fields
// leave the existing value untouched.
type FlagUpdate struct {
	Enabled           *bool
	RolloutPercentage *int
	UserSegments      []string
	StartDate         *time.Time
	EndDate           *time.Time
	Dependencies      []string
	RollbackOnError   *bool
	Description       *string
}

// Core flags are permanently enabled capabilities of the application.
// Configuration cannot override them and UpdateFlag rejects them.
const (
	FlagAuthentication   = "authentication"
	FlagErrorReporting   = "error-reporting"
	FlagDonationTracking = "donation-tracking"
)

var coreFlags = map[string]bool{
	FlagAuthentication:   true,
	FlagErrorReporting:   true,
	FlagDonationTracking: true,
}

// IsCoreFlag reports whether name is one of the permanently enabled flags.
func IsCoreFlag(name string) bool {
	return coreFlags[name]
}

// DefaultRollbackThreshold is the number of reported errors after which a
// flag with RollbackOnError is force-disabled.
const DefaultRollbackThreshold = 10

// FlagChangeListener is notified when a flag's resolution changes.
type FlagChangeListener func(flagName string, enabled bool)

// FlagEvaluator resolves whether named capabilities are active for a given
// user. It is an explicit context object: construct one at process start
// and thread it through the application rather than relying on globals.
// It is safe for concurrent use; change listeners are invoked without
// internal locks held, so they may call back into the evaluator.
type FlagEvaluator struct {
	mu                sync.RWMutex
	flags             map[string]*FlagConfig
	flagOrder         []string
	errorCounts       map[string]int
	listeners         map[string]map[int]FlagChangeListener
	nextListenerID    int
	rollbackThreshold int
	logger            Logger
	subject           Subject
}

// FlagOption configures a FlagEvaluator.
type FlagOption func(*FlagEvaluator)

// WithFlags seeds the evaluator with an initial flag configuration set.
func WithFlags(flags map[string]*FlagConfig) FlagOption {
	return func(e *FlagEvaluator) {
		for name, cfg := range flags {
			e.setFlag(name, cfg.clone())
		}
	}
}

// WithRollbackThreshold overrides the error count at which flags with
// RollbackOnError are force-disabled.
func WithRollbackThreshold(n int) FlagOption {
	return func(e *FlagEvaluator) {
		if n > 0 {
			e.rollbackThreshold = n
		}
	}
}

// WithFlagSubject attaches an event subject; flag updates and automatic
// rollbacks are emitted as CloudEvents through it.
func WithFlagSubject(subject Subject) FlagOption {
	return func(e *FlagEvaluator) {
		e.subject = subject
	}
}

// NewFlagEvaluator creates a flag evaluator. All evaluation and mutation
// is synchronous with respect to the caller; UpdateFlag notifies change
// listeners before it returns.
func NewFlagEvaluator(logger Logger, opts ...FlagOption) *FlagEvaluator {
	if logger == nil {
		logger = NopLogger{}
	}
	e := &FlagEvaluator{
		flags:             make(map[string]*FlagConfig),
		errorCounts:       make(map[string]int),
		listeners:         make(map[string]map[int]FlagChangeListener),
		rollbackThreshold: DefaultRollbackThreshold,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// setFlag stores cfg preserving first-seen ordering for deterministic
// snapshots and exports. Rollout percentages are clamped to 0-100 here so
// seeded configs get the same treatment as UpdateFlag deltas.
func (e *FlagEvaluator) setFlag(name string, cfg *FlagConfig) {
	if cfg.RolloutPercentage != nil {
		pct := clampPercentage(*cfg.RolloutPercentage)
		cfg.RolloutPercentage = &pct
	}
	if _, exists := e.flags[name]; !exists {
		e.flagOrder = append(e.flagOrder, name)
	}
	e.flags[name] = cfg
}

// IsEnabled resolves a flag for the given user context. A nil user is
// treated as an anonymous user outside every segment and rollout bucket.
func (e *FlagEvaluator) IsEnabled(flagName string, user *UserContext) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isEnabled(flagName, user, make(map[string]bool))
}

// isEnabled walks the flag and its dependencies with a visiting set so a
// misconfigured dependency cycle terminates instead of recursing forever.
func (e *FlagEvaluator) isEnabled(flagName string, user *UserContext, visiting map[string]bool) bool {
	if coreFlags[flagName] {
		return true
	}
	if visiting[flagName] {
		e.logger.Warn("Feature flag dependency loop, resolving disabled", "flag", flagName)
		return false
	}

	cfg, exists := e.flags[flagName]
	if !exists {
		e.logger.Debug("Unknown feature flag, resolving disabled", "flag", flagName)
		return false
	}
	if !cfg.Enabled {
		return false
	}

	now := time.Now()
	if cfg.StartDate != nil && now.Before(*cfg.StartDate) {
		return false
	}
	if cfg.EndDate != nil && now.After(*cfg.EndDate) {
		return false
	}

	visiting[flagName] = true
	for _, dep := range cfg.Dependencies {
		if !e.isEnabled(dep, user, visiting) {
			visiting[flagName] = false
			return false
		}
	}
	visiting[flagName] = false

	if len(cfg.UserSegments) > 0 && !matchesAnySegment(user, cfg.UserSegments) {
		return false
	}

	if cfg.RolloutPercentage != nil && *cfg.RolloutPercentage < 100 {
		if user == nil || user.UserID == "" {
			return false
		}
		if rolloutBucket(user.UserID, flagName) >= *cfg.RolloutPercentage {
			return false
		}
	}

	return true
}

// rolloutBucket deterministically places a user+flag pair into [0,100).
// FNV-1a over "userID:flagName" keeps a user's exposure stable across
// calls, sessions, and evaluator instances.
func rolloutBucket(userID, flagName string) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%s", userID, flagName)
	return int(h.Sum32() % 100)
}

// Segment tags understood by flag configuration.
const (
	SegmentAll        = "all"
	SegmentPaid       = "paid"
	SegmentFree       = "free"
	SegmentAdmin      = "admin"
	SegmentDeveloper  = "developer"
	SegmentNewUsers   = "new-users"
	newUserWindowDays = 30
)

var segmentMatchers = map[string]func(*UserContext) bool{
	SegmentAll:       func(*UserContext) bool { return true },
	SegmentPaid:      func(u *UserContext) bool { return u.IsPaidUser },
	SegmentFree:      func(u *UserContext) bool { return !u.IsPaidUser },
	SegmentAdmin:     func(u *UserContext) bool { return u.IsAdmin },
	SegmentDeveloper: func(u *UserContext) bool { return u.IsDeveloper },
	SegmentNewUsers: func(u *UserContext) bool {
		return !u.CreatedAt.IsZero() && time.Since(u.CreatedAt) <= newUserWindowDays*24*time.Hour
	},
}

func matchesAnySegment(user *UserContext, segments []string) bool {
	if user == nil {
		return false
	}
	for _, tag := range segments {
		if match, ok := segmentMatchers[tag]; ok && match(user) {
			return true
		}
	}
	return false
}

// KnownFlags returns the names of all configured flags in first-seen
// order, core flags excluded.
func (e *FlagEvaluator) KnownFlags() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.flagOrder...)
}

// EnabledFlags returns a snapshot of every known flag's resolution for the
// given user, core flags included.
func (e *FlagEvaluator) EnabledFlags(user *UserContext) map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.flags)+len(coreFlags))
	for name := range coreFlags {
		out[name] = true
	}
	for _, name := range e.flagOrder {
		out[name] = e.isEnabled(name, user, make(map[string]bool))
	}
	return out
}

// UpdateFlag merges a partial configuration into the named flag, creating
// it with enabled:false defaults when absent, and synchronously notifies
// change listeners with the new resolution. Core flags cannot be updated.
func (e *FlagEvaluator) UpdateFlag(name string, update FlagUpdate) error {
	if coreFlags[name] {
		return fmt.Errorf("%w: %s", ErrCoreFlagImmutable, name)
	}

	e.mu.Lock()
	cfg, exists := e.flags[name]
	if !exists {
		cfg = &FlagConfig{Enabled: false}
		e.setFlag(name, cfg)
	}

	if update.Enabled != nil {
		cfg.Enabled = *update.Enabled
	}
	if update.RolloutPercentage != nil {
		pct := clampPercentage(*update.RolloutPercentage)
		cfg.RolloutPercentage = &pct
	}
	if update.UserSegments != nil {
		cfg.UserSegments = append([]string(nil), update.UserSegments...)
	}
	if update.StartDate != nil {
		v := *update.StartDate
		cfg.StartDate = &v
	}
	if update.EndDate != nil {
		v := *update.EndDate
		cfg.EndDate = &v
	}
	if update.Dependencies != nil {
		cfg.Dependencies = append([]string(nil), update.Dependencies...)
	}
	if update.RollbackOnError != nil {
		cfg.RollbackOnError = *update.RollbackOnError
	}
	if update.Description != nil {
		cfg.Description = *update.Description
	}

	resolved := e.isEnabled(name, nil, make(map[string]bool))
	enabled := cfg.Enabled
	e.mu.Unlock()

	e.logger.Debug("Feature flag updated", "flag", name, "enabled", enabled, "resolved", resolved)
	e.notifyListeners(name, resolved)
	e.emitEvent(EventTypeFlagUpdated, name, map[string]any{"enabled": enabled, "resolved": resolved})
	return nil
}

func clampPercentage(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ReportError feeds the automatic rollback circuit breaker. Errors only
// count against flags configured with RollbackOnError; once the counter
// reaches the threshold the flag is force-disabled and the counter reset.
func (e *FlagEvaluator) ReportError(flagName string, err error) {
	e.mu.Lock()
	cfg, exists := e.flags[flagName]
	if !exists || !cfg.RollbackOnError {
		e.mu.Unlock()
		return
	}

	e.errorCounts[flagName]++
	count := e.errorCounts[flagName]
	if count < e.rollbackThreshold {
		e.mu.Unlock()
		e.logger.Debug("Feature flag error reported", "flag", flagName, "count", count, "error", err)
		return
	}

	cfg.Enabled = false
	e.errorCounts[flagName] = 0
	e.mu.Unlock()

	e.logger.Warn("Feature flag force-disabled after repeated errors",
		"flag", flagName, "threshold", e.rollbackThreshold, "error", err)
	e.notifyListeners(flagName, false)
	e.emitEvent(EventTypeFlagRolledBack, flagName, map[string]any{"threshold": e.rollbackThreshold})
}

// OnFlagChange registers a listener for resolution changes of one flag.
// The returned function unsubscribes the listener and is idempotent.
func (e *FlagEvaluator) OnFlagChange(flagName string, listener FlagChangeListener) func() {
	if listener == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners[flagName] == nil {
		e.listeners[flagName] = make(map[int]FlagChangeListener)
	}
	id := e.nextListenerID
	e.nextListenerID++
	e.listeners[flagName][id] = listener
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[flagName], id)
	}
}

// notifyListeners invokes listeners with no locks held so callbacks may
// call back into the evaluator.
func (e *FlagEvaluator) notifyListeners(flagName string, enabled bool) {
	e.mu.RLock()
	listeners := make([]FlagChangeListener, 0, len(e.listeners[flagName]))
	for _, listener := range e.listeners[flagName] {
		listeners = append(listeners, listener)
	}
	e.mu.RUnlock()

	for _, listener := range listeners {
		listener(flagName, enabled)
	}
}

func (e *FlagEvaluator) emitEvent(eventType, flagName string, data map[string]any) {
	if e.subject == nil {
		return
	}
	payload := map[string]any{"flag": flagName}
	for k, v := range data {
		payload[k] = v
	}
	event := NewCloudEvent(eventType, "corekit.flags", payload, nil)
	if err := e.subject.NotifyObservers(context.Background(), event); err != nil {
		e.logger.Debug("Failed to emit flag event", "type", eventType, "flag", flagName, "error", err)
	}
}

// FlagState is one flag's entry in an exported diagnostic snapshot.
type FlagState struct {
	Config     FlagConfig `json:"config"`
	Resolved   bool       `json:"resolved"`
	ErrorCount int        `json:"errorCount"`
}

// ExportState produces a serializable snapshot of every configured flag:
// its configuration, its resolution for an anonymous user, and its current
// error count. Core flags appear with a synthetic always-enabled config.
func (e *FlagEvaluator) ExportState() map[string]FlagState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]FlagState, len(e.flags)+len(coreFlags))
	for name := range coreFlags {
		out[name] = FlagState{
			Config:   FlagConfig{Enabled: true, Description: "core capability, permanently enabled"},
			Resolved: true,
		}
	}
	for _, name := range e.flagOrder {
		out[name] = FlagState{
			Config:     *e.flags[name].clone(),
			Resolved:   e.isEnabled(name, nil, make(map[string]bool)),
			ErrorCount: e.errorCounts[name],
		}
	}
	return out
}
