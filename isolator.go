package corekit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IsolatorState is the lifecycle state of a fault-isolated region.
type IsolatorState int

const (
	// IsolatorNormal means the region runs normally.
	IsolatorNormal IsolatorState = iota

	// IsolatorErred means a fault was intercepted and the region is
	// presenting a degraded state.
	IsolatorErred

	// IsolatorRecovering means an automatic recovery attempt is pending.
	IsolatorRecovering
)

// String returns the string representation of the isolator state.
func (s IsolatorState) String() string {
	switch s {
	case IsolatorNormal:
		return "normal"
	case IsolatorErred:
		return "erred"
	case IsolatorRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Presentation tells the hosting layer how to render an isolated region.
type Presentation int

const (
	// PresentNormal renders the region's regular content.
	PresentNormal Presentation = iota

	// PresentRecovering renders a neutral "recovering" state.
	PresentRecovering

	// PresentRetryable renders a degraded state offering the isolator's
	// ResetError action.
	PresentRetryable

	// PresentBroken renders a non-retryable "broken, please restart"
	// state. Used for critical errors and fallback mode.
	PresentBroken
)

// presentationKey is the tagged variant (severity band x fallback mode)
// used to pick a presentation. New severities are additions to the table,
// not edits to branching logic.
type presentationKey struct {
	critical bool
	fallback bool
}

var presentationTable = map[presentationKey]Presentation{
	{critical: false, fallback: false}: PresentRetryable,
	{critical: false, fallback: true}:  PresentBroken,
	{critical: true, fallback: false}:  PresentBroken,
	{critical: true, fallback: true}:   PresentBroken,
}

// IsolatorSnapshot is a point-in-time copy of an isolator's state for
// rendering and diagnostics.
type IsolatorSnapshot struct {
	ModuleID      string
	State         IsolatorState
	HasError      bool
	CurrentError  *ServiceError
	RetryCount    int
	IsRecovering  bool
	FallbackMode  bool
	LastErrorTime time.Time
}

// Isolator defaults.
const (
	DefaultIsolatorMaxRetries = 3
	DefaultIsolatorBaseDelay  = 1 * time.Second
	DefaultIsolatorMaxDelay   = 30 * time.Second
	DefaultIsolatorCooldown   = 60 * time.Second
)

// FaultIsolator is a containment boundary around a unit of functionality.
// It intercepts faults raised inside the region, converts them to
// ServiceErrors, attempts bounded automatic recovery with exponential
// backoff, and presents a degraded-but-functional state instead of
// failing the whole application.
//
// State machine: Normal -> Erred -> Recovering -> {Normal | Erred with
// fallback mode}. Fallback mode is terminal until an explicit ResetError.
type FaultIsolator struct {
	moduleID    string
	critical    bool
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	cooldown    time.Duration
	autoRecover bool
	logger      Logger
	flags       *FlagEvaluator
	flagName    string
	subject     Subject
	onChange    func(IsolatorSnapshot)
	onFallback  func(*ServiceError)

	mu            sync.Mutex
	hasError      bool
	currentError  *ServiceError
	retryCount    int
	isRecovering  bool
	fallbackMode  bool
	lastErrorTime time.Time
	recoveryTimer *time.Timer
	recoveryGen   int
	cooldownTimer *time.Timer
	closed        bool
}

// IsolatorOption configures a FaultIsolator.
type IsolatorOption func(*FaultIsolator)

// WithCriticalModule marks the region critical: intercepted faults are
// classified one severity band higher and never auto-retried.
func WithCriticalModule() IsolatorOption {
	return func(i *FaultIsolator) { i.critical = true }
}

// WithMaxRetries overrides the automatic recovery ceiling.
func WithMaxRetries(n int) IsolatorOption {
	return func(i *FaultIsolator) {
		if n > 0 {
			i.maxRetries = n
		}
	}
}

// WithBackoff overrides the recovery backoff parameters. The delay before
// attempt n is base*2^n, capped at maxDelay.
func WithBackoff(base, maxDelay time.Duration) IsolatorOption {
	return func(i *FaultIsolator) {
		if base > 0 {
			i.baseDelay = base
		}
		if maxDelay > 0 {
			i.maxDelay = maxDelay
		}
	}
}

// WithCooldown overrides how long the region must stay error-free before
// the retry counter resets.
func WithCooldown(d time.Duration) IsolatorOption {
	return func(i *FaultIsolator) {
		if d > 0 {
			i.cooldown = d
		}
	}
}

// WithAutoRecoverDisabled turns off automatic recovery; intercepted faults
// stay in the erred state until ResetError.
func WithAutoRecoverDisabled() IsolatorOption {
	return func(i *FaultIsolator) { i.autoRecover = false }
}

// WithFlagReporting feeds intercepted faults into the flag evaluator's
// rollback circuit breaker for the named flag.
func WithFlagReporting(flags *FlagEvaluator, flagName string) IsolatorOption {
	return func(i *FaultIsolator) {
		i.flags = flags
		i.flagName = flagName
	}
}

// WithIsolatorSubject attaches an event subject for isolator transitions.
func WithIsolatorSubject(subject Subject) IsolatorOption {
	return func(i *FaultIsolator) { i.subject = subject }
}

// WithStateListener registers a hook invoked after every state
// transition with a snapshot, for render layers to react to.
func WithStateListener(fn func(IsolatorSnapshot)) IsolatorOption {
	return func(i *FaultIsolator) { i.onChange = fn }
}

// WithFallbackHandler supplies a custom handler invoked when the region
// enters fallback mode, replacing the default (log-only) behavior.
func WithFallbackHandler(fn func(*ServiceError)) IsolatorOption {
	return func(i *FaultIsolator) { i.onFallback = fn }
}

// NewFaultIsolator creates an isolator for the named module.
func NewFaultIsolator(moduleID string, logger Logger, opts ...IsolatorOption) *FaultIsolator {
	if logger == nil {
		logger = NopLogger{}
	}
	i := &FaultIsolator{
		moduleID:    moduleID,
		maxRetries:  DefaultIsolatorMaxRetries,
		baseDelay:   DefaultIsolatorBaseDelay,
		maxDelay:    DefaultIsolatorMaxDelay,
		cooldown:    DefaultIsolatorCooldown,
		autoRecover: true,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Guard runs fn inside the containment boundary. Errors and panics raised
// by fn are intercepted, classified, and fed into the recovery state
// machine; Guard returns the classified error so callers can still branch
// on it. In fallback mode the region no longer runs and Guard returns the
// fallback sentinel.
func (i *FaultIsolator) Guard(fn func() error) (err error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrIsolatorClosed
	}
	if i.fallbackMode {
		i.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIsolatorFallbackMode, i.moduleID)
	}
	i.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			se := NewServiceError(fmt.Sprintf("panic: %v", r), CodeServiceUnhealthy,
				SeverityHigh, true, i.moduleID, nil, RecoveryRetry)
			i.CaptureError(se)
			err = se
		}
	}()

	if err := fn(); err != nil {
		se := i.classify(err)
		i.CaptureError(se)
		return se
	}
	return nil
}

// classify converts an intercepted fault to a ServiceError, raising the
// severity one band for designated critical modules. The caller's error is
// never mutated; raising works on a copy.
func (i *FaultIsolator) classify(err error) *ServiceError {
	se := AsServiceError(err, i.moduleID)
	if i.critical && se.Severity < SeverityCritical {
		raised := *se
		raised.Severity++
		se = &raised
	}
	return se
}

// CaptureError feeds an already-classified error into the state machine:
// transition to erred, report the error, and schedule automatic recovery
// when permitted.
func (i *FaultIsolator) CaptureError(se *ServiceError) {
	if se == nil {
		return
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.hasError = true
	i.currentError = se
	i.lastErrorTime = time.Now()
	i.isRecovering = false
	// A new fault supersedes any pending recovery; its backoff is measured
	// from this fault, not the one that armed the old timer.
	i.stopRecoveryLocked()
	i.stopCooldownLocked()

	exhausted := se.Recoverable && i.retryCount >= i.maxRetries
	if exhausted {
		i.fallbackMode = true
	}
	canRecover := i.autoRecover && !i.fallbackMode && se.Recoverable && se.ShouldRetry(i.maxRetries)
	if canRecover {
		i.isRecovering = true
		gen := i.recoveryGen
		delay := i.backoffDelayLocked()
		i.recoveryTimer = time.AfterFunc(delay, func() { i.completeRecovery(gen) })
	}
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	entry := se.LogEntry()
	i.logger.Error("Fault intercepted", "module", i.moduleID, "errorId", entry.ErrorID,
		"code", entry.Code, "severity", entry.Severity, "recoverable", entry.Recoverable,
		"retryCount", entry.RetryCount)
	if i.flags != nil && i.flagName != "" {
		i.flags.ReportError(i.flagName, se)
	}

	if exhausted {
		i.logger.Warn("Retry ceiling reached, entering fallback mode", "module", i.moduleID, "retries", i.retryCount)
		i.emitEvent(EventTypeIsolatorFallback, map[string]any{"errorId": se.ErrorID})
		if i.onFallback != nil {
			i.onFallback(se)
		}
	} else {
		i.emitEvent(EventTypeIsolatorErred, map[string]any{"errorId": se.ErrorID, "recovering": canRecover})
	}
	i.notifyChange(snapshot)
}

// backoffDelayLocked computes the exponential recovery delay for the
// current retry count, capped at maxDelay.
func (i *FaultIsolator) backoffDelayLocked() time.Duration {
	delay := i.baseDelay
	for n := 0; n < i.retryCount; n++ {
		delay *= 2
		if delay >= i.maxDelay {
			return i.maxDelay
		}
	}
	if delay > i.maxDelay {
		return i.maxDelay
	}
	return delay
}

// completeRecovery fires when the backoff delay elapses: clear the error,
// return to normal, count the attempt, and start the cooldown that will
// forgive it if no new error arrives. The generation check discards a
// timer that was cancelled after it already fired.
func (i *FaultIsolator) completeRecovery(gen int) {
	i.mu.Lock()
	if i.closed || !i.isRecovering || gen != i.recoveryGen {
		i.mu.Unlock()
		return
	}
	i.hasError = false
	i.currentError = nil
	i.isRecovering = false
	i.retryCount++
	i.startCooldownLocked()
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	i.logger.Info("Recovered from fault", "module", i.moduleID, "retryCount", snapshot.RetryCount)
	i.emitEvent(EventTypeIsolatorRecovered, map[string]any{"retryCount": snapshot.RetryCount})
	i.notifyChange(snapshot)
}

// startCooldownLocked arms the cooldown timer; when it elapses without a
// new error the retry counter resets so isolated transient failures don't
// accumulate toward the ceiling.
func (i *FaultIsolator) startCooldownLocked() {
	i.stopCooldownLocked()
	i.cooldownTimer = time.AfterFunc(i.cooldown, func() {
		i.mu.Lock()
		if i.closed || i.hasError {
			i.mu.Unlock()
			return
		}
		i.retryCount = 0
		snapshot := i.snapshotLocked()
		i.mu.Unlock()
		i.logger.Debug("Cooldown elapsed, retry counter reset", "module", i.moduleID)
		i.notifyChange(snapshot)
	})
}

func (i *FaultIsolator) stopCooldownLocked() {
	if i.cooldownTimer != nil {
		i.cooldownTimer.Stop()
		i.cooldownTimer = nil
	}
}

// stopRecoveryLocked cancels any pending recovery. Bumping the generation
// invalidates a timer callback that fired but has not taken the lock yet.
func (i *FaultIsolator) stopRecoveryLocked() {
	if i.recoveryTimer != nil {
		i.recoveryTimer.Stop()
		i.recoveryTimer = nil
	}
	i.recoveryGen++
}

// CanRetry reports whether an automatic or manual retry is currently
// permitted: a recoverable error is present, the ceiling has not been
// reached, and the region is not in fallback mode.
func (i *FaultIsolator) CanRetry() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hasError && !i.fallbackMode &&
		i.currentError != nil && i.currentError.Recoverable &&
		i.retryCount < i.maxRetries
}

// ResetError is the explicit user-triggered reset. It clears the current
// error and fallback mode, cancels any pending recovery, and restarts the
// cooldown before error counters are trusted again.
func (i *FaultIsolator) ResetError() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.stopRecoveryLocked()
	i.hasError = false
	i.currentError = nil
	i.isRecovering = false
	i.fallbackMode = false
	i.startCooldownLocked()
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	i.logger.Info("Isolator manually reset", "module", i.moduleID)
	i.notifyChange(snapshot)
}

// State returns the current lifecycle state.
func (i *FaultIsolator) State() IsolatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case i.isRecovering:
		return IsolatorRecovering
	case i.hasError:
		return IsolatorErred
	default:
		return IsolatorNormal
	}
}

// Presentation returns how the hosting layer should render the region,
// decided by the (severity x fallback-mode) lookup table.
func (i *FaultIsolator) Presentation() Presentation {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.isRecovering {
		return PresentRecovering
	}
	if !i.hasError && !i.fallbackMode {
		return PresentNormal
	}
	key := presentationKey{fallback: i.fallbackMode}
	if i.currentError != nil && i.currentError.Severity == SeverityCritical {
		key.critical = true
	}
	return presentationTable[key]
}

// Snapshot returns a copy of the isolator's state.
func (i *FaultIsolator) Snapshot() IsolatorSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

func (i *FaultIsolator) snapshotLocked() IsolatorSnapshot {
	state := IsolatorNormal
	switch {
	case i.isRecovering:
		state = IsolatorRecovering
	case i.hasError:
		state = IsolatorErred
	}
	return IsolatorSnapshot{
		ModuleID:      i.moduleID,
		State:         state,
		HasError:      i.hasError,
		CurrentError:  i.currentError,
		RetryCount:    i.retryCount,
		IsRecovering:  i.isRecovering,
		FallbackMode:  i.fallbackMode,
		LastErrorTime: i.lastErrorTime,
	}
}

// Close tears the isolator down, cancelling backoff and cooldown timers
// so no callbacks fire afterwards. A closed isolator rejects further use.
func (i *FaultIsolator) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.stopRecoveryLocked()
	i.stopCooldownLocked()
}

func (i *FaultIsolator) notifyChange(snapshot IsolatorSnapshot) {
	if i.onChange != nil {
		i.onChange(snapshot)
	}
}

func (i *FaultIsolator) emitEvent(eventType string, data map[string]any) {
	if i.subject == nil {
		return
	}
	payload := map[string]any{"module": i.moduleID}
	for k, v := range data {
		payload[k] = v
	}
	event := NewCloudEvent(eventType, "corekit.isolator", payload, nil)
	if err := i.subject.NotifyObservers(context.Background(), event); err != nil {
		i.logger.Debug("Failed to emit isolator event", "type", eventType, "error", err)
	}
}
