package corekit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ServiceConstructor builds a fresh, uninitialized service instance.
// Registering a constructor rather than an instance lets the registry own
// the full lifecycle: lazy creation, hot-swap, and ordered shutdown.
type ServiceConstructor func() Service

// ServiceRegistration is the registry's record for one token.
type ServiceRegistration struct {
	token        string
	constructor  ServiceConstructor
	dependencies []string
	config       map[string]any
	singleton    bool

	instance        Service
	createdAt       time.Time
	initializedAt   time.Time
	lastHealthCheck time.Time
}

// ServiceInfo is a read-only view of a registration for introspection.
type ServiceInfo struct {
	Token           string    `json:"token"`
	Dependencies    []string  `json:"dependencies,omitempty"`
	Singleton       bool      `json:"singleton"`
	Critical        bool      `json:"critical"`
	HasInstance     bool      `json:"hasInstance"`
	Implementation  string    `json:"implementation,omitempty"`
	Version         string    `json:"version,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitzero"`
}

// Default critical service tokens. Failure of a critical service is fatal
// to InitializeAll and flips aggregated health to unhealthy.
var defaultCriticalServices = []string{"auth", "config", "error-handler"}

// ServiceRegistry is the dependency-injection container. It registers
// service constructors with declared dependencies, instantiates them in
// dependency order, supports lazy singleton creation, live replacement,
// aggregated health checks, and ordered shutdown.
//
// All methods are safe for concurrent use: a single mutex serializes
// registry operations, so a Replace is atomic with respect to Get,
// HealthCheck, and Shutdown. Observers attached via WithRegistrySubject
// are notified while that mutex is held and must not call back in.
type ServiceRegistry struct {
	mu            sync.Mutex
	registrations map[string]*ServiceRegistration
	regOrder      []string // registration insertion order, the topo tie-break
	liveOrder     []string // singleton initialization order, reversed at shutdown
	critical      map[string]bool
	logger        Logger
	subject       Subject
	isShutDown    bool
}

// RegistryOption configures a ServiceRegistry.
type RegistryOption func(*ServiceRegistry)

// WithCriticalServices replaces the default critical-service allow-list.
func WithCriticalServices(tokens ...string) RegistryOption {
	return func(r *ServiceRegistry) {
		r.critical = make(map[string]bool, len(tokens))
		for _, t := range tokens {
			r.critical[t] = true
		}
	}
}

// WithRegistrySubject attaches an event subject; registry lifecycle
// activity is emitted as CloudEvents through it.
func WithRegistrySubject(subject Subject) RegistryOption {
	return func(r *ServiceRegistry) {
		r.subject = subject
	}
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry(logger Logger, opts ...RegistryOption) *ServiceRegistry {
	if logger == nil {
		logger = NopLogger{}
	}
	r := &ServiceRegistry{
		registrations: make(map[string]*ServiceRegistration),
		critical:      make(map[string]bool, len(defaultCriticalServices)),
		logger:        logger,
	}
	for _, t := range defaultCriticalServices {
		r.critical[t] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistrationOption configures a single registration.
type RegistrationOption func(*ServiceRegistration)

// WithDependencies declares the tokens this service depends on, in order.
func WithDependencies(tokens ...string) RegistrationOption {
	return func(reg *ServiceRegistration) {
		reg.dependencies = tokens
	}
}

// WithServiceConfig supplies static configuration passed to Initialize.
func WithServiceConfig(config map[string]any) RegistrationOption {
	return func(reg *ServiceRegistration) {
		reg.config = config
	}
}

// WithTransient marks the registration non-singleton: every Get constructs
// and initializes a fresh instance that the registry does not cache.
func WithTransient() RegistrationOption {
	return func(reg *ServiceRegistration) {
		reg.singleton = false
	}
}

// Register records a constructor under a token. Tokens are case-sensitive
// and unique; registering an existing token fails. Dependency cycles are
// not checked here, only at resolution time.
func (r *ServiceRegistry) Register(token string, ctor ServiceConstructor, opts ...RegistrationOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isShutDown {
		return ErrRegistryShutDown
	}
	if ctor == nil {
		return fmt.Errorf("%w: %s", ErrConstructorNil, token)
	}
	if _, exists := r.registrations[token]; exists {
		return fmt.Errorf("%w: %s", ErrServiceAlreadyRegistered, token)
	}

	reg := &ServiceRegistration{
		token:       token,
		constructor: ctor,
		singleton:   true,
		createdAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.registrations[token] = reg
	r.regOrder = append(r.regOrder, token)
	r.logger.Debug("Registered service", "token", token, "dependencies", reg.dependencies, "singleton", reg.singleton)
	r.emitEvent(EventTypeServiceRegistered, token, nil)
	return nil
}

// Get returns the live instance for a token, resolving and initializing it
// (and its dependencies, recursively) on first use for singletons.
func (r *ServiceRegistry) Get(ctx context.Context, token string) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isShutDown {
		return nil, ErrRegistryShutDown
	}
	return r.resolve(ctx, token, make(map[string]bool))
}

// resolve performs depth-first resolution with a visiting set so a
// dependency cycle fails fast instead of recursing forever.
func (r *ServiceRegistry) resolve(ctx context.Context, token string, visiting map[string]bool) (Service, error) {
	reg, exists := r.registrations[token]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, token)
	}
	if reg.singleton && reg.instance != nil {
		return reg.instance, nil
	}
	if visiting[token] {
		return nil, fmt.Errorf("%w: %s", ErrCircularDependency, token)
	}
	visiting[token] = true
	defer delete(visiting, token)

	resolved := make(map[string]Service, len(reg.dependencies))
	for _, dep := range reg.dependencies {
		if _, ok := r.registrations[dep]; !ok {
			return nil, fmt.Errorf("%w: %s depends on %s", ErrDependencyMissing, token, dep)
		}
		instance, err := r.resolve(ctx, dep, visiting)
		if err != nil {
			return nil, err
		}
		resolved[dep] = instance
	}

	instance := reg.constructor()
	if instance == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNil, token)
	}

	deps := ServiceDeps{Services: resolved, Config: reg.config, Logger: r.logger}
	if err := instance.Initialize(ctx, deps); err != nil {
		r.emitEvent(EventTypeServiceInitFailed, token, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("failed to initialize service '%s': %w", token, err)
	}

	if reg.singleton {
		reg.instance = instance
		reg.initializedAt = time.Now()
		r.liveOrder = append(r.liveOrder, token)
	}

	r.logger.Info("Initialized service", "token", token, "implementation", instance.Name(), "version", instance.Version())
	r.emitEvent(EventTypeServiceInitialized, token, map[string]any{"implementation": instance.Name(), "version": instance.Version()})
	return instance, nil
}

// InitializeAll resolves every singleton registration in topological
// order; transient registrations stay uninstantiated until Get. A cycle is
// a fatal configuration error. A failing critical service aborts the whole
// operation; failures of other services are logged and skipped.
func (r *ServiceRegistry) InitializeAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isShutDown {
		return ErrRegistryShutDown
	}
	order, err := r.resolveOrder()
	if err != nil {
		return err
	}
	r.logger.Debug("Service initialization order", "order", order)

	for _, token := range order {
		if !r.registrations[token].singleton {
			// Transients are constructed per Get; an eager instance would
			// be orphaned, never cached and invisible to Shutdown.
			continue
		}
		if _, err := r.resolve(ctx, token, make(map[string]bool)); err != nil {
			if r.critical[token] {
				return fmt.Errorf("%w: %s: %w", ErrCriticalServiceFailed, token, err)
			}
			r.logger.Error("Non-critical service failed to initialize, continuing", "token", token, "error", err)
		}
	}
	return nil
}

// resolveOrder computes a total initialization order via depth-first
// topological sort: a "visiting" set detects cycles, a "visited" set
// memoizes finished nodes, and each token is appended only after all its
// dependencies. Independent nodes tie-break on registration insertion
// order, so the order is deterministic for a given registration set and
// shutdown can mirror it exactly.
func (r *ServiceRegistry) resolveOrder() ([]string, error) {
	var order []string
	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(token string) error
	visit = func(token string) error {
		if visiting[token] {
			return fmt.Errorf("%w: %s", ErrCircularDependency, token)
		}
		if visited[token] {
			return nil
		}
		visiting[token] = true

		for _, dep := range r.registrations[token].dependencies {
			if _, exists := r.registrations[dep]; !exists {
				return fmt.Errorf("%w: %s depends on %s", ErrDependencyMissing, token, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		visiting[token] = false
		visited[token] = true
		order = append(order, token)
		return nil
	}

	for _, token := range r.regOrder {
		if err := visit(token); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Replace hot-swaps the implementation behind a token. The candidate is
// constructed, initialized, and health-checked before the live
// registration is touched; any validation failure aborts with no change to
// live state. On success the old instance is shut down, the constructor
// and configuration are swapped, the cached instance is cleared for lazy
// recreation, and every registration depending on the token (directly or
// transitively) is shut down and recreated so it picks up the new
// implementation.
func (r *ServiceRegistry) Replace(ctx context.Context, token string, ctor ServiceConstructor, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isShutDown {
		return ErrRegistryShutDown
	}
	reg, exists := r.registrations[token]
	if !exists {
		return fmt.Errorf("%w: %s", ErrReplaceUnknownToken, token)
	}
	if ctor == nil {
		return fmt.Errorf("%w: %s", ErrConstructorNil, token)
	}

	// Validate the candidate against the live dependency set.
	resolved := make(map[string]Service, len(reg.dependencies))
	for _, dep := range reg.dependencies {
		instance, err := r.resolve(ctx, dep, make(map[string]bool))
		if err != nil {
			return fmt.Errorf("failed to resolve dependency '%s' for replacement of '%s': %w", dep, token, err)
		}
		resolved[dep] = instance
	}

	candidate := ctor()
	if candidate == nil {
		return fmt.Errorf("%w: %s", ErrReplacementConstructNil, token)
	}
	candidateConfig := config
	if candidateConfig == nil {
		candidateConfig = reg.config
	}
	deps := ServiceDeps{Services: resolved, Config: candidateConfig, Logger: r.logger}
	if err := candidate.Initialize(ctx, deps); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReplacementInitFailed, token, err)
	}
	if !candidate.IsHealthy() {
		if err := candidate.Shutdown(ctx); err != nil {
			r.logger.Warn("Failed to shut down rejected replacement candidate", "token", token, "error", err)
		}
		return fmt.Errorf("%w: %s", ErrReplacementUnhealthy, token)
	}
	// The throwaway served its validation purpose.
	if err := candidate.Shutdown(ctx); err != nil {
		r.logger.Warn("Failed to shut down validation candidate", "token", token, "error", err)
	}

	oldName := ""
	if reg.instance != nil {
		oldName = reg.instance.Name()
		if err := reg.instance.Shutdown(ctx); err != nil {
			r.logger.Error("Error shutting down replaced service", "token", token, "error", err)
		}
	}
	reg.constructor = ctor
	if config != nil {
		reg.config = config
	}
	reg.instance = nil
	r.dropFromLiveOrder(token)

	dependents := r.collectDependents(token)
	r.shutdownDependents(ctx, dependents)
	for _, dep := range dependents {
		if _, err := r.resolve(ctx, dep, make(map[string]bool)); err != nil {
			r.logger.Error("Failed to recreate dependent after replacement", "token", dep, "error", err)
		}
	}

	r.logger.Info("Replaced service implementation", "token", token, "previous", oldName)
	r.emitEvent(EventTypeServiceReplaced, token, map[string]any{"previous": oldName})
	return nil
}

// collectDependents returns tokens that transitively depend on the given
// token and currently hold a live instance, in initialization order.
func (r *ServiceRegistry) collectDependents(token string) []string {
	affected := map[string]bool{token: true}
	// liveOrder is already a valid dependency order, so one forward pass
	// catches transitive dependents.
	var dependents []string
	for _, candidate := range r.liveOrder {
		reg := r.registrations[candidate]
		for _, dep := range reg.dependencies {
			if affected[dep] {
				affected[candidate] = true
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}

// shutdownDependents shuts down the listed live instances in reverse
// initialization order and clears their cached instances.
func (r *ServiceRegistry) shutdownDependents(ctx context.Context, dependents []string) {
	for i := len(dependents) - 1; i >= 0; i-- {
		token := dependents[i]
		reg := r.registrations[token]
		if reg.instance == nil {
			continue
		}
		if err := reg.instance.Shutdown(ctx); err != nil {
			r.logger.Error("Error shutting down dependent service", "token", token, "error", err)
		}
		reg.instance = nil
		r.dropFromLiveOrder(token)
	}
}

func (r *ServiceRegistry) dropFromLiveOrder(token string) {
	if i := slices.Index(r.liveOrder, token); i >= 0 {
		r.liveOrder = slices.Delete(r.liveOrder, i, i+1)
	}
}

// HealthCheck probes every registration with a live instance and
// aggregates the results. The overall verdict is unhealthy only when a
// critical service is unhealthy; non-critical failures are reflected in
// the counts but do not flip it.
func (r *ServiceRegistry) HealthCheck(ctx context.Context) AggregatedHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := AggregatedHealth{
		IsHealthy:   true,
		Services:    make(map[string]HealthStatus, len(r.registrations)),
		GeneratedAt: time.Now(),
	}

	for _, token := range r.regOrder {
		reg := r.registrations[token]
		if reg.instance == nil {
			agg.UncheckedCount++
			continue
		}

		started := time.Now()
		status := reg.instance.HealthStatus()
		if status.LastChecked.IsZero() {
			status.LastChecked = started
		}
		if status.CheckDuration == 0 {
			status.CheckDuration = time.Since(started)
		}
		reg.lastHealthCheck = status.LastChecked
		agg.Services[token] = status

		if status.IsHealthy {
			agg.HealthyCount++
			continue
		}
		agg.UnhealthyCount++
		if r.critical[token] {
			agg.IsHealthy = false
			agg.UnhealthyCritical = append(agg.UnhealthyCritical, token)
		}
		r.logger.Warn("Service unhealthy", "token", token, "critical", r.critical[token], "status", status.Status)
	}
	return agg
}

// Shutdown destroys every live instance in exactly the reverse of the
// recorded initialization order. It is idempotent; subsequent calls are
// no-ops and the registry rejects further use.
func (r *ServiceRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isShutDown {
		return nil
	}
	r.isShutDown = true

	var lastErr error
	for i := len(r.liveOrder) - 1; i >= 0; i-- {
		token := r.liveOrder[i]
		reg := r.registrations[token]
		if reg.instance == nil {
			continue
		}
		r.logger.Info("Shutting down service", "token", token)
		if err := reg.instance.Shutdown(ctx); err != nil {
			r.logger.Error("Error shutting down service", "token", token, "error", err)
			lastErr = err
		}
		reg.instance = nil
		r.emitEvent(EventTypeServiceShutDown, token, nil)
	}
	r.liveOrder = nil
	return lastErr
}

// ServiceInfo returns a read-only view of one registration.
func (r *ServiceRegistry) ServiceInfo(token string) (ServiceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.registrations[token]
	if !exists {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, token)
	}
	info := ServiceInfo{
		Token:           reg.token,
		Dependencies:    append([]string(nil), reg.dependencies...),
		Singleton:       reg.singleton,
		Critical:        r.critical[token],
		HasInstance:     reg.instance != nil,
		CreatedAt:       reg.createdAt,
		LastHealthCheck: reg.lastHealthCheck,
	}
	if reg.instance != nil {
		info.Implementation = reg.instance.Name()
		info.Version = reg.instance.Version()
	}
	return info, nil
}

// ListServices returns all registered tokens in registration order.
func (r *ServiceRegistry) ListServices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.regOrder...)
}

// emitEvent notifies observers while the registry lock is held; observers
// must not call back into the registry.
func (r *ServiceRegistry) emitEvent(eventType, token string, data map[string]any) {
	if r.subject == nil {
		return
	}
	payload := map[string]any{"token": token}
	for k, v := range data {
		payload[k] = v
	}
	event := NewCloudEvent(eventType, "corekit.registry", payload, nil)
	if err := r.subject.NotifyObservers(context.Background(), event); err != nil {
		r.logger.Debug("Failed to emit registry event", "type", eventType, "token", token, "error", err)
	}
}
