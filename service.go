// Package corekit provides the runtime service composition and resilience
// framework for the charity-tracker application.
//
// The framework manages the lifecycle of pluggable service implementations
// through a dependency-injection registry, gates functionality per user via
// a feature flag evaluator, and contains failures behind fault isolators so
// independent parts of the application can fail and recover without taking
// the whole process down.
//
// Basic usage:
//
//	reg := corekit.NewServiceRegistry(logger)
//	_ = reg.Register("auth", newAuthService, corekit.WithDependencies())
//	_ = reg.Register("donations", newDonationService, corekit.WithDependencies("auth"))
//	if err := reg.InitializeAll(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Shutdown(context.Background())
package corekit

import (
	"context"
	"time"
)

// Service is the contract every pluggable service implementation must
// satisfy to be managed by the ServiceRegistry. The registry and fault
// isolators consume only this surface; concrete services (auth, donation
// CRUD, pricing lookups) are external collaborators implementing it.
type Service interface {
	// Name returns the human-readable name of the implementation.
	// It identifies the implementation, not the registry token: two
	// implementations of the same token report different names.
	Name() string

	// Version returns the implementation version, used for diagnostics
	// and hot-swap audit logging.
	Version() string

	// IsInitialized reports whether Initialize has completed successfully.
	IsInitialized() bool

	// Initialize prepares the service for use. The registry calls it
	// exactly once per instance, after all declared dependencies have been
	// resolved. Dependencies and static configuration arrive via deps.
	Initialize(ctx context.Context, deps ServiceDeps) error

	// IsHealthy is a fast liveness probe used by aggregated health checks.
	IsHealthy() bool

	// HealthStatus returns a detailed health report for this service.
	HealthStatus() HealthStatus

	// Shutdown releases resources held by the service. The registry calls
	// it during ordered shutdown and before discarding a replaced instance.
	Shutdown(ctx context.Context) error

	// HandleError lets the service classify an error raised while using it.
	// The returned disposition tells the caller whether the error was
	// absorbed, whether a retry is worthwhile, and how severe it is.
	HandleError(err error, errCtx map[string]any) ErrorDisposition
}

// ServiceDeps carries everything a service needs at initialization time:
// the resolved instances of its declared dependencies, keyed by token, and
// the static configuration supplied at registration.
type ServiceDeps struct {
	// Services maps dependency tokens to their live instances.
	Services map[string]Service

	// Config is the registration-time configuration for this service.
	Config map[string]any

	// Logger is the framework logger, shared so services log consistently.
	Logger Logger
}

// Dependency returns the resolved dependency for the given token, or nil
// if the token was not declared as a dependency.
func (d ServiceDeps) Dependency(token string) Service {
	return d.Services[token]
}

// ErrorDisposition is a service's verdict on an error raised against it.
type ErrorDisposition struct {
	// Handled indicates the service absorbed the error and no further
	// action is required from the caller.
	Handled bool

	// Retry indicates the operation is worth retrying.
	Retry bool

	// Severity is the service's classification of the error.
	Severity Severity

	// FallbackAction optionally names a degraded behavior the caller
	// should switch to (for example "cached-prices").
	FallbackAction string

	// Message optionally carries an operator-facing explanation.
	Message string
}

// HealthStatus is a point-in-time health report for a single service.
type HealthStatus struct {
	// IsHealthy is the overall verdict of the probe.
	IsHealthy bool `json:"isHealthy"`

	// LastChecked records when the probe ran.
	LastChecked time.Time `json:"lastChecked"`

	// CheckDuration is how long the probe took.
	CheckDuration time.Duration `json:"checkDuration"`

	// Uptime is how long the service has been initialized.
	Uptime time.Duration `json:"uptime"`

	// Status is a short state label such as "ok" or "degraded".
	Status string `json:"status"`

	// Details carries optional service-specific diagnostic data.
	Details map[string]any `json:"details,omitempty"`
}

// AggregatedHealth is the combined health of every live service in the
// registry at a single point in time.
type AggregatedHealth struct {
	// IsHealthy is false when any critical service is unhealthy. Unhealthy
	// non-critical services degrade the summary but do not flip it.
	IsHealthy bool `json:"isHealthy"`

	// HealthyCount is the number of live services reporting healthy.
	HealthyCount int `json:"healthyCount"`

	// UnhealthyCount is the number of live services reporting unhealthy.
	UnhealthyCount int `json:"unhealthyCount"`

	// UncheckedCount is the number of registrations with no live instance.
	UncheckedCount int `json:"uncheckedCount"`

	// Services maps tokens to their individual reports.
	Services map[string]HealthStatus `json:"services"`

	// UnhealthyCritical lists critical tokens that failed their probe.
	UnhealthyCritical []string `json:"unhealthyCritical,omitempty"`

	// GeneratedAt records when this aggregate was collected.
	GeneratedAt time.Time `json:"generatedAt"`
}
