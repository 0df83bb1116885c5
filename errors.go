package corekit

import (
	"errors"
)

// Framework errors
var (
	// Service registry errors
	ErrServiceAlreadyRegistered = errors.New("service already registered")
	ErrServiceNotFound          = errors.New("service not found")
	ErrCircularDependency       = errors.New("circular dependency detected")
	ErrDependencyMissing        = errors.New("service depends on unregistered token")
	ErrCriticalServiceFailed    = errors.New("critical service failed")
	ErrRegistryShutDown         = errors.New("registry is shut down")
	ErrConstructorNil           = errors.New("service constructor is nil")
	ErrServiceNil               = errors.New("constructor returned nil service")

	// Replacement errors
	ErrReplacementUnhealthy    = errors.New("replacement candidate failed health validation")
	ErrReplacementInitFailed   = errors.New("replacement candidate failed to initialize")
	ErrReplaceUnknownToken     = errors.New("cannot replace unregistered token")
	ErrReplacementConstructNil = errors.New("replacement constructor returned nil")

	// Feature flag errors
	ErrCoreFlagImmutable = errors.New("core feature flag cannot be modified")

	// Flag configuration errors
	ErrFlagConfigUnsupportedFormat = errors.New("unsupported flag configuration format")
	ErrFlagConfigParseFailed       = errors.New("failed to parse flag configuration")
	ErrFlagConfigEmptyPath         = errors.New("flag configuration path is empty")

	// Isolator errors
	ErrIsolatorClosed       = errors.New("isolator has been closed")
	ErrIsolatorFallbackMode = errors.New("isolator is in fallback mode")

	// Observer errors
	ErrObserverNil = errors.New("observer is nil")

	// Health monitor errors
	ErrMonitorAlreadyRunning = errors.New("health monitor already running")
	ErrMonitorNotRunning     = errors.New("health monitor not running")
	ErrInvalidSchedule       = errors.New("invalid health check schedule")
)
