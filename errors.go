package modhost

import (
	"errors"
	"fmt"
	"time"
)

// Runtime errors
var (
	// Catalog errors
	ErrModuleNil               = errors.New("module is nil")
	ErrModuleNameEmpty         = errors.New("module name is empty")
	ErrModuleAlreadyRegistered = errors.New("module already registered")
	ErrModuleNoContexts        = errors.New("module declares no contexts")

	// Action errors
	ErrInvalidActionName = errors.New("invalid action name")
	ErrActionNotFound    = errors.New("action not found")
	ErrHandlerNil        = errors.New("action handler is nil")
	ErrParamIndex        = errors.New("parameter index out of range")

	// Readiness errors
	ErrReadinessRegression = errors.New("readiness cannot change once terminal")
	ErrInvalidReadiness    = errors.New("invalid readiness state")

	// Scheduler errors
	ErrDependenciesNotMet  = errors.New("Dependencies not met")
	ErrDependencyFailed    = errors.New("dependency failed")
	ErrModulePanicked      = errors.New("module initialization panicked")
	ErrAlreadyInitialized  = errors.New("runtime already initialized")
	ErrOAuthManagerMissing = errors.New("module declares an OAuth provider but no OAuth manager is configured")

	// Call errors
	ErrModuleFailed      = errors.New("module failed to initialize")
	ErrModuleWaitTimeout = errors.New("timed out waiting for module")
	ErrNoTransport       = errors.New("no transport configured for remote call")
	ErrTransport         = errors.New("transport error")
	ErrRuntimeClosed     = errors.New("runtime is closed")

	// Observer errors
	ErrObserverNil = errors.New("observer is nil")

	// Config errors
	ErrConfigNil                  = errors.New("config is nil")
	ErrConfigNotPointer           = errors.New("config must be a pointer")
	ErrConfigNotStruct            = errors.New("config must be a struct")
	ErrConfigRequiredFieldMissing = errors.New("required field is missing")
	ErrUnsupportedTypeForDefault  = errors.New("unsupported type for default value")
	ErrDefaultValueOverflows      = errors.New("default value overflows field")
)

// ModuleError records why a module ended up failed.
type ModuleError struct {
	Module  string    `json:"module"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
	Err     error     `json:"-"`
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s", e.Module, e.Message)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// ActionError is returned by Call when the action ran and reported failure.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %s", e.Action, e.Message)
}
