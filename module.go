// Package modhost hosts independent feature modules across isolated execution
// contexts and lets them call each other's actions as if they were local.
//
// Each context runs one Runtime. A Runtime filters the Catalog down to the
// modules declared for its context, registers their actions, and initializes
// them in dependency order. Readiness is broadcast to every other context
// over a transport, and Call routes an action either to the local registry or
// across the transport to whichever context owns the module.
package modhost

import (
	"context"

	"github.com/GoCodeAlone/modhost/oauth"
)

// ContextName identifies an execution context.
type ContextName string

// Well-known contexts. Any other name is allowed.
const (
	ContextBackground ContextName = "background"
	ContextPage       ContextName = "page"
	ContextOffscreen  ContextName = "offscreen"
)

// Manifest is the static description of a module.
type Manifest struct {
	Name         string                `json:"name"`
	Contexts     []ContextName         `json:"contexts"`
	Dependencies []string              `json:"dependencies,omitempty"`
	Actions      []string              `json:"actions,omitempty"`
	OAuth        *oauth.ProviderConfig `json:"oauth,omitempty"`
}

// RunsIn reports whether the module is declared for ctx.
func (m Manifest) RunsIn(ctx ContextName) bool {
	for _, c := range m.Contexts {
		if c == ctx {
			return true
		}
	}
	return false
}

// Module is a unit of functionality hosted by a Runtime.
type Module interface {
	Manifest() Manifest
}

// Initializer is implemented by modules with setup work. Modules without it
// become ready as soon as their dependencies are ready.
type Initializer interface {
	Initialize(ctx context.Context, rt *Runtime, cfg ModuleConfig) error
}

// ActionProvider supplies handlers for the actions named in the manifest.
type ActionProvider interface {
	Actions() map[string]Handler
}

// Stoppable modules are stopped by Runtime.Close in reverse initialization order.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// ModuleFunc builds a Module from a manifest and optional callbacks, mostly
// for tests and small built-ins.
type ModuleFunc struct {
	Spec     Manifest
	Init     func(ctx context.Context, rt *Runtime, cfg ModuleConfig) error
	Handlers map[string]Handler
}

func (m *ModuleFunc) Manifest() Manifest { return m.Spec }

func (m *ModuleFunc) Initialize(ctx context.Context, rt *Runtime, cfg ModuleConfig) error {
	if m.Init == nil {
		return nil
	}
	return m.Init(ctx, rt, cfg)
}

func (m *ModuleFunc) Actions() map[string]Handler { return m.Handlers }
