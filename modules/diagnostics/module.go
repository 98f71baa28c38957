// Package diagnostics provides a module that reports on the runtime hosting
// it. By default it runs in every context, so each context answers for
// itself when called locally, and another context answers when called from a
// context that does not host it.
package diagnostics

import (
	"context"
	"errors"
	"time"

	"github.com/GoCodeAlone/modhost"
)

const ModuleName = "diagnostics"

// Action names.
const (
	ActionPing      = "ping"
	ActionReadiness = "readiness"
	ActionActions   = "actions"
	ActionErrors    = "errors"
)

var ErrNoRuntime = errors.New("diagnostics action dispatched without a runtime")

// Pong answers ping.
type Pong struct {
	Context modhost.ContextName `json:"context"`
	Modules []string            `json:"modules"`
	Time    time.Time           `json:"time"`
}

// Failure is one module error as reported by the errors action.
type Failure struct {
	Module  string    `json:"module"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Module is the diagnostics module.
type Module struct {
	contexts []modhost.ContextName
	now      func() time.Time
}

// NewModule creates the module for contexts, or for every known context when
// none are given.
func NewModule(contexts ...modhost.ContextName) *Module {
	if len(contexts) == 0 {
		contexts = []modhost.ContextName{modhost.ContextBackground, modhost.ContextPage, modhost.ContextOffscreen}
	}
	return &Module{contexts: contexts, now: time.Now}
}

func (m *Module) Manifest() modhost.Manifest {
	return modhost.Manifest{
		Name:     ModuleName,
		Contexts: m.contexts,
		Actions:  []string{ActionPing, ActionReadiness, ActionActions, ActionErrors},
	}
}

func (m *Module) Actions() map[string]modhost.Handler {
	return map[string]modhost.Handler{
		ActionPing:      withRuntime(m.ping),
		ActionReadiness: withRuntime(readiness),
		ActionActions:   withRuntime(actions),
		ActionErrors:    withRuntime(failures),
	}
}

func withRuntime(fn func(rt *modhost.Runtime) any) modhost.Handler {
	return func(ctx context.Context, _ modhost.Params) (any, error) {
		rt, ok := modhost.RuntimeFromContext(ctx)
		if !ok {
			return nil, ErrNoRuntime
		}
		return fn(rt), nil
	}
}

func (m *Module) ping(rt *modhost.Runtime) any {
	return Pong{Context: rt.Context(), Modules: rt.LocalModules(), Time: m.now().UTC()}
}

func readiness(rt *modhost.Runtime) any {
	return rt.Readiness().Snapshot()
}

func actions(rt *modhost.Runtime) any {
	return rt.Registry().Names()
}

func failures(rt *modhost.Runtime) any {
	errs := rt.Errors()
	out := make([]Failure, 0, len(errs))
	for _, e := range errs {
		out = append(out, Failure{Module: e.Module, Message: e.Message, At: e.At})
	}
	return out
}
