package modhost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ActionName is the fully qualified "module.action" identifier.
type ActionName struct {
	Module string
	Action string
}

// ParseActionName splits s at the first dot.
func ParseActionName(s string) (ActionName, error) {
	module, action, ok := strings.Cut(s, ".")
	if !ok || module == "" || action == "" {
		return ActionName{}, fmt.Errorf("%w: %q", ErrInvalidActionName, s)
	}
	return ActionName{Module: module, Action: action}, nil
}

func (n ActionName) String() string {
	return n.Module + "." + n.Action
}

// Handler implements an action. The returned value is encoded as JSON.
type Handler func(ctx context.Context, params Params) (any, error)

// Params are the positional arguments of an action call. Arguments are JSON
// encoded for local and remote calls alike, so a handler sees the same input
// wherever the caller runs.
type Params []json.RawMessage

// NewParams encodes args.
func NewParams(args ...any) (Params, error) {
	params := make(Params, 0, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			params = append(params, raw)
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode parameter %d: %w", i, err)
		}
		params = append(params, data)
	}
	return params, nil
}

// Len returns the number of arguments.
func (p Params) Len() int {
	return len(p)
}

// Decode unmarshals argument i into target.
func (p Params) Decode(i int, target any) error {
	if i < 0 || i >= len(p) {
		return fmt.Errorf("%w: %d of %d", ErrParamIndex, i, len(p))
	}
	if err := json.Unmarshal(p[i], target); err != nil {
		return fmt.Errorf("decode parameter %d: %w", i, err)
	}
	return nil
}

// Bind decodes arguments into targets positionally. Missing trailing
// arguments leave their targets untouched.
func (p Params) Bind(targets ...any) error {
	for i, target := range targets {
		if i >= len(p) {
			return nil
		}
		if err := p.Decode(i, target); err != nil {
			return err
		}
	}
	return nil
}

// Envelope is the uniform result of executing an action.
type Envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func failure(err error) Envelope {
	return Envelope{Error: err.Error()}
}

// Err converts a failed envelope into an *ActionError.
func (e Envelope) Err(action string) error {
	if e.Success {
		return nil
	}
	return &ActionError{Action: action, Message: e.Error}
}
