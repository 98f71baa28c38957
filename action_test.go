package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionName(t *testing.T) {
	tests := []struct {
		in      string
		want    ActionName
		wantErr bool
	}{
		{in: "tokens.getToken", want: ActionName{Module: "tokens", Action: "getToken"}},
		{in: "a.b.c", want: ActionName{Module: "a", Action: "b.c"}},
		{in: "tokens", wantErr: true},
		{in: ".getToken", wantErr: true},
		{in: "tokens.", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseActionName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidActionName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParamsBind(t *testing.T) {
	params, err := NewParams("github", 3, map[string]string{"k": "v"}, json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, 4, params.Len())

	var (
		provider string
		count    int
		extra    map[string]string
	)
	require.NoError(t, params.Bind(&provider, &count, &extra))
	assert.Equal(t, "github", provider)
	assert.Equal(t, 3, count)
	assert.Equal(t, map[string]string{"k": "v"}, extra)

	var list []int
	require.NoError(t, params.Decode(3, &list))
	assert.Equal(t, []int{1, 2}, list)

	assert.ErrorIs(t, params.Decode(4, &list), ErrParamIndex)
	assert.Error(t, params.Decode(0, &count), "type mismatch is reported")

	missing := "unchanged"
	require.NoError(t, Params{}.Bind(&missing))
	assert.Equal(t, "unchanged", missing)
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("math", "add", func(ctx context.Context, p Params) (any, error) {
		var a, b int
		if err := p.Bind(&a, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	require.NoError(t, r.Register("math", "fail", func(ctx context.Context, p Params) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, r.Register("math", "panic", func(ctx context.Context, p Params) (any, error) {
		panic("kaboom")
	}))

	params, _ := NewParams(2, 3)
	env := r.Execute(context.Background(), ActionName{"math", "add"}, params)
	assert.True(t, env.Success)
	assert.JSONEq(t, `5`, string(env.Result))

	env = r.Execute(context.Background(), ActionName{"math", "fail"}, nil)
	assert.False(t, env.Success)
	assert.Equal(t, "boom", env.Error)

	env = r.Execute(context.Background(), ActionName{"math", "panic"}, nil)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "kaboom")

	env = r.Execute(context.Background(), ActionName{"math", "divide"}, nil)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "not found")

	var actionErr *ActionError
	require.ErrorAs(t, env.Err("math.divide"), &actionErr)
	assert.Equal(t, "math.divide", actionErr.Action)
}

func TestRegistryOverwriteAndRemove(t *testing.T) {
	r := NewRegistry(NopLogger())
	first := func(ctx context.Context, p Params) (any, error) { return "first", nil }
	second := func(ctx context.Context, p Params) (any, error) { return "second", nil }

	require.NoError(t, r.Register("m", "op", first))
	require.NoError(t, r.Register("m", "op", second))
	require.NoError(t, r.Register("m", "other", first))
	require.NoError(t, r.Register("n", "op", first))

	env := r.Execute(context.Background(), ActionName{"m", "op"}, nil)
	assert.JSONEq(t, `"second"`, string(env.Result), "last registration wins")
	assert.Equal(t, []string{"m.op", "m.other", "n.op"}, r.Names())

	assert.Equal(t, 2, r.RemoveModule("m"))
	assert.False(t, r.Has(ActionName{"m", "op"}))
	assert.True(t, r.Has(ActionName{"n", "op"}))

	assert.ErrorIs(t, r.Register("", "op", first), ErrInvalidActionName)
	assert.ErrorIs(t, r.Register("m", "op", nil), ErrHandlerNil)
}

func TestRegistryUnencodableResult(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("m", "chan", func(ctx context.Context, p Params) (any, error) {
		return make(chan int), nil
	}))
	env := r.Execute(context.Background(), ActionName{"m", "chan"}, nil)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "encode result")
}
