package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/modhost/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func greeterModule(contexts []ContextName) *ModuleFunc {
	m := testModule("greeter", contexts)
	m.Spec.Actions = []string{"greet", "fail"}
	m.Handlers = map[string]Handler{
		"greet": func(ctx context.Context, p Params) (any, error) {
			var name string
			if err := p.Bind(&name); err != nil {
				return nil, err
			}
			return greeting{Text: "hello " + name, Count: p.Len()}, nil
		},
		"fail": func(ctx context.Context, p Params) (any, error) {
			return nil, errors.New("not today")
		},
	}
	return m
}

func TestCallLocal(t *testing.T) {
	rt := newTestRuntime(t, ContextBackground, []Module{greeterModule(background)})
	require.NoError(t, rt.Initialize(context.Background()))

	raw, err := rt.Call(context.Background(), "greeter.greet", "ada")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello ada","count":1}`, string(raw))

	got, err := CallAs[greeting](context.Background(), rt, "greeter.greet", "bob")
	require.NoError(t, err)
	assert.Equal(t, greeting{Text: "hello bob", Count: 1}, got)

	_, err = rt.Call(context.Background(), "greeter.fail")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "greeter.fail", actionErr.Action)
	assert.Equal(t, "not today", actionErr.Message)

	_, err = rt.Call(context.Background(), "greeter.unknown")
	require.ErrorAs(t, err, &actionErr)
	assert.Contains(t, actionErr.Message, "not found")

	_, err = rt.Call(context.Background(), "nodot")
	assert.ErrorIs(t, err, ErrInvalidActionName)
}

func TestCallFailedModule(t *testing.T) {
	broken := greeterModule(background)
	broken.Init = func(ctx context.Context, rt *Runtime, cfg ModuleConfig) error {
		return errors.New("no credentials")
	}
	rt := newTestRuntime(t, ContextBackground, []Module{broken})
	require.NoError(t, rt.Initialize(context.Background()))

	_, err := rt.Call(context.Background(), "greeter.greet", "ada")
	assert.ErrorIs(t, err, ErrModuleFailed)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestCallWaitsForModule(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		cfg := fastConfig()
		cfg.WaitTimeout = 30 * time.Millisecond
		rt := newTestRuntime(t, ContextBackground, nil, WithRuntimeConfig(cfg))
		require.NoError(t, rt.Initialize(context.Background()))

		_, err := rt.Call(context.Background(), "nowhere.op")
		assert.ErrorIs(t, err, ErrModuleWaitTimeout)
	})

	t.Run("caller cancels", func(t *testing.T) {
		rt := newTestRuntime(t, ContextBackground, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := rt.Call(ctx, "nowhere.op")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ErrModuleWaitTimeout)
	})

	t.Run("call before initialize", func(t *testing.T) {
		rt := newTestRuntime(t, ContextBackground, []Module{greeterModule(background)})

		result := make(chan error, 1)
		go func() {
			_, err := rt.Call(context.Background(), "greeter.greet", "early")
			result <- err
		}()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, rt.Initialize(context.Background()))

		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("call never completed")
		}
	})

	t.Run("ready remote without transport", func(t *testing.T) {
		rt := newTestRuntime(t, ContextBackground, nil)
		require.NoError(t, rt.Initialize(context.Background()))
		_, err := rt.Readiness().Set("elsewhere", Ready)
		require.NoError(t, err)

		_, err = rt.Call(context.Background(), "elsewhere.op")
		assert.ErrorIs(t, err, ErrNoTransport)
	})
}

func TestCallAcrossContexts(t *testing.T) {
	hub := transport.NewMemoryHub()
	var counted atomic.Int32

	counter := testModule("counter", background)
	counter.Spec.Actions = []string{"incr"}
	counter.Handlers = map[string]Handler{
		"incr": func(ctx context.Context, p Params) (any, error) {
			return counted.Add(1), nil
		},
	}
	broken := testModule("broken", background)
	broken.Init = func(ctx context.Context, rt *Runtime, cfg ModuleConfig) error { return errors.New("offline") }

	viewer := testModule("viewer", []ContextName{ContextPage}, "counter")
	viewer.Spec.Actions = []string{"render"}
	viewer.Handlers = map[string]Handler{
		"render": func(ctx context.Context, p Params) (any, error) { return "<p>", nil },
	}

	modules := []Module{counter, broken, viewer}
	bg := newTestRuntime(t, ContextBackground, modules, WithTransport(hub.Endpoint("background")))
	require.NoError(t, bg.Initialize(context.Background()))

	// The page context starts late; its dependency on counter is satisfied
	// by the status exchange.
	page := newTestRuntime(t, ContextPage, modules, WithTransport(hub.Endpoint("page")))
	require.NoError(t, page.Initialize(context.Background()))
	assert.Equal(t, Ready, page.Readiness().State("viewer"))
	assert.Equal(t, Ready, page.Readiness().State("counter"))

	got, err := CallAs[int](context.Background(), page, "counter.incr")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.EqualValues(t, 1, counted.Load(), "only the owning context answers")

	rendered, err := CallAs[string](context.Background(), bg, "viewer.render")
	require.NoError(t, err)
	assert.Equal(t, "<p>", rendered)

	_, err = page.Call(context.Background(), "broken.anything")
	assert.ErrorIs(t, err, ErrModuleFailed)

	_, err = page.Call(context.Background(), "counter.missing")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
}

func TestHandleMessage(t *testing.T) {
	broken := testModule("broken", background)
	broken.Init = func(ctx context.Context, rt *Runtime, cfg ModuleConfig) error { return errors.New("offline") }
	rt := newTestRuntime(t, ContextBackground, []Module{greeterModule(background), broken})
	require.NoError(t, rt.Initialize(context.Background()))

	encode := func(msg Message) []byte {
		payload, err := json.Marshal(msg)
		require.NoError(t, err)
		return payload
	}
	params, err := NewParams("eve")
	require.NoError(t, err)

	reply, ok := rt.handleMessage(context.Background(), encode(Message{Action: "greeter.greet", Params: params}))
	require.True(t, ok)
	var env Envelope
	require.NoError(t, json.Unmarshal(reply, &env))
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"text":"hello eve","count":1}`, string(env.Result))

	reply, ok = rt.handleMessage(context.Background(), encode(Message{Action: "broken.op"}))
	require.True(t, ok, "failed local modules still answer")
	require.NoError(t, json.Unmarshal(reply, &env))
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "offline")

	_, ok = rt.handleMessage(context.Background(), encode(Message{Action: "other.op"}))
	assert.False(t, ok, "modules hosted elsewhere are not answered")

	_, ok = rt.handleMessage(context.Background(), []byte("not json"))
	assert.False(t, ok)

	_, ok = rt.handleMessage(context.Background(), encode(Message{Type: MessageModuleFailed, ModuleName: "greeter"}))
	assert.False(t, ok)
	assert.Equal(t, Ready, rt.Readiness().State("greeter"), "remote state never overrides a local module")

	rt.handleMessage(context.Background(), encode(Message{Type: MessageModuleReady, ModuleName: "remote"}))
	assert.Equal(t, Ready, rt.Readiness().State("remote"))
	rt.handleMessage(context.Background(), encode(Message{Type: MessageModuleFailed, ModuleName: "remote"}))
	assert.Equal(t, Ready, rt.Readiness().State("remote"), "regressions are ignored")
}

func TestHandleMessageLeavesInitializingModulesToOthers(t *testing.T) {
	release := make(chan struct{})
	greeter := greeterModule(background)
	greeter.Init = func(ctx context.Context, rt *Runtime, cfg ModuleConfig) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	rt := newTestRuntime(t, ContextBackground, []Module{greeter})

	done := make(chan error, 1)
	go func() { done <- rt.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return rt.isLocal("greeter") }, time.Second, 5*time.Millisecond)

	params, err := NewParams("eve")
	require.NoError(t, err)
	payload, err := json.Marshal(Message{Action: "greeter.greet", Params: params})
	require.NoError(t, err)

	_, ok := rt.handleMessage(context.Background(), payload)
	assert.False(t, ok, "a module that has not finished initializing does not answer")
	assert.Equal(t, ReadinessUnknown, rt.Readiness().State("greeter"))

	close(release)
	require.NoError(t, <-done)
	reply, ok := rt.handleMessage(context.Background(), payload)
	require.True(t, ok)
	var env Envelope
	require.NoError(t, json.Unmarshal(reply, &env))
	assert.True(t, env.Success)
}

// flakyTransport fails every delivery and counts attempts.
type flakyTransport struct {
	mutex      sync.Mutex
	broadcasts []Message
	requests   int
	handler    transport.Handler
}

func (f *flakyTransport) ID() string { return "flaky" }

func (f *flakyTransport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.requests++
	return nil, errors.New("link down")
}

func (f *flakyTransport) Broadcast(ctx context.Context, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	return errors.New("link down")
}

func (f *flakyTransport) Listen(handler transport.Handler) error {
	f.handler = handler
	return nil
}

func (f *flakyTransport) Close() error { return nil }

func TestTransportRetries(t *testing.T) {
	flaky := &flakyTransport{}
	rt := newTestRuntime(t, ContextBackground, []Module{testModule("solo", background)}, WithTransport(flaky))
	require.NoError(t, rt.Initialize(context.Background()))
	require.NotNil(t, flaky.handler)

	_, err := rt.Readiness().Set("remote", Ready)
	require.NoError(t, err)
	_, err = rt.Call(context.Background(), "remote.op")
	assert.ErrorIs(t, err, ErrTransport)

	require.NoError(t, rt.Close(context.Background()))

	flaky.mutex.Lock()
	defer flaky.mutex.Unlock()
	assert.Equal(t, 2, flaky.requests)
	require.Len(t, flaky.broadcasts, 4, "status request and ready announcement, two attempts each")
	assert.Equal(t, MessageStatusRequest, flaky.broadcasts[0].Type)
	assert.Equal(t, MessageStatusRequest, flaky.broadcasts[1].Type)
	assert.Equal(t, Message{Type: MessageModuleReady, ModuleName: "solo"}, flaky.broadcasts[2])
}

func TestHandlersSeeDispatchingRuntime(t *testing.T) {
	m := testModule("who", background)
	m.Spec.Actions = []string{"ami"}
	m.Handlers = map[string]Handler{
		"ami": func(ctx context.Context, p Params) (any, error) {
			rt, ok := RuntimeFromContext(ctx)
			if !ok {
				return nil, errors.New("no runtime in context")
			}
			return string(rt.Context()), nil
		},
	}
	rt := newTestRuntime(t, ContextBackground, []Module{m})
	require.NoError(t, rt.Initialize(context.Background()))

	got, err := CallAs[string](context.Background(), rt, "who.ami")
	require.NoError(t, err)
	assert.Equal(t, "background", got)

	_, ok := RuntimeFromContext(context.Background())
	assert.False(t, ok)
}
