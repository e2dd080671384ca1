// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides a generic [capmesh.Adapter] built from a table of
// methods and properties, a generic [capmesh.Proxy] that caches the
// properties of a remote capability, and adapters from functions with typed
// signatures to the method type.
//
// Parameters may be bool, float64, int, string, []envelope.Value,
// envelope.Value, or a type whose pointer supports encoding.TextUnmarshaler
// (decoded from a string argument).
//
// Results may be any of the same types, a *envelope.Map, or a type that
// supports encoding.TextMarshaler (encoded as a string).
package handler

import (
	"context"
	"encoding"
	"fmt"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/envelope"
)

// A Func implements a method of a capability. It concludes the call with its
// result or error when it returns.
type Func func(ctx context.Context, args envelope.Value) (envelope.Value, error)

type method struct {
	sync  Func
	async func(*capmesh.Call)
}

// An Adapter is a [capmesh.Adapter] that dispatches invocations to a table
// of methods by aspect name, and reports a set of properties maintained by
// the application via Set.
//
// Invocations of an aspect with no method fail with an UnknownAspect error.
type Adapter struct {
	em      capmesh.Emitter
	methods map[string]method

	μ       sync.Mutex
	props   *envelope.Map
	onClose []func()
}

var (
	_ capmesh.Adapter = (*Adapter)(nil)
	_ capmesh.Closer  = (*Adapter)(nil)
)

// New constructs a new empty Adapter that emits events via em.
func New(em capmesh.Emitter) *Adapter {
	return &Adapter{em: em, methods: make(map[string]method), props: envelope.NewMap()}
}

// Method registers f to handle invocations of aspect, replacing any previous
// method. It returns a to permit chaining. Methods should be registered
// before the adapter is installed in an engine.
func (a *Adapter) Method(aspect string, f Func) *Adapter {
	a.methods[aspect] = method{sync: f}
	return a
}

// Async registers f to handle invocations of aspect. The invocation remains
// pending after f returns, until f (or some goroutine it starts) concludes
// it via call.Reply or call.Fail. It returns a to permit chaining.
func (a *Adapter) Async(aspect string, f func(call *capmesh.Call)) *Adapter {
	a.methods[aspect] = method{async: f}
	return a
}

// Init sets the initial value of a property without emitting an event. It
// returns a to permit chaining.
func (a *Adapter) Init(name string, v envelope.Value) *Adapter {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.props.Set(name, v)
	return a
}

// OnClose registers f to be called when the engine closes the adapter.
func (a *Adapter) OnClose(f func()) *Adapter {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.onClose = append(a.onClose, f)
	return a
}

// Close implements the [capmesh.Closer] interface. It calls the functions
// registered by OnClose, in reverse order of registration.
func (a *Adapter) Close() {
	a.μ.Lock()
	fs := a.onClose
	a.onClose = nil
	a.μ.Unlock()
	for i := len(fs) - 1; i >= 0; i-- {
		fs[i]()
	}
}

// Set updates the value of a property. If the value changed, it emits an
// event for the property to every registered receiver. Set is safe for
// concurrent use.
func (a *Adapter) Set(name string, v envelope.Value) {
	a.μ.Lock()
	old, ok := a.props.Get(name)
	if ok && old.Equal(v) {
		a.μ.Unlock()
		return
	}
	a.props.Set(name, v)
	a.μ.Unlock()
	a.em.Emit(name, v)
}

// Get returns the current value of a property, and reports whether it is
// set.
func (a *Adapter) Get(name string) (envelope.Value, bool) {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.props.Get(name)
}

// Properties implements a method of the [capmesh.Adapter] interface.
func (a *Adapter) Properties() *envelope.Map {
	a.μ.Lock()
	defer a.μ.Unlock()
	out := envelope.NewMap()
	for k, v := range a.props.All() {
		out.Set(k, v)
	}
	return out
}

// Invoke implements a method of the [capmesh.Adapter] interface.
func (a *Adapter) Invoke(call *capmesh.Call) bool {
	m, ok := a.methods[call.Aspect]
	if !ok {
		call.Fail(capmesh.UnknownAspect(call.Capability, call.Aspect))
		return false
	}
	if m.async != nil {
		m.async(call)
		return true
	}
	ctx := context.WithValue(call.Context(), callContextKey{}, call)
	v, err := m.sync(ctx, call.Args)
	if err != nil {
		call.Fail(err)
	} else {
		call.Reply(v)
	}
	return false
}

// callContextKey is a context key for the call passed to a method.
type callContextKey struct{}

// ContextCall returns the inbound call passed to the method, or nil if ctx
// has no associated call. The context passed to a [Func] by an [Adapter]
// has this value.
func ContextCall(ctx context.Context) *capmesh.Call {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*capmesh.Call)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a Func.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) Func {
	return func(ctx context.Context, args envelope.Value) (envelope.Value, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return envelope.Null, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return envelope.Null, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a Func.
func ParamResult[P, R any](f func(context.Context, P) R) Func {
	return func(ctx context.Context, args envelope.Value) (envelope.Value, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return envelope.Null, err
		}
		return marshal(f(ctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a Func.
func ParamError[P any](f func(context.Context, P) error) Func {
	return func(ctx context.Context, args envelope.Value) (envelope.Value, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return envelope.Null, err
		}
		return envelope.Null, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a Func.
func ResultError[R any](f func(context.Context) (R, error)) Func {
	return func(ctx context.Context, _ envelope.Value) (envelope.Value, error) {
		r, err := f(ctx)
		if err != nil {
			return envelope.Null, err
		}
		return marshal(r)
	}
}

// Error adapts a function f that accepts no parameters and returns only an
// error, to a Func.
func Error(f func(context.Context) error) Func {
	return func(ctx context.Context, _ envelope.Value) (envelope.Value, error) {
		return envelope.Null, f(ctx)
	}
}

func badArgs(format string, args ...any) error {
	return &capmesh.CallError{
		Domain:  capmesh.Domain,
		Code:    capmesh.CodeMalformedMessage,
		Message: fmt.Sprintf(format, args...),
	}
}

// unmarshal decodes args into v. The concrete type of v must be a pointer to
// one of the supported parameter types.
func unmarshal(args envelope.Value, v any) error {
	var ok bool
	switch t := v.(type) {
	case *envelope.Value:
		*t, ok = args, true
	case *bool:
		*t, ok = args.AsBool()
	case *float64:
		*t, ok = args.AsNumber()
	case *int:
		var f float64
		if f, ok = args.AsNumber(); ok {
			ok = f == float64(int(f))
			*t = int(f)
		}
	case *string:
		*t, ok = args.AsString()
	case *[]envelope.Value:
		*t, ok = args.AsList()
	case encoding.TextUnmarshaler:
		s, isStr := args.AsString()
		if !isStr {
			return badArgs("argument %v is not a string", args)
		}
		return t.UnmarshalText([]byte(s))
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	if !ok {
		return badArgs("argument %v cannot be used as %T", args, v)
	}
	return nil
}

// marshal encodes v as a value. The concrete type of v must be one of the
// supported result types.
func marshal(v any) (envelope.Value, error) {
	switch t := v.(type) {
	case nil:
		return envelope.Null, nil
	case envelope.Value:
		return t, nil
	case bool:
		return envelope.Bool(t), nil
	case float64:
		return envelope.Number(t), nil
	case int:
		return envelope.Number(float64(t)), nil
	case string:
		return envelope.String(t), nil
	case []envelope.Value:
		return envelope.List(t...), nil
	case *envelope.Map:
		return envelope.MapValue(t), nil
	case encoding.TextMarshaler:
		text, err := t.MarshalText()
		if err != nil {
			return envelope.Null, err
		}
		return envelope.String(string(text)), nil
	default:
		return envelope.Null, fmt.Errorf("cannot marshal %T", v)
	}
}
