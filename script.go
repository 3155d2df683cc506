package pydoll

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// evaluate runs expression in the context identified by execCtx (or the
// default context if zero) on the given executor, returning the raw
// remote object. Callers that want a decoded plain value instead use
// evaluateValue below.
func evaluate(ctx context.Context, exec *sessionExecutor, expression string, execCtx runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	ctx = cdp.WithExecutor(ctx, exec)
	p := runtime.Evaluate(expression).WithAwaitPromise(true)
	if execCtx != 0 {
		p = p.WithContextID(execCtx)
	}
	v, exp, err := p.Do(ctx)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return nil, fmt.Errorf("javascript exception: %s", exp.Error())
	}
	return v, nil
}

// callFunctionOn invokes functionDeclaration with `this` bound to
// objectID and args marshaled as CDP call arguments.
func callFunctionOn(ctx context.Context, exec *sessionExecutor, objectID runtime.RemoteObjectID, functionDeclaration string, args ...interface{}) (*runtime.RemoteObject, error) {
	ctx = cdp.WithExecutor(ctx, exec)
	callArgs, err := marshalCallArguments(args)
	if err != nil {
		return nil, err
	}
	p := runtime.CallFunctionOn(functionDeclaration).
		WithObjectID(objectID).
		WithArguments(callArgs).
		WithAwaitPromise(true).
		WithSilent(true)
	v, exp, err := p.Do(ctx)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return nil, fmt.Errorf("javascript exception: %s", exp.Error())
	}
	return v, nil
}

// marshalCallArguments renders a variadic Go argument list as CDP call
// arguments, failing on the first value that does not marshal.
func marshalCallArguments(args []interface{}) ([]*runtime.CallArgument, error) {
	out := make([]*runtime.CallArgument, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, err)
		}
		out = append(out, &runtime.CallArgument{Value: b})
	}
	return out, nil
}

// remoteObjectValue JSON-decodes a by-value RemoteObject's Value into
// dst. evaluate/callFunctionOn above default to leaving objects live so
// they can be further referenced by ObjectID; the by-value variants
// below opt in explicitly for predicates and bounds.
func remoteObjectValue(obj *runtime.RemoteObject, dst interface{}) error {
	if obj == nil || len(obj.Value) == 0 {
		return fmt.Errorf("undefined value")
	}
	return json.Unmarshal(obj.Value, dst)
}

// evaluateValue is like evaluate but requests return-by-value and
// decodes the JSON result into dst, used for predicates/bounds that
// only need a plain value rather than a live object reference.
func evaluateValue(ctx context.Context, exec *sessionExecutor, expression string, execCtx runtime.ExecutionContextID, dst interface{}) error {
	ctx = cdp.WithExecutor(ctx, exec)
	p := runtime.Evaluate(expression).WithAwaitPromise(true).WithReturnByValue(true)
	if execCtx != 0 {
		p = p.WithContextID(execCtx)
	}
	v, exp, err := p.Do(ctx)
	if err != nil {
		return err
	}
	if exp != nil {
		return fmt.Errorf("javascript exception: %s", exp.Error())
	}
	return remoteObjectValue(v, dst)
}

// callFunctionOnValue is callFunctionOn with return-by-value requested
// and the result decoded into dst.
func callFunctionOnValue(ctx context.Context, exec *sessionExecutor, objectID runtime.RemoteObjectID, functionDeclaration string, dst interface{}, args ...interface{}) error {
	ctx = cdp.WithExecutor(ctx, exec)
	callArgs, err := marshalCallArguments(args)
	if err != nil {
		return err
	}
	p := runtime.CallFunctionOn(functionDeclaration).
		WithObjectID(objectID).
		WithArguments(callArgs).
		WithAwaitPromise(true).
		WithReturnByValue(true).
		WithSilent(true)
	v, exp, err := p.Do(ctx)
	if err != nil {
		return err
	}
	if exp != nil {
		return fmt.Errorf("javascript exception: %s", exp.Error())
	}
	return remoteObjectValue(v, dst)
}

// getProperties enumerates objectID's own properties, used to
// materialize an array-typed remote object (querySelectorAll results,
// children/siblings arrays) into individual object ids.
func getProperties(ctx context.Context, exec *sessionExecutor, objectID runtime.RemoteObjectID) ([]*runtime.PropertyDescriptor, error) {
	ctx = cdp.WithExecutor(ctx, exec)
	props, _, _, exp, err := runtime.GetProperties(objectID).WithOwnProperties(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return nil, fmt.Errorf("javascript exception: %s", exp.Error())
	}
	return props, nil
}

// releaseObject wraps Runtime.releaseObject, used by
// ElementHandle.Release.
func releaseObject(ctx context.Context, exec *sessionExecutor, objectID runtime.RemoteObjectID) error {
	ctx = cdp.WithExecutor(ctx, exec)
	return runtime.ReleaseObject(objectID).Do(ctx)
}
