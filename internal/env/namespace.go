// Package env is the sandbox: a persistent JavaScript namespace seeded with
// the session document and the sub-model helpers, and the executor that runs
// code blocks against it.
package env

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
	"github.com/iuriikogan/rlm-sandbox/internal/utils"
)

const (
	ContextName      = "context"
	QueryName        = "llm_query"
	BatchedQueryName = "llm_query_batched"

	// lookupTimeout bounds namespace reads made outside an execution, which
	// can still run user-defined getters.
	lookupTimeout = time.Second
)

// ErrUnbound is returned when reading a name that sandbox code never bound.
var ErrUnbound = errors.New("variable is not defined")

// Querier is the sub-model as seen from sandbox code.
type Querier interface {
	Query(ctx context.Context, prompt string) (string, error)
	QueryBatched(ctx context.Context, prompts []string) ([]string, error)
	ModelName() string
}

// Namespace is the set of bindings visible to sandbox code across turns. It
// is owned by one session and must not be used from more than one goroutine.
type Namespace struct {
	vm          *goja.Runtime
	contextText string
	querier     Querier

	protected map[string]struct{}
	// builtins are the global names present at creation (language builtins
	// and helpers); they are never reported as user variables.
	builtins map[string]struct{}
	// lexical holds top-level let/const/class names, which live outside the
	// global object.
	lexical map[string]struct{}

	// Per-execution state, reset by begin.
	execCtx    context.Context
	out        *outputBuffer
	violations []string
	subErr     error
	calls      []types.SubModelCall
	stringify  goja.Callable
	hasOwn     goja.Callable
}

// NewNamespace seeds a namespace with exactly two user-facing bindings:
// context (the document, data only) and llm_query. Both are protected, as is
// llm_query_batched.
func NewNamespace(contextText string, q Querier) (*Namespace, error) {
	ns := &Namespace{
		vm:          goja.New(),
		contextText: contextText,
		querier:     q,
		protected:   map[string]struct{}{},
		builtins:    map[string]struct{}{},
		lexical:     map[string]struct{}{},
		out:         newOutputBuffer(0),
	}

	if err := ns.installOutput(); err != nil {
		return nil, err
	}
	if err := ns.defineProtected(ContextName, ns.vm.ToValue(contextText)); err != nil {
		return nil, err
	}
	if err := ns.defineProtected(QueryName, ns.vm.ToValue(ns.llmQuery)); err != nil {
		return nil, err
	}
	if err := ns.defineProtected(BatchedQueryName, ns.vm.ToValue(ns.llmQueryBatched)); err != nil {
		return nil, err
	}

	names, err := ns.vm.RunString("Object.getOwnPropertyNames(globalThis)")
	if err != nil {
		return nil, fmt.Errorf("list globals: %w", err)
	}
	var globals []string
	if err := ns.vm.ExportTo(names, &globals); err != nil {
		return nil, fmt.Errorf("export globals: %w", err)
	}
	for _, name := range globals {
		ns.builtins[name] = struct{}{}
	}

	stringify, ok := goja.AssertFunction(ns.vm.Get("JSON").ToObject(ns.vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is not callable")
	}
	ns.stringify = stringify

	hasOwn, ok := goja.AssertFunction(ns.vm.Get("Object").ToObject(ns.vm).Get("prototype").ToObject(ns.vm).Get("hasOwnProperty"))
	if !ok {
		return nil, errors.New("Object.prototype.hasOwnProperty is not callable")
	}
	ns.hasOwn = hasOwn
	return ns, nil
}

// Context returns the document the namespace was seeded with.
func (ns *Namespace) Context() string { return ns.contextText }

// defineProtected installs name as an accessor whose setter rejects the
// write, so assignment fails loudly instead of being ignored.
func (ns *Namespace) defineProtected(name string, v goja.Value) error {
	getter := ns.vm.ToValue(func(goja.FunctionCall) goja.Value { return v })
	setter := ns.vm.ToValue(func(goja.FunctionCall) goja.Value {
		ns.violations = append(ns.violations, name)
		panic(ns.vm.NewTypeError(fmt.Sprintf("%s: %q is protected and cannot be reassigned", types.CodeProtectedName, name)))
	})
	if err := ns.vm.GlobalObject().DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return fmt.Errorf("protect %s: %w", name, err)
	}
	ns.protected[name] = struct{}{}
	return nil
}

// Protect makes an existing global binding immutable.
func (ns *Namespace) Protect(name string) error {
	if ns.IsProtected(name) {
		return nil
	}
	if _, ok := ns.lexical[name]; ok {
		return fmt.Errorf("cannot protect lexical binding %q", name)
	}
	v := ns.vm.GlobalObject().Get(name)
	if v == nil {
		return fmt.Errorf("%w: %s", ErrUnbound, name)
	}
	return ns.defineProtected(name, v)
}

// IsProtected reports whether name rejects rebinding.
func (ns *Namespace) IsProtected(name string) bool {
	_, ok := ns.protected[name]
	return ok
}

// Bind sets a global binding. Protected names are refused with a
// ProtectedNameError.
func (ns *Namespace) Bind(name string, v types.Value) error {
	if ns.IsProtected(name) {
		return types.NewError(types.CodeProtectedName, "%q is protected and cannot be reassigned", name)
	}
	if !utils.IsIdentifier(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	if _, ok := ns.builtins[name]; ok {
		return fmt.Errorf("%q is a builtin", name)
	}
	if _, ok := ns.lexical[name]; ok {
		return fmt.Errorf("%q is a lexical binding and can only be changed by code", name)
	}
	return ns.vm.Set(name, v.Any())
}

// Has reports whether name is bound to a defined value. Builtins and members
// inherited from Object.prototype do not count.
func (ns *Namespace) Has(ctx context.Context, name string) bool {
	if ns.IsProtected(name) {
		return true
	}
	if !utils.IsIdentifier(name) {
		return false
	}
	if _, ok := ns.builtins[name]; ok {
		return false
	}
	if _, ok := ns.lexical[name]; !ok {
		// Only own properties of the global object count; names inherited
		// from Object.prototype were never bound by code.
		own, err := ns.hasOwn(ns.vm.GlobalObject(), ns.vm.ToValue(name))
		if err != nil || !own.ToBoolean() {
			return false
		}
	}
	v, err := ns.eval(ctx, "typeof "+name+` !== "undefined"`, lookupTimeout)
	return err == nil && v.ToBoolean()
}

// Read returns the current value bound to name.
func (ns *Namespace) Read(ctx context.Context, name string) (types.Value, error) {
	if !ns.Has(ctx, name) {
		return types.Value{}, fmt.Errorf("%w: %s", ErrUnbound, name)
	}
	v, err := ns.eval(ctx, name, lookupTimeout)
	if err != nil {
		return types.Value{}, fmt.Errorf("read %s: %w", name, err)
	}
	return ns.convert(v), nil
}

// Names lists the user bindings, sorted. Protected names and builtins are
// left out.
func (ns *Namespace) Names(ctx context.Context) []string {
	seen := map[string]struct{}{}
	for _, k := range ns.vm.GlobalObject().Keys() {
		if _, ok := ns.builtins[k]; ok {
			continue
		}
		if ns.IsProtected(k) {
			continue
		}
		seen[k] = struct{}{}
	}
	for k := range ns.lexical {
		if _, ok := seen[k]; ok {
			continue
		}
		v, err := ns.eval(ctx, "typeof "+k+` !== "undefined"`, lookupTimeout)
		if err == nil && v.ToBoolean() {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (ns *Namespace) convert(v goja.Value) types.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return types.Null()
	}
	if _, ok := goja.AssertFunction(v); ok {
		return types.Opaque("[function]")
	}
	return types.FromAny(v.Export())
}

// eval runs src with an interrupt armed for timeout or ctx cancellation,
// whichever comes first.
func (ns *Namespace) eval(ctx context.Context, src string, timeout time.Duration) (goja.Value, error) {
	prg, err := goja.Compile("", src, false)
	if err != nil {
		return nil, err
	}
	return ns.run(ctx, prg, timeout)
}

func (ns *Namespace) run(ctx context.Context, prg *goja.Program, timeout time.Duration) (v goja.Value, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fired := make(chan struct{})
	stop := context.AfterFunc(runCtx, func() {
		ns.vm.Interrupt(runCtx.Err())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
		ns.vm.ClearInterrupt()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
		}
	}()
	return ns.vm.RunProgram(prg)
}

// begin resets the per-execution state.
func (ns *Namespace) begin(ctx context.Context, maxOutput int) {
	ns.execCtx = ctx
	ns.out = newOutputBuffer(maxOutput)
	ns.violations = nil
	ns.subErr = nil
	ns.calls = nil
}

func (ns *Namespace) end() {
	ns.execCtx = nil
}

func (ns *Namespace) ctx() context.Context {
	if ns.execCtx != nil {
		return ns.execCtx
	}
	return context.Background()
}

func (ns *Namespace) installOutput() error {
	write := func(call goja.FunctionCall) goja.Value {
		ns.out.writeLine(ns.formatArgs(call.Arguments))
		return goja.Undefined()
	}
	if err := ns.vm.Set("print", write); err != nil {
		return err
	}
	console := ns.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, write); err != nil {
			return err
		}
	}
	return ns.vm.Set("console", console)
}

func (ns *Namespace) formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = ns.display(a)
	}
	return strings.Join(parts, " ")
}

func (ns *Namespace) display(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return v.String()
	}
	if obj, ok := v.(*goja.Object); ok && ns.stringify != nil {
		if s, err := ns.stringify(goja.Undefined(), obj); err == nil && !goja.IsUndefined(s) {
			return s.String()
		}
	}
	return v.String()
}

func (ns *Namespace) llmQuery(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		panic(ns.vm.NewTypeError(QueryName + " expects a prompt string"))
	}
	resp, err := ns.query(arg.String())
	if err != nil {
		panic(ns.vm.NewGoError(err))
	}
	return ns.vm.ToValue(resp)
}

func (ns *Namespace) llmQueryBatched(call goja.FunctionCall) goja.Value {
	var prompts []string
	if err := ns.vm.ExportTo(call.Argument(0), &prompts); err != nil || prompts == nil {
		panic(ns.vm.NewTypeError(BatchedQueryName + " expects an array of prompt strings"))
	}
	if ns.querier == nil {
		panic(ns.vm.NewGoError(ns.noSubModel()))
	}

	start := time.Now()
	responses, err := ns.querier.QueryBatched(ns.ctx(), prompts)
	elapsed := time.Since(start).Seconds() / float64(max(len(prompts), 1))
	for i, p := range prompts {
		call := types.SubModelCall{Model: ns.querier.ModelName(), Prompt: p, Duration: elapsed}
		if i < len(responses) {
			call.Response = responses[i]
		}
		if err != nil {
			call.Error = err.Error()
		}
		ns.calls = append(ns.calls, call)
	}
	if err != nil {
		ns.subErr = err
		panic(ns.vm.NewGoError(err))
	}

	items := make([]any, len(responses))
	for i, r := range responses {
		items[i] = r
	}
	return ns.vm.NewArray(items...)
}

func (ns *Namespace) query(prompt string) (string, error) {
	if ns.querier == nil {
		return "", ns.noSubModel()
	}
	start := time.Now()
	resp, err := ns.querier.Query(ns.ctx(), prompt)
	call := types.SubModelCall{
		Model:    ns.querier.ModelName(),
		Prompt:   prompt,
		Response: resp,
		Duration: time.Since(start).Seconds(),
	}
	if err != nil {
		call.Error = err.Error()
		ns.subErr = err
	}
	ns.calls = append(ns.calls, call)
	return resp, err
}

func (ns *Namespace) noSubModel() error {
	err := types.NewError(types.CodeSubModelUnavailable, "no sub-model is configured")
	ns.subErr = err
	return err
}
