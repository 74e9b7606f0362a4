package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/iuriikogan/rlm-sandbox/internal/observability"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

const DefaultExecTimeout = 30 * time.Second

// Executor runs code blocks against a Namespace. Faults never escape
// Execute; they come back as a failed ExecutionResult.
type Executor struct {
	timeout   time.Duration
	maxOutput int
	cells     int
}

func NewExecutor(timeout time.Duration, maxOutput int) *Executor {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Executor{timeout: timeout, maxOutput: maxOutput}
}

// Execute runs code in ns. Bindings it creates persist for later calls.
// Cancelling ctx interrupts the run; whatever the code changed before the
// interrupt stays in the namespace.
func (e *Executor) Execute(ctx context.Context, code string, ns *Namespace) types.ExecutionResult {
	start := time.Now()
	e.cells++
	name := fmt.Sprintf("cell-%d.js", e.cells)

	prog, err := parser.ParseFile(nil, name, code, 0)
	if err != nil {
		return e.finish(ctx, ns, start, types.ExecutionResult{}, types.CodeExecutionFault, "SyntaxError: "+err.Error())
	}
	decl := topLevelDeclarations(prog)
	for _, n := range decl.all {
		if ns.IsProtected(n) {
			return e.finish(ctx, ns, start, types.ExecutionResult{}, types.CodeProtectedName,
				fmt.Sprintf("%q is protected and cannot be redeclared", n))
		}
	}
	prg, err := goja.CompileAST(prog, false)
	if err != nil {
		return e.finish(ctx, ns, start, types.ExecutionResult{}, types.CodeExecutionFault, err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ns.begin(execCtx, e.maxOutput)
	_, runErr := ns.run(execCtx, prg, e.timeout)
	ns.end()
	for _, n := range decl.lexical {
		ns.lexical[n] = struct{}{}
	}

	res := types.ExecutionResult{Stdout: ns.out.String(), SubModelCalls: ns.calls}
	ecode, msg := e.classify(ctx, ns, runErr)
	return e.finish(ctx, ns, start, res, ecode, msg)
}

func (e *Executor) classify(ctx context.Context, ns *Namespace, runErr error) (types.ErrorCode, string) {
	var (
		interrupted *goja.InterruptedError
		exception   *goja.Exception
	)
	switch {
	case len(ns.violations) > 0:
		return types.CodeProtectedName, fmt.Sprintf("%q is protected and cannot be reassigned", ns.violations[0])
	case runErr == nil:
		return "", ""
	case errors.As(runErr, &interrupted):
		if ctx.Err() != nil {
			return types.CodeExecutionFault, "execution cancelled: " + ctx.Err().Error()
		}
		return types.CodeExecutionFault, fmt.Sprintf("execution timed out after %s", e.timeout)
	case errors.As(runErr, &exception):
		if name := redefinesProtected(ns, exception.Error()); name != "" {
			return types.CodeProtectedName, fmt.Sprintf("%q is protected and cannot be redeclared", name)
		}
		if ns.subErr != nil {
			return types.CodeSubModelUnavailable, exception.Error()
		}
		return types.CodeExecutionFault, exception.Error()
	default:
		return types.CodeExecutionFault, runErr.Error()
	}
}

var redefineGlobal = regexp.MustCompile(`Cannot redefine global function '([^']+)'`)

// redefinesProtected returns the protected name a function declaration
// evaluated at run time (eval, new Function) tried to replace, if any.
func redefinesProtected(ns *Namespace, msg string) string {
	m := redefineGlobal.FindStringSubmatch(msg)
	if m == nil || !ns.IsProtected(m[1]) {
		return ""
	}
	return m[1]
}

func (e *Executor) finish(ctx context.Context, ns *Namespace, start time.Time, res types.ExecutionResult, code types.ErrorCode, msg string) types.ExecutionResult {
	if code != "" {
		res.Failed = true
		res.ErrorCode = code
		res.Error = msg
	}
	res.Variables = ns.Names(context.WithoutCancel(ctx))
	res.ExecutionTime = time.Since(start).Seconds()

	outcome := "ok"
	if res.Failed {
		outcome = string(code)
		slog.Debug("Sandbox execution failed", "code", code, "error", msg)
	}
	observability.SandboxExecutions.WithLabelValues(outcome).Inc()
	observability.SandboxDuration.Observe(res.ExecutionTime)
	return res
}

type declarations struct {
	all     []string
	lexical []string
}

// topLevelDeclarations lists the names a program declares at global scope.
func topLevelDeclarations(prog *ast.Program) declarations {
	var d declarations
	for _, st := range prog.Body {
		switch s := st.(type) {
		case *ast.VariableStatement:
			for _, b := range s.List {
				d.all = append(d.all, bindingNames(b.Target)...)
			}
		case *ast.LexicalDeclaration:
			for _, b := range s.List {
				names := bindingNames(b.Target)
				d.all = append(d.all, names...)
				d.lexical = append(d.lexical, names...)
			}
		case *ast.FunctionDeclaration:
			if s.Function != nil && s.Function.Name != nil {
				d.all = append(d.all, s.Function.Name.Name.String())
			}
		case *ast.ClassDeclaration:
			if s.Class != nil && s.Class.Name != nil {
				n := s.Class.Name.Name.String()
				d.all = append(d.all, n)
				d.lexical = append(d.lexical, n)
			}
		}
	}
	return d
}

func bindingNames(n ast.Node) []string {
	switch t := n.(type) {
	case *ast.Identifier:
		return []string{t.Name.String()}
	case *ast.ArrayPattern:
		var names []string
		for _, el := range t.Elements {
			names = append(names, bindingNames(el)...)
		}
		return append(names, bindingNames(t.Rest)...)
	case *ast.ObjectPattern:
		var names []string
		for _, p := range t.Properties {
			switch prop := p.(type) {
			case *ast.PropertyShort:
				names = append(names, prop.Name.Name.String())
			case *ast.PropertyKeyed:
				names = append(names, bindingNames(prop.Value)...)
			}
		}
		return append(names, bindingNames(t.Rest)...)
	case *ast.AssignExpression:
		return bindingNames(t.Left)
	}
	return nil
}
