package guard

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles guard expressions once and caches the programs.
type celEvaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

var (
	celOnce   sync.Once
	celShared *celEvaluator
	celErr    error
)

func sharedCEL() (*celEvaluator, error) {
	celOnce.Do(func() {
		env, err := cel.NewEnv(
			cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("files", cel.MapType(cel.StringType, cel.BoolType)),
			cel.Variable("registry", cel.ListType(cel.StringType)),
		)
		if err != nil {
			celErr = fmt.Errorf("failed to create CEL environment: %w", err)
			return
		}
		celShared = &celEvaluator{env: env, prgCache: make(map[string]cel.Program)}
	})
	return celShared, celErr
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile: expression yields %s, want bool", t)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

type expr struct {
	src string
	prg cel.Program
}

// Expr compiles a CEL boolean expression over args, state, files and
// registry. Compilation errors surface here, not at evaluation.
func Expr(src string) (Predicate, error) {
	e, err := sharedCEL()
	if err != nil {
		return nil, err
	}
	prg, err := e.program(src)
	if err != nil {
		return nil, fmt.Errorf("guard: expr %q: %w", src, err)
	}
	return expr{src: src, prg: prg}, nil
}

// MustExpr is Expr for expressions known at compile time.
func MustExpr(src string) Predicate {
	p, err := Expr(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p expr) Eval(s *Snapshot) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"args":     nonNilMap(s.Args),
		"state":    nonNilMap(s.State),
		"files":    nonNilBools(s.Files),
		"registry": s.RegistryNames(),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (p expr) String() string { return fmt.Sprintf("expr(%q)", p.src) }

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilBools(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}
