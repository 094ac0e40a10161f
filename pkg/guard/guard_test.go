package guard

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

type namesList []string

func (n namesList) Names() []string { return n }

type fixedState map[string]any

func (s fixedState) State() map[string]any { return s }

func observe(t *testing.T, guards []Guard, args map[string]any) *Snapshot {
	t.Helper()
	o := &Observer{
		FS:       MapFileSystem{"/etc/hosts": true, "/data/in.csv": true},
		Registry: namesList{"file:read", "capability:list"},
		State:    fixedState{"mode": "maintenance", "replicas": json.Number("3")},
	}
	snap, err := o.Observe(guards, args)
	require.NoError(t, err)
	return snap
}

type brokenFS struct{}

func (brokenFS) Exists(string) (bool, error) { return false, errors.New("permission denied") }

func TestObserve_FilesystemErrorNamesGuard(t *testing.T) {
	guards := []Guard{
		New("mode", "maintenance only", ParamPresent("mode")),
		New("source", "input file must exist", ParamFileExists("path")),
	}
	o := &Observer{FS: brokenFS{}}
	_, err := o.Observe(guards, map[string]any{"path": "/data/in.csv"})

	var pf *PreconditionFailed
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 1, pf.Index)
	assert.Equal(t, "source", pf.GuardName)
	assert.ErrorContains(t, pf.Cause, "permission denied")
	assert.Equal(t, errorir.KindPreconditionFailed, pf.ErrorIR().Kind)
}

func TestEvaluate_Empty(t *testing.T) {
	assert.NoError(t, Evaluate(nil, &Snapshot{}))
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	var laterCalled bool
	guards := []Guard{
		New("first", "holds", Always(true)),
		New("second", "fails", Always(false)),
		New("third", "never reached", spy{called: &laterCalled}),
	}

	err := Evaluate(guards, &Snapshot{})
	var pf *PreconditionFailed
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 1, pf.Index)
	assert.Equal(t, "second", pf.GuardName)
	assert.Equal(t, "fails", pf.Description)
	assert.False(t, laterCalled)
}

type spy struct{ called *bool }

func (p spy) Eval(*Snapshot) (bool, error) {
	*p.called = true
	return true, nil
}

func (p spy) String() string { return "spy" }

func TestEvaluate_PredicateErrorFailsClosed(t *testing.T) {
	guards := []Guard{New("missing", "path must exist", FileExists("/not/observed"))}
	err := Evaluate(guards, &Snapshot{Files: map[string]bool{}})
	var pf *PreconditionFailed
	require.ErrorAs(t, err, &pf)
	require.Error(t, pf.Cause)

	e := errorir.From(err)
	assert.Equal(t, errorir.KindPreconditionFailed, e.Kind)
	assert.Equal(t, []string{"missing"}, e.Recovery.Requires)
}

func TestPredicates(t *testing.T) {
	args := map[string]any{"path": "/data/in.csv", "mode": "fast", "n": json.Number("4"), "nothing": nil}
	paramCheck := ParamFileExists("path")
	guards := []Guard{New("g", "", And(FileExists("/etc/hosts"), FileExists("/missing"), paramCheck))}
	snap := observe(t, guards, args)

	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"file exists", FileExists("/etc/hosts"), true},
		{"file missing", FileExists("/missing"), false},
		{"param file", paramCheck, true},
		{"registry hit", RegistryContains("file:read"), true},
		{"registry miss", RegistryContains("file:delete"), false},
		{"param present", ParamPresent("mode"), true},
		{"param null", ParamPresent("nothing"), false},
		{"param absent", ParamPresent("other"), false},
		{"param equals", ParamEquals("mode", "fast"), true},
		{"param equals number", ParamEquals("n", 4), true},
		{"param differs", ParamEquals("mode", "slow"), false},
		{"state equals", StateEquals("mode", "maintenance"), true},
		{"and", And(Always(true), RegistryContains("capability:list")), true},
		{"and empty", And(), true},
		{"or", Or(Always(false), ParamPresent("mode")), true},
		{"or empty", Or(), false},
		{"not", Not(ParamPresent("other")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Eval(snap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, tt.p.String())
		})
	}
}

func TestOr_ErrorOnlyWhenNothingHolds(t *testing.T) {
	snap := &Snapshot{Files: map[string]bool{}}
	ok, err := Or(FileExists("/x"), Always(true)).Eval(snap)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Or(FileExists("/x"), Always(false)).Eval(snap)
	assert.Error(t, err)
}

func TestExpr(t *testing.T) {
	args := map[string]any{"count": json.Number("5"), "path": "/etc/hosts"}
	guards := []Guard{New("g", "", FileExists("/etc/hosts"))}
	snap := observe(t, guards, args)

	tests := []struct {
		src  string
		want bool
	}{
		{`args.count > 3`, true},
		{`args.count > 10`, false},
		{`"file:read" in registry`, true},
		{`files["/etc/hosts"]`, true},
		{`state.mode == "maintenance" && state.replicas == 3`, true},
		{`has(args.path) && args.path.startsWith("/etc/")`, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			p, err := Expr(tt.src)
			require.NoError(t, err)
			got, err := p.Eval(snap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_CompileErrors(t *testing.T) {
	_, err := Expr(`args.count >`)
	assert.Error(t, err)

	_, err = Expr(`1 + 2`)
	assert.Error(t, err, "non-boolean expressions are rejected")
}

func TestExpr_MissingKeyIsError(t *testing.T) {
	p := MustExpr(`args.absent == 1`)
	_, err := p.Eval(&Snapshot{Args: map[string]any{}})
	assert.Error(t, err)

	err = Evaluate([]Guard{New("absent", "", p)}, &Snapshot{})
	var pf *PreconditionFailed
	assert.True(t, errors.As(err, &pf))
}

func TestObserve_SnapshotIsolation(t *testing.T) {
	nested := map[string]any{"k": "v"}
	args := map[string]any{"nested": nested, "list": []any{"a"}}
	snap := observe(t, nil, args)

	nested["k"] = "changed"
	args["list"].([]any)[0] = "b"
	args["new"] = true

	assert.Equal(t, "v", snap.Args["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", snap.Args["list"].([]any)[0])
	assert.NotContains(t, snap.Args, "new")
	assert.Equal(t, int64(3), snap.State["replicas"])
}

func TestPaths(t *testing.T) {
	guards := []Guard{
		New("a", "", Or(FileExists("/a"), Not(ParamFileExists("p")))),
		New("b", "", And(FileExists("/a"), ParamFileExists("missing"))),
	}
	assert.Equal(t, []string{"/a", "/b"}, Paths(guards, map[string]any{"p": "/b"}))
}

func TestSpecBuild(t *testing.T) {
	spec := GuardSpec{
		Name:        "input-present",
		Description: "input file must exist",
		When: Spec{Kind: "and", Of: []Spec{
			{Kind: "param_present", Param: "path"},
			{Kind: "param_file_exists", Param: "path"},
			{Kind: "not", Of: []Spec{{Kind: "state_equals", Key: "mode", Value: "readonly"}}},
			{Kind: "expr", Expr: `args.path != ""`},
		}},
	}
	g, err := spec.Build()
	require.NoError(t, err)
	assert.Equal(t, "input-present", g.Name)

	snap := observe(t, []Guard{g}, map[string]any{"path": "/data/in.csv"})
	assert.NoError(t, Evaluate([]Guard{g}, snap))

	snap = observe(t, []Guard{g}, map[string]any{"path": "/data/none.csv"})
	assert.Error(t, Evaluate([]Guard{g}, snap))

	_, err = Spec{Kind: "sometimes"}.Build()
	assert.Error(t, err)
	_, err = Spec{Kind: "not"}.Build()
	assert.Error(t, err)
	_, err = GuardSpec{When: Spec{Kind: "always", Value: true}}.Build()
	assert.Error(t, err, "name is required")
}
