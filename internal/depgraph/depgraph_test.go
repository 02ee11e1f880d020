package depgraph

import "testing"

func TestSizeAndEdges(t *testing.T) {
	g := New(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
	})

	if g.Size() != 3 {
		t.Errorf("Size() = %d, want 3", g.Size())
	}
	if len(g.GetDependencies("c")) != 2 {
		t.Errorf("GetDependencies(c) = %v, want 2 entries", g.GetDependencies("c"))
	}
	if len(g.GetDependents("a")) != 2 {
		t.Errorf("GetDependents(a) = %v, want 2 entries", g.GetDependents("a"))
	}
}

func TestValidateMissingDep(t *testing.T) {
	g := New(map[string][]string{"a": {"missing"}})
	errs := g.Validate()
	if len(errs) == 0 {
		t.Fatal("expected a validation error")
	}
	if errs[0].Kind != ErrMissingDep {
		t.Errorf("Kind = %v, want ErrMissingDep", errs[0].Kind)
	}
}

func TestValidateCycle(t *testing.T) {
	g := New(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})
	errs := g.Validate()
	found := false
	for _, e := range errs {
		if e.Kind == ErrCycle {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a cycle error, got %v", errs)
	}
}

func TestValidateSelfCycle(t *testing.T) {
	g := New(map[string][]string{"a": {"a"}})
	errs := g.Validate()
	found := false
	for _, e := range errs {
		if e.Kind == ErrCycle {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a self-cycle error, got %v", errs)
	}
}

func TestResolveLinearOrder(t *testing.T) {
	g := New(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	})
	plan := g.Resolve()
	if !plan.Valid {
		t.Fatalf("expected valid plan, got errors: %v", plan.Errors)
	}
	pos := indexOf(plan.Order, "a")
	if pos >= indexOf(plan.Order, "b") || indexOf(plan.Order, "b") >= indexOf(plan.Order, "c") {
		t.Errorf("order = %v, want a before b before c", plan.Order)
	}
}

func TestResolveParallelLayer(t *testing.T) {
	g := New(map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a", "b"},
	})
	plan := g.Resolve()
	if !plan.Valid {
		t.Fatalf("expected valid plan, got errors: %v", plan.Errors)
	}
	if len(plan.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(plan.Levels), plan.Levels)
	}
	if len(plan.Levels[0]) != 2 {
		t.Errorf("first level = %v, want 2 entries", plan.Levels[0])
	}
}

func TestResolveDiamond(t *testing.T) {
	g := New(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})
	plan := g.Resolve()
	if !plan.Valid {
		t.Fatalf("expected valid plan, got errors: %v", plan.Errors)
	}
	if plan.Order[0] != "a" || plan.Order[len(plan.Order)-1] != "d" {
		t.Errorf("order = %v, want a first and d last", plan.Order)
	}
}

func TestResolveWithCycleIsInvalid(t *testing.T) {
	g := New(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	plan := g.Resolve()
	if plan.Valid {
		t.Error("expected invalid plan for cyclic graph")
	}
}

func TestReverse(t *testing.T) {
	levels := [][]string{{"a"}, {"b", "c"}, {"d"}}
	rev := Reverse(levels)
	if len(rev) != 3 || rev[0][0] != "d" || rev[2][0] != "a" {
		t.Errorf("Reverse(%v) = %v", levels, rev)
	}
}

func TestGetReadySteps(t *testing.T) {
	g := New(map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a", "b"},
	})

	ready := g.GetReadySteps()
	if len(ready) != 2 {
		t.Fatalf("ready = %v, want 2 entries", ready)
	}

	if err := g.MarkExecuted("a"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	ready = g.GetReadySteps()
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("ready = %v, want [b]", ready)
	}

	if err := g.MarkExecuted("b"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	ready = g.GetReadySteps()
	if len(ready) != 1 || ready[0] != "c" {
		t.Errorf("ready = %v, want [c]", ready)
	}
}

func TestMarkExecutedUnknownErrors(t *testing.T) {
	g := New(map[string][]string{"a": nil})
	if err := g.MarkExecuted("nonexistent"); err == nil {
		t.Error("expected error for unknown node")
	}
}

func TestExecutedCount(t *testing.T) {
	g := New(map[string][]string{"a": nil, "b": nil, "c": nil})
	if g.ExecutedCount() != 0 {
		t.Fatalf("ExecutedCount() = %d, want 0", g.ExecutedCount())
	}
	g.MarkExecuted("a")
	g.MarkExecuted("b")
	if g.ExecutedCount() != 2 {
		t.Errorf("ExecutedCount() = %d, want 2", g.ExecutedCount())
	}
}

func TestHasFailedDependencyAndGetFailedDependencies(t *testing.T) {
	g := New(map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a", "b"},
	})

	if g.HasFailedDependency("c") {
		t.Error("c should not have failed dependency initially")
	}

	g.MarkFailed("a")
	if !g.HasFailedDependency("c") {
		t.Error("c should have failed dependency after a fails")
	}
	if got := g.GetFailedDependencies("c"); len(got) != 1 || got[0] != "a" {
		t.Errorf("GetFailedDependencies(c) = %v, want [a]", got)
	}

	g.MarkFailed("b")
	if got := g.GetFailedDependencies("c"); len(got) != 2 {
		t.Errorf("GetFailedDependencies(c) = %v, want 2 entries", got)
	}
}
