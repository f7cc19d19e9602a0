package fleet

import (
	"slices"
	"strings"
	"testing"
)

func TestPatchMergeLaterWins(t *testing.T) {
	t.Parallel()

	early := Patch{StreamText: ptr("a"), Status: ptr(StatusRunning), AppendLines: []string{"one"}}
	later := Patch{StreamText: ptr("ab"), RunID: ptr("r1"), AppendLines: []string{"two"}}
	got := early.Merge(later).Apply(AgentState{AgentID: "x", Status: StatusIdle})

	if got.StreamText != "ab" || got.Status != StatusRunning || got.RunID != "r1" {
		t.Fatalf("merge = %+v", got)
	}
	if !slices.Equal(got.OutputLines, []string{"one", "two"}) {
		t.Fatalf("appends = %q", got.OutputLines)
	}

	reset := []string{"fresh"}
	got = early.Merge(Patch{OutputLines: &reset}).Apply(AgentState{OutputLines: []string{"old"}})
	if !slices.Equal(got.OutputLines, []string{"fresh"}) {
		t.Fatalf("replacement should drop earlier appends, got %q", got.OutputLines)
	}
	if !(Patch{}).IsZero() || early.IsZero() {
		t.Fatalf("IsZero mismatch")
	}
}

func TestPatchApplyDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := AgentState{OutputLines: make([]string, 1, 8)}
	base.OutputLines[0] = "x"
	a := Patch{AppendLines: []string{"a"}}.Apply(base)
	b := Patch{AppendLines: []string{"b"}}.Apply(base)
	if a.OutputLines[1] != "a" || b.OutputLines[1] != "b" || len(base.OutputLines) != 1 {
		t.Fatalf("apply aliased the backing array: a=%q b=%q", a.OutputLines, b.OutputLines)
	}
}

func TestStoreLookups(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Hydrate([]AgentSeed{{AgentID: "a", SessionKey: "agent:a:main"}, {AgentID: "b", SessionKey: "agent:b:main"}})
	s.Dispatch(Update{AgentID: "b", Patch: Patch{RunID: ptr("r1"), Status: ptr(StatusRunning)}})
	s.Dispatch(Update{AgentID: "ghost", Patch: Patch{Status: ptr(StatusRunning)}})

	if a, ok := s.FindBySessionKey("agent:a:main"); !ok || a.AgentID != "a" || a.Name != "a" {
		t.Fatalf("FindBySessionKey = %+v, %v", a, ok)
	}
	if b, ok := s.FindByRunID("r1"); !ok || b.AgentID != "b" {
		t.Fatalf("FindByRunID = %+v, %v", b, ok)
	}
	if _, ok := s.FindByRunID(""); ok {
		t.Fatalf("empty run id must not match idle agents")
	}
	if n := s.RunningCount(); n != 1 {
		t.Fatalf("RunningCount = %d", n)
	}

	changed := 0
	unsub := s.Subscribe(func([]string) { changed++ })
	if s.Update("a", func(cur AgentState) (Patch, bool) { return Patch{}, false }) {
		t.Fatalf("declined update reported applied")
	}
	s.Remove("b")
	unsub()
	s.Remove("a")
	if changed != 1 || len(s.Snapshot()) != 0 {
		t.Fatalf("changed=%d snapshot=%+v", changed, s.Snapshot())
	}
}

func TestLineRoles(t *testing.T) {
	t.Parallel()

	lines := []string{FormatUserLine(" hi "), FormatTraceLine("because"), FormatToolLine("exec", []byte(`"{\"a\": 1}"`)), "answer"}
	roles := []LineRole{RoleUser, RoleTrace, RoleTool, RoleAssistant}
	for i, line := range lines {
		if RoleOf(line) != roles[i] {
			t.Fatalf("RoleOf(%q) = %s, want %s", line, RoleOf(line), roles[i])
		}
	}
	if LineText(lines[0]) != "hi" || LineText(lines[1]) != "because" || LineText(lines[2]) != `exec {"a":1}` {
		t.Fatalf("LineText mismatch: %q %q %q", LineText(lines[0]), LineText(lines[1]), LineText(lines[2]))
	}

	long := FormatToolLine("write", []byte(`{"content":"`+strings.Repeat("x", 300)+`"}`))
	if w := len([]rune(long)); w > len("[[tool]] write ")+120 {
		t.Fatalf("tool args not truncated: %d runes", w)
	}
}
