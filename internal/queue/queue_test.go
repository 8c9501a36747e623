package queue

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Iron-Ham/grind/internal/errors"
)

const validYAML = `
version: 1
endpoint: http://localhost:8080/infer
tasks:
  - id: fetch
    prompt: fetch the data
    min_cost: 0.1
    max_cost: 0.5
    intensity: low
    model: gemini-2.0-flash
    parallel_safe: true
  - id: build
    kind: grind
    prompt: build it
    max_cost: 1
    intensity: High
    model: gemini-2.0-flash
    depends_on: [fetch, fetch]
    parallel_safe: true
  - id: migrate
    prompt: migrate the schema
    max_cost: 2
    intensity: medium
    model: gemini-2.5-pro
    depends_on: [build]
`

func writeQueue(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func task(id string, parallelSafe bool, deps ...string) *Task {
	return &Task{
		ID:           id,
		Kind:         KindGrind,
		Prompt:       "do " + id,
		MaxCost:      1,
		Intensity:    IntensityLow,
		Model:        "m",
		DependsOn:    deps,
		ParallelSafe: parallelSafe,
	}
}

func TestLoad_Valid(t *testing.T) {
	path := writeQueue(t, "nightly.yaml", validYAML)

	q, err := Load(path, WithModels([]string{"gemini-2.0-flash", "gemini-2.5-pro"}))
	if err != nil {
		t.Fatal(err)
	}

	if q.Name != "nightly" {
		t.Errorf("Name = %q, want the file base name", q.Name)
	}
	if got, want := q.IDs(), []string{"fetch", "build", "migrate"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}

	build, ok := q.Task("build")
	if !ok {
		t.Fatal("task build not found")
	}
	if build.Intensity != IntensityHigh {
		t.Errorf("build intensity = %q, want it lower-cased", build.Intensity)
	}
	if !reflect.DeepEqual(build.DependsOn, []string{"fetch"}) {
		t.Errorf("build depends_on = %v, want duplicates dropped", build.DependsOn)
	}

	fetch, _ := q.Task("fetch")
	if fetch.Kind != KindGrind || fetch.Status != StatusPending {
		t.Errorf("fetch kind = %q status = %q, want grind and pending", fetch.Kind, fetch.Status)
	}
	if got := q.Dependents("fetch"); !reflect.DeepEqual(got, []string{"build"}) {
		t.Errorf("Dependents(fetch) = %v, want [build]", got)
	}
	if got := q.Dependents("migrate"); len(got) != 0 {
		t.Errorf("Dependents(migrate) = %v, want none", got)
	}
}

func TestLoad_JSON(t *testing.T) {
	doc := `{"version": 1, "name": "ci", "tasks": [
	  {"id": "a", "prompt": "p", "max_cost": 1, "intensity": "low", "model": "m", "parallel_safe": true}
	]}`
	q, err := Load(writeQueue(t, "q.json", doc))
	if err != nil {
		t.Fatal(err)
	}
	if q.Name != "ci" || len(q.Tasks) != 1 {
		t.Errorf("got name %q with %d tasks, want ci with 1", q.Name, len(q.Tasks))
	}
}

func TestLoad_EmptyQueueIsValid(t *testing.T) {
	q, err := Load(writeQueue(t, "q.yaml", "version: 1\ntasks: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Tasks) != 0 {
		t.Errorf("Tasks = %v, want none", q.Tasks)
	}
}

func TestLoad_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "missing version",
			doc:  "tasks: []\n",
			want: []string{"version: is required"},
		},
		{
			name: "inverted budget",
			doc: `version: 1
tasks:
  - {id: a, prompt: p, min_cost: 5, max_cost: 1, intensity: low, model: m}
`,
			want: []string{"tasks[0] (a).max_cost: must be >= min_cost"},
		},
		{
			name: "negative budget and bad intensity",
			doc: `version: 1
tasks:
  - {id: a, prompt: p, min_cost: -1, max_cost: 1, intensity: extreme, model: m}
`,
			want: []string{"tasks[0] (a).min_cost: must be >= 0", "tasks[0] (a).intensity: must be one of: low medium high"},
		},
		{
			name: "missing fields",
			doc: `version: 1
tasks:
  - {id: a, intensity: low}
`,
			want: []string{"tasks[0] (a).prompt: is required", "tasks[0] (a).model: is required"},
		},
		{
			name: "unresolvable dependency",
			doc: `version: 1
tasks:
  - {id: a, prompt: p, intensity: low, model: m, depends_on: [ghost]}
`,
			want: []string{`tasks[0] (a).depends_on: unknown task "ghost"`},
		},
		{
			name: "self dependency",
			doc: `version: 1
tasks:
  - {id: a, prompt: p, intensity: low, model: m, depends_on: [a]}
`,
			want: []string{"task depends on itself"},
		},
		{
			name: "duplicate ids",
			doc: `version: 1
tasks:
  - {id: a, prompt: p, intensity: low, model: m}
  - {id: a, prompt: p, intensity: low, model: m}
`,
			want: []string{"tasks[1] (a): duplicate id, first defined at tasks[0]"},
		},
		{
			name: "reserved id",
			doc: `version: 1
tasks:
  - {id: _exclusive, prompt: p, intensity: low, model: m}
`,
			want: []string{"tasks[0] (_exclusive).id: must start with a letter or digit"},
		},
		{
			name: "bad endpoint",
			doc:  "version: 1\nendpoint: not a url\ntasks: []\n",
			want: []string{"endpoint: must be a URL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeQueue(t, "q.yaml", tt.doc))

			var schemaErr *errors.SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("got %T: %v, want *SchemaError", err, err)
			}
			if !errors.Is(err, errors.ErrSchema) {
				t.Errorf("error %v does not match ErrSchema", err)
			}

			joined := strings.Join(schemaErr.Violations, "\n")
			for _, w := range tt.want {
				if !strings.Contains(joined, w) {
					t.Errorf("violations missing %q:\n%s", w, joined)
				}
			}
		})
	}
}

func TestLoad_UnknownFieldAndGarbage(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field": "version: 1\npriority: 3\ntasks: []\n",
		"not a mapping": "- just\n- a list\n",
		"empty":         "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeQueue(t, "q.yaml", doc))
			if !errors.Is(err, errors.ErrSchema) {
				t.Errorf("got %v, want a schema error", err)
			}
		})
	}
}

func TestLoad_ModelAllowList(t *testing.T) {
	_, err := Load(writeQueue(t, "q.yaml", validYAML), WithModels([]string{"gemini-2.0-flash"}))
	if err == nil || !strings.Contains(err.Error(), `"gemini-2.5-pro" is not in the allow-list`) {
		t.Errorf("error = %v, want the disallowed model named", err)
	}
}

func TestLoad_Cycle(t *testing.T) {
	doc := `version: 1
tasks:
  - {id: root, prompt: p, intensity: low, model: m}
  - {id: a, prompt: p, intensity: low, model: m, depends_on: [root, c]}
  - {id: b, prompt: p, intensity: low, model: m, depends_on: [a]}
  - {id: c, prompt: p, intensity: low, model: m, depends_on: [b]}
`
	_, err := Load(writeQueue(t, "q.yaml", doc))

	var cycleErr *errors.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("got %T: %v, want *CycleError", err, err)
	}
	if want := []string{"a", "c", "b", "a"}; !reflect.DeepEqual(cycleErr.Path, want) {
		t.Errorf("Path = %v, want %v", cycleErr.Path, want)
	}
	if !errors.IsFatal(err) {
		t.Error("a cycle must be fatal")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !os.IsNotExist(errors.Unwrap(err)) {
		t.Errorf("error = %v, want not-exist", err)
	}
}

func TestTopoOrderAndLevels(t *testing.T) {
	q := &Queue{Version: 1, Tasks: []*Task{
		task("d", true, "b", "c"),
		task("a", true),
		task("b", true, "a"),
		task("c", true, "a"),
		task("e", true),
	}}

	if got, want := TopoOrder(q), []string{"a", "b", "c", "d", "e"}; !reflect.DeepEqual(got, want) {
		t.Errorf("TopoOrder = %v, want %v", got, want)
	}
	if got, want := Levels(q), [][]string{{"a", "e"}, {"b", "c"}, {"d"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Levels = %v, want %v", got, want)
	}
}

func TestClaimable_Chain(t *testing.T) {
	q := &Queue{Version: 1, Tasks: []*Task{
		task("A", true),
		task("B", true, "A"),
		task("C", true, "B"),
	}}

	tests := []struct {
		name   string
		states map[string]Status
		want   []string
	}{
		{"nothing run", map[string]Status{}, []string{"A"}},
		{"in progress stays a reclaim candidate", map[string]Status{"A": StatusInProgress}, []string{"A"}},
		{"dependency completed", map[string]Status{"A": StatusCompleted}, []string{"B"}},
		{"dependency failed", map[string]Status{"A": StatusCompleted, "B": StatusFailed}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Claimable(q, tt.states, false)
			if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("Claimable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClaimable_Exclusive(t *testing.T) {
	q := &Queue{Version: 1, Tasks: []*Task{
		task("serial-1", false),
		task("par", true),
		task("serial-2", false),
	}}

	if got, want := Claimable(q, nil, false), []string{"serial-1", "par", "serial-2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Claimable = %v, want %v", got, want)
	}
	if got, want := Claimable(q, nil, true), []string{"par"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Claimable while exclusive is held = %v, want %v", got, want)
	}
}

func TestBlockedAndSettled(t *testing.T) {
	q := &Queue{Version: 1, Tasks: []*Task{
		task("A", true),
		task("B", true, "A"),
		task("C", true, "B"),
		task("D", true),
	}}

	states := map[string]Status{"A": StatusFailed, "D": StatusInProgress}
	if got, want := Blocked(q, states), []string{"B", "C"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Blocked = %v, want %v", got, want)
	}
	if Settled(q, states) {
		t.Error("Settled while D is still running")
	}

	states["D"] = StatusCompleted
	if !Settled(q, states) {
		t.Error("not Settled once only blocked tasks remain")
	}

	if Settled(q, map[string]Status{"A": StatusCompleted}) {
		t.Error("Settled with B still claimable")
	}
	if !Settled(&Queue{Version: 1}, nil) {
		t.Error("an empty queue should be settled")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"q.yaml", "q.json"} {
		t.Run(name, func(t *testing.T) {
			src := writeQueue(t, "nightly.yaml", validYAML)
			q, err := Load(src)
			if err != nil {
				t.Fatal(err)
			}

			dir := t.TempDir()
			out := filepath.Join(dir, name)
			if err := Save(q, out); err != nil {
				t.Fatal(err)
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 {
				t.Errorf("dir has %d entries, want no temp files left behind", len(entries))
			}

			again, err := Load(out)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(q, again) {
				t.Errorf("reloaded queue differs:\n got %+v\nwant %+v", again, q)
			}
		})
	}
}

func TestIntensityRank(t *testing.T) {
	if !(IntensityLow.Rank() < IntensityMedium.Rank() && IntensityMedium.Rank() < IntensityHigh.Rank()) {
		t.Error("want low < medium < high")
	}
	if got := Intensity("extreme").Rank(); got != -1 {
		t.Errorf("unknown intensity rank = %d, want -1", got)
	}
}
