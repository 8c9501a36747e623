package queue

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/grind/internal/errors"
)

// idPattern keeps ids usable as lock file names. A leading underscore is
// reserved for lock store bookkeeping files.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("taskid", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	})
	return v
}

type loadOptions struct {
	models []string
}

// Option configures Load.
type Option func(*loadOptions)

// WithModels restricts task models to the given allow-list.
func WithModels(models []string) Option {
	return func(o *loadOptions) {
		o.models = models
	}
}

// Load reads, normalizes and validates a queue file. Both YAML and JSON are
// accepted regardless of extension. Errors are *errors.SchemaError or
// *errors.CycleError.
func Load(path string, opts ...Option) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", path, err)
	}

	q, err := Parse(data, opts...)
	if err != nil {
		return nil, err
	}
	if q.Name == "" {
		q.Name = defaultName(path)
	}
	return q, nil
}

// Parse decodes and validates a queue document held in memory.
func Parse(data []byte, opts ...Option) (*Queue, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	var q Queue
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&q); err != nil {
		return nil, errors.NewSchemaError("queue document is not valid YAML or JSON").WithCause(err)
	}

	q.normalize()

	if violations := q.violations(o.models); len(violations) > 0 {
		msg := violations[0]
		if len(violations) > 1 {
			msg = fmt.Sprintf("%d violations", len(violations))
		}
		return nil, errors.NewSchemaError(msg).WithViolations(violations)
	}

	if path := findCycle(&q); path != nil {
		return nil, errors.NewCycleError(path)
	}

	return &q, nil
}

// normalize fills defaulted fields so a rewritten file is explicit.
func (q *Queue) normalize() {
	q.Name = strings.TrimSpace(q.Name)
	for _, t := range q.Tasks {
		if t == nil {
			continue
		}
		t.ID = strings.TrimSpace(t.ID)
		if t.Kind == "" {
			t.Kind = KindGrind
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		t.Intensity = Intensity(strings.ToLower(string(t.Intensity)))
		for i, dep := range t.DependsOn {
			t.DependsOn[i] = strings.TrimSpace(dep)
		}
		t.DependsOn = dedupe(t.DependsOn)
	}
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// violations collects struct and semantic problems in document order.
func (q *Queue) violations(models []string) []string {
	var out []string

	if err := validate.Struct(q); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				out = append(out, describe(q, fe))
			}
		} else {
			out = append(out, err.Error())
		}
	}

	seen := make(map[string]int, len(q.Tasks))
	for i, t := range q.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if first, dup := seen[t.ID]; dup {
			out = append(out, fmt.Sprintf("tasks[%d] (%s): duplicate id, first defined at tasks[%d]", i, t.ID, first))
			continue
		}
		seen[t.ID] = i
	}

	for i, t := range q.Tasks {
		if t == nil {
			continue
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				out = append(out, fmt.Sprintf("tasks[%d] (%s).depends_on: task depends on itself", i, t.ID))
				continue
			}
			if _, ok := seen[dep]; !ok && dep != "" {
				out = append(out, fmt.Sprintf("tasks[%d] (%s).depends_on: unknown task %q", i, t.ID, dep))
			}
		}
		if len(models) > 0 && t.Model != "" && !slices.Contains(models, t.Model) {
			out = append(out, fmt.Sprintf("tasks[%d] (%s).model: %q is not in the allow-list", i, t.ID, t.Model))
		}
	}

	return out
}

// describe renders a validator field error against the yaml field names,
// e.g. "tasks[2] (build).max_cost: must be >= min_cost".
func describe(q *Queue, fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}

	var idx int
	if n, _ := fmt.Sscanf(ns, "tasks[%d]", &idx); n == 1 && idx < len(q.Tasks) && q.Tasks[idx] != nil && q.Tasks[idx].ID != "" {
		prefix := fmt.Sprintf("tasks[%d]", idx)
		ns = fmt.Sprintf("%s (%s)%s", prefix, q.Tasks[idx].ID, strings.TrimPrefix(ns, prefix))
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "gte":
		msg = "must be >= " + fe.Param()
	case "gtefield":
		msg = "must be >= min_cost"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "url":
		msg = "must be a URL"
	case "taskid":
		msg = "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'"
	default:
		msg = "failed " + fe.Tag()
	}
	return fmt.Sprintf("%s: %s (got: %v)", ns, msg, fe.Value())
}

func defaultName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if !idPattern.MatchString(name) {
		return "default"
	}
	return name
}
