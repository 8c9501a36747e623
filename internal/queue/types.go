package queue

import "slices"

// CurrentVersion is the queue document version written by Save.
const CurrentVersion = 1

// Kind is the type of work a task performs.
type Kind string

// KindGrind is the only task kind.
const KindGrind Kind = "grind"

// Intensity is an ordered effort tier.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// Rank orders intensities low < medium < high. Unknown values rank -1.
func (i Intensity) Rank() int {
	switch i {
	case IntensityLow:
		return 0
	case IntensityMedium:
		return 1
	case IntensityHigh:
		return 2
	default:
		return -1
	}
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further execution is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of work.
type Task struct {
	ID           string    `yaml:"id" json:"id" validate:"required,taskid"`
	Kind         Kind      `yaml:"kind" json:"kind" validate:"required,oneof=grind"`
	Prompt       string    `yaml:"prompt" json:"prompt" validate:"required"`
	MinCost      float64   `yaml:"min_cost" json:"min_cost" validate:"gte=0"`
	MaxCost      float64   `yaml:"max_cost" json:"max_cost" validate:"gte=0,gtefield=MinCost"`
	Intensity    Intensity `yaml:"intensity" json:"intensity" validate:"required,oneof=low medium high"`
	Model        string    `yaml:"model" json:"model" validate:"required"`
	DependsOn    []string  `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,required"`
	ParallelSafe bool      `yaml:"parallel_safe" json:"parallel_safe"`
	// Status is advisory. Live status comes from the execution log.
	Status Status `yaml:"status,omitempty" json:"status,omitempty" validate:"omitempty,oneof=pending in_progress completed failed"`
}

// Queue is an ordered task list plus the inference endpoint it runs against.
type Queue struct {
	Version  int     `yaml:"version" json:"version" validate:"required,gte=1"`
	Name     string  `yaml:"name,omitempty" json:"name,omitempty" validate:"omitempty,taskid"`
	Endpoint string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"omitempty,url"`
	Tasks    []*Task `yaml:"tasks" json:"tasks" validate:"dive,required"`
}

// Task returns the task with the given id.
func (q *Queue) Task(id string) (*Task, bool) {
	for _, t := range q.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// IDs returns task ids in queue order.
func (q *Queue) IDs() []string {
	ids := make([]string, len(q.Tasks))
	for i, t := range q.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Dependents returns the ids of tasks that list id in depends_on, in queue order.
func (q *Queue) Dependents(id string) []string {
	var out []string
	for _, t := range q.Tasks {
		if slices.Contains(t.DependsOn, id) {
			out = append(out, t.ID)
		}
	}
	return out
}
