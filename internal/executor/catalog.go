package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"admitq/internal/models"
	"admitq/internal/scheduler"
)

var ErrUnknownJob = errors.New("unknown job")

const SleepJob = "sleep"

// Definition describes one named job. Definitions without a command are
// built in.
type Definition struct {
	Name     string          `json:"name"`
	TaskType models.TaskType `json:"task_type"`
	Command  []string        `json:"command,omitempty"`
	Timeout  time.Duration   `json:"timeout,omitempty"`
}

type Catalog struct {
	defs      map[string]Definition
	validator *Validator
	exec      *Executor
}

func NewCatalog(defs []Definition, allowed []string, exec *Executor) (*Catalog, error) {
	if exec == nil {
		exec = New()
	}
	validator, err := NewValidator(allowed)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		defs:      map[string]Definition{SleepJob: {Name: SleepJob, TaskType: models.TaskPrediction}},
		validator: validator,
		exec:      exec,
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("job definition without a name")
		}
		if len(def.Command) == 0 {
			return nil, fmt.Errorf("job %q: command is required", def.Name)
		}
		if !def.TaskType.Valid() {
			return nil, fmt.Errorf("job %q: unknown task type %q", def.Name, def.TaskType)
		}
		c.defs[def.Name] = def
	}
	// A literal pattern can only ever admit the job it names.
	for _, p := range validator.patterns {
		if strings.ContainsAny(p, `*?[\`) {
			continue
		}
		if _, ok := c.defs[p]; !ok {
			return nil, fmt.Errorf("allowed job %q matches no catalog job", p)
		}
	}
	return c, nil
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Lookup(name string) (Definition, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// Build resolves name to a runnable job. Extra args are appended to a
// command job's argv; the sleep job reads [duration, steps].
func (c *Catalog) Build(name string, args []string) (scheduler.Job, Definition, error) {
	def, ok := c.defs[name]
	if !ok {
		return nil, Definition{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if err := c.validator.Validate(name); err != nil {
		return nil, Definition{}, err
	}
	if len(def.Command) == 0 {
		job, err := sleepJob(args)
		return job, def, err
	}
	argv := append(append([]string(nil), def.Command...), args...)
	return c.exec.Job(argv, def.Timeout), def, nil
}

func sleepJob(args []string) (scheduler.Job, error) {
	total := time.Second
	steps := 4
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			return nil, fmt.Errorf("sleep: invalid duration %q", args[0])
		}
		total = d
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("sleep: invalid steps %q", args[1])
		}
		steps = n
	}
	step := total / time.Duration(steps)
	return func(ctx context.Context, p scheduler.Progress) (any, error) {
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step):
			}
			if err := p.Describe(fmt.Sprintf("step %d/%d", i, steps)); err != nil {
				return nil, err
			}
		}
		return map[string]any{"slept": total.String(), "steps": steps}, nil
	}, nil
}
