package pkgpipe

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"kiln/internal/faults"
)

// scheduler resolves the dependency DAG: it hands out tasks whose
// dependencies are all done and poisons the transitive dependents of a
// failed task. Its methods take the scheduler mutex; task stages
// themselves change through Task.setStage and Task.fail.
type scheduler struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

func newScheduler(tasks []*Task) (*scheduler, error) {
	s := &scheduler{tasks: make(map[string]*Task, len(tasks))}
	for _, task := range tasks {
		if _, dup := s.tasks[task.Name]; dup {
			return nil, faults.Wrap(faults.ErrValidation, "pkgpipe", "schedule", fmt.Sprintf("duplicate task %q", task.Name), nil)
		}
		s.tasks[task.Name] = task
		s.order = append(s.order, task.Name)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// validate checks referential integrity and rejects cycles before any
// stage runs.
func (s *scheduler) validate() error {
	for _, task := range s.tasks {
		for _, dep := range task.Deps {
			if _, ok := s.tasks[dep]; !ok {
				return faults.Wrap(faults.ErrValidation, "pkgpipe", "schedule",
					fmt.Sprintf("task %q depends on unknown task %q", task.Name, dep), nil)
			}
		}
	}
	return s.detectCycles()
}

// detectCycles runs a colored DFS; a gray-to-gray edge is a back edge.
func (s *scheduler) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.tasks))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		color[name] = gray
		path = append(path, name)
		for _, dep := range s.tasks[name].Deps {
			switch color[dep] {
			case gray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return faults.Wrap(faults.ErrValidation, "pkgpipe", "schedule",
					"dependency cycle: "+strings.Join(cycle, " -> "), nil)
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ready returns pending tasks whose dependencies are all done, in
// submission order.
func (s *scheduler) ready() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, name := range s.order {
		task := s.tasks[name]
		if task.Stage() != StagePending {
			continue
		}
		if s.depsDone(task) {
			out = append(out, task)
		}
	}
	return out
}

func (s *scheduler) depsDone(task *Task) bool {
	for _, dep := range task.Deps {
		if s.tasks[dep].Stage() != StageDone {
			return false
		}
	}
	return true
}

// failDependents poisons every transitive dependent of failed tasks so
// they are never dispatched. Returns the tasks newly failed this pass.
func (s *scheduler) failDependents() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var poisoned []*Task
	for {
		var progressed bool
		for _, name := range s.order {
			task := s.tasks[name]
			if task.Stage() != StagePending {
				continue
			}
			for _, dep := range task.Deps {
				depTask := s.tasks[dep]
				if depTask.Stage() == StageFailed {
					task.fail("depends on failed task " + dep)
					poisoned = append(poisoned, task)
					progressed = true
					break
				}
			}
		}
		if !progressed {
			return poisoned
		}
	}
}

// cancelPending marks every non-terminal, not-running task cancelled.
func (s *scheduler) cancelPending() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []*Task
	for _, name := range s.order {
		task := s.tasks[name]
		if task.Stage() == StagePending {
			task.setStage(StageCancelled)
			cancelled = append(cancelled, task)
		}
	}
	return cancelled
}

// allDone reports whether every task reached a terminal stage.
func (s *scheduler) allDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if !task.Stage().Terminal() {
			return false
		}
	}
	return true
}

func (s *scheduler) all() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tasks[name])
	}
	return out
}
