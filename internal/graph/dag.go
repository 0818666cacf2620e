package graph

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// DAG is a task dependency graph used to check workflows that did not come
// from the builder, such as ones loaded from storage.
type DAG struct {
	order   []core.TaskID
	edges   map[core.TaskID][]core.TaskID // task -> dependencies
	reverse map[core.TaskID][]core.TaskID // task -> dependents
}

// NewDAG creates an empty graph.
func NewDAG() *DAG {
	return &DAG{
		edges:   make(map[core.TaskID][]core.TaskID),
		reverse: make(map[core.TaskID][]core.TaskID),
	}
}

// AddTask adds a node.
func (d *DAG) AddTask(id core.TaskID) error {
	if _, exists := d.edges[id]; exists {
		return core.ErrValidation("DUPLICATE_TASK", fmt.Sprintf("task %s already exists", id))
	}
	d.order = append(d.order, id)
	d.edges[id] = nil
	d.reverse[id] = nil
	return nil
}

// AddDependency records that from depends on to.
func (d *DAG) AddDependency(from, to core.TaskID) error {
	if _, ok := d.edges[from]; !ok {
		return core.ErrNotFound("task", string(from))
	}
	if _, ok := d.edges[to]; !ok {
		return core.ErrNotFound("task", string(to))
	}
	for _, dep := range d.edges[from] {
		if dep == to {
			return nil
		}
	}
	d.edges[from] = append(d.edges[from], to)
	d.reverse[to] = append(d.reverse[to], from)
	return nil
}

// Plan is a validated graph: a topological order and the groups of tasks
// that may run side by side.
type Plan struct {
	Order  []core.TaskID
	Levels [][]core.TaskID
}

// Build checks the graph for cycles and returns its plan.
func (d *DAG) Build() (*Plan, error) {
	order, err := d.topologicalSort()
	if err != nil {
		return nil, err
	}
	return &Plan{Order: order, Levels: d.levels()}, nil
}

// topologicalSort orders tasks with Kahn's algorithm. Ties keep insertion order.
func (d *DAG) topologicalSort() ([]core.TaskID, error) {
	inDegree := make(map[core.TaskID]int, len(d.order))
	queue := make([]core.TaskID, 0)
	for _, id := range d.order {
		inDegree[id] = len(d.edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]core.TaskID, 0, len(d.order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range d.reverse[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(d.order) {
		return nil, core.ErrValidation(core.CodeDAGCycle, "task dependency graph contains a cycle")
	}
	return result, nil
}

// levels groups tasks by longest dependency chain. Only valid on acyclic graphs.
func (d *DAG) levels() [][]core.TaskID {
	if len(d.order) == 0 {
		return nil
	}
	var levels [][]core.TaskID
	assigned := make(map[core.TaskID]bool, len(d.order))

	for len(assigned) < len(d.order) {
		var level []core.TaskID
		for _, id := range d.order {
			if assigned[id] {
				continue
			}
			ready := true
			for _, dep := range d.edges[id] {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		for _, id := range level {
			assigned[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// FromWorkflow loads the dependency edges of wf.
func FromWorkflow(wf *core.Workflow) (*DAG, error) {
	d := NewDAG()
	for _, id := range wf.TaskOrder {
		if err := d.AddTask(id); err != nil {
			return nil, err
		}
	}
	for _, id := range wf.TaskOrder {
		for _, dep := range wf.Tasks[id].DependsOn {
			if err := d.AddDependency(id, dep); err != nil {
				return nil, core.ErrValidation(core.CodeForwardReference,
					fmt.Sprintf("task %s depends on unknown task %s", id, dep)).WithCause(err)
			}
		}
	}
	return d, nil
}

// Validate checks a workflow's structure and returns its execution plan.
func Validate(wf *core.Workflow) (*Plan, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if len(wf.TaskOrder) != len(wf.Tasks) {
		return nil, core.ErrState(core.CodeStateCorrupted, "task order does not match task set")
	}
	d, err := FromWorkflow(wf)
	if err != nil {
		return nil, err
	}
	return d.Build()
}
