package eager

import (
	"maps"
	"sync"
	"time"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// AsyncNode records one dispatch made by an eager run. Only its status
	// snapshot changes after creation.
	AsyncNode struct {
		index        int
		entity       *Entity
		handle       engine.Handle
		url          string
		inputs       map[string]any
		dispatchedAt time.Time

		mu     sync.Mutex
		status engine.Status
	}

	// NodeSnapshot is an immutable copy of an AsyncNode used by reporters and
	// observers.
	NodeSnapshot struct {
		Index        int            `json:"index"`
		EntityName   string         `json:"entity_name"`
		EntityType   string         `json:"entity_type"`
		ExecutionID  string         `json:"execution_id"`
		RunID        string         `json:"run_id,omitempty"`
		URL          string         `json:"url"`
		Phase        engine.Phase   `json:"phase"`
		Inputs       map[string]any `json:"inputs,omitempty"`
		Outputs      map[string]any `json:"outputs,omitempty"`
		Error        string         `json:"error,omitempty"`
		DispatchedAt time.Time      `json:"dispatched_at"`
		UpdatedAt    time.Time      `json:"updated_at"`
	}

	// CallStack is the append-only, dispatch-ordered record of the nodes of
	// one eager run.
	CallStack struct {
		runID             string
		parentTaskID      string
		parentExecutionID string

		mu    sync.Mutex
		nodes []*AsyncNode
	}
)

// NewCallStack returns an empty call stack.
func NewCallStack(runID, parentTaskID, parentExecutionID string) *CallStack {
	return &CallStack{runID: runID, parentTaskID: parentTaskID, parentExecutionID: parentExecutionID}
}

// RunID identifies the eager run owning the stack.
func (s *CallStack) RunID() string { return s.runID }

// ParentTaskID identifies the entity executing the eager run, empty when the
// run was started outside a cluster.
func (s *CallStack) ParentTaskID() string { return s.parentTaskID }

// ParentExecutionID identifies the execution running the eager run, empty
// when the run was started outside a cluster.
func (s *CallStack) ParentExecutionID() string { return s.parentExecutionID }

// Append records a dispatched node. The node index is its position.
func (s *CallStack) Append(n *AsyncNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.index = len(s.nodes)
	s.nodes = append(s.nodes, n)
}

// Nodes returns the nodes in dispatch order.
func (s *CallStack) Nodes() []*AsyncNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AsyncNode(nil), s.nodes...)
}

// Len returns the number of recorded nodes.
func (s *CallStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Snapshots returns a snapshot of every node in dispatch order.
func (s *CallStack) Snapshots() []NodeSnapshot {
	nodes := s.Nodes()
	out := make([]NodeSnapshot, len(nodes))
	for i, n := range nodes {
		out[i] = n.Snapshot()
	}
	return out
}

// NewAsyncNode returns a node for a dispatched execution. The status starts
// queued.
func NewAsyncNode(e *Entity, h engine.Handle, url string, inputs map[string]any) *AsyncNode {
	return &AsyncNode{
		entity:       e,
		handle:       h,
		url:          url,
		inputs:       inputs,
		dispatchedAt: time.Now(),
		status:       engine.Status{Phase: engine.PhaseQueued},
	}
}

// Index returns the position of the node in its call stack.
func (n *AsyncNode) Index() int { return n.index }

// Entity returns the dispatched entity.
func (n *AsyncNode) Entity() *Entity { return n.entity }

// Name returns the qualified name of the dispatched entity.
func (n *AsyncNode) Name() string { return n.entity.Name() }

// Handle returns the execution handle.
func (n *AsyncNode) Handle() engine.Handle { return n.handle }

// URL returns the console link of the execution.
func (n *AsyncNode) URL() string { return n.url }

// Inputs returns a copy of the dispatched inputs.
func (n *AsyncNode) Inputs() map[string]any { return maps.Clone(n.inputs) }

// Status returns the latest observed status.
func (n *AsyncNode) Status() engine.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Outputs returns the execution outputs, nil unless it succeeded.
func (n *AsyncNode) Outputs() map[string]any {
	st := n.Status()
	if st.Phase != engine.PhaseSucceeded {
		return nil
	}
	return maps.Clone(st.Outputs)
}

// setStatus stores st and reports whether the phase changed. A terminal
// status is never replaced by a non-terminal one.
func (n *AsyncNode) setStatus(st engine.Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.Phase.IsTerminal() && !st.Phase.IsTerminal() {
		return false
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	changed := st.Phase != n.status.Phase
	n.status = st
	return changed
}

// Snapshot returns an immutable copy of the node.
func (n *AsyncNode) Snapshot() NodeSnapshot {
	st := n.Status()
	snap := NodeSnapshot{
		Index:        n.index,
		EntityName:   n.entity.Name(),
		EntityType:   n.entity.TypeLabel(),
		ExecutionID:  n.handle.ID,
		RunID:        n.handle.RunID,
		URL:          n.url,
		Phase:        st.Phase,
		Inputs:       maps.Clone(n.inputs),
		DispatchedAt: n.dispatchedAt,
		UpdatedAt:    st.UpdatedAt,
	}
	if st.Phase == engine.PhaseSucceeded {
		snap.Outputs = maps.Clone(st.Outputs)
	}
	if st.Error != nil {
		snap.Error = st.Error.Error()
	}
	return snap
}
