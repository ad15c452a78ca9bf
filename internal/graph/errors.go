package graph

import "fmt"

// ErrorKind classifies a GraphError per §7: Cycle (fatal for the offending
// commit) or UnknownParent (recoverable — recorded as a shallow edge and
// requested on the next sync round).
type ErrorKind uint8

const (
	ErrCycle ErrorKind = iota
	ErrUnknownParent
)

// GraphError is returned by Graph.Add.
type GraphError struct {
	Kind     ErrorKind
	CommitID string
	ParentID string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case ErrCycle:
		return fmt.Sprintf("graph: commit %s would introduce a cycle", e.CommitID)
	case ErrUnknownParent:
		return fmt.Sprintf("graph: commit %s references unknown parent %s (recorded as shallow edge)", e.CommitID, e.ParentID)
	default:
		return "graph: error"
	}
}

// Recoverable reports whether the operation that produced e can proceed
// (UnknownParent) or must reject the commit outright (Cycle).
func (e *GraphError) Recoverable() bool { return e.Kind == ErrUnknownParent }
