package engine

// New is the seam an operator replaces to wire scanmesh to a real scan
// engine. Scan semantics are out of scope here, so the only in-tree
// implementation is FakeEngine; cmd/scanworker calls this constructor
// rather than instantiating FakeEngine directly, so swapping it for a
// real engine is a one-function change.
func New() Engine {
	return &FakeEngine{}
}
