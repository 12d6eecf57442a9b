package eval

import (
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
)

// concatenateTransforms implements the optional step 7: when a node and a
// chain of single-input upstream nodes declare pure matrix transforms,
// multiply them together and apply the combined inverse to the region of
// interest, so the chain's true source only renders what is needed. The
// rerouting is entirely local to this call — nothing is mutated on node or
// its inputs, so there is nothing to undo on any exit path.
func (e *Evaluator) concatenateTransforms(node effect.Node, time float64, roi geom.Rect) geom.Rect {
	m, ok := node.MatrixTransform(time)
	if !ok {
		return roi
	}
	combined := m
	cur := node
	for {
		inputs := cur.Inputs()
		if len(inputs) != 1 || inputs[0] == nil {
			break
		}
		next := inputs[0]
		nm, ok := next.MatrixTransform(time)
		if !ok {
			break
		}
		combined = combined.Multiply(nm)
		cur = next
	}
	inv, ok := combined.Invert()
	if !ok {
		return roi
	}
	return inv.ApplyToRect(roi)
}
