package cds

// ActionTree stores a rule's actions in a flat arena laid out breadth-first:
// the top-level actions occupy [0, roots) and the children of every node
// occupy a contiguous range [first, first+count).
type ActionTree struct {
	nodes []actionNode
	roots int
}

type actionNode struct {
	action *PlanAction
	first  int
	count  int
}

// NewActionTree builds the arena for actions. The tree refers to the given
// actions and must not outlive changes to them.
func NewActionTree(actions []PlanAction) *ActionTree {
	t := &ActionTree{roots: len(actions)}
	t.nodes = make([]actionNode, 0, countActions(actions))
	for i := range actions {
		t.nodes = append(t.nodes, actionNode{action: &actions[i]})
	}
	for i := 0; i < len(t.nodes); i++ {
		children := t.nodes[i].action.Action
		t.nodes[i].first = len(t.nodes)
		t.nodes[i].count = len(children)
		for j := range children {
			t.nodes = append(t.nodes, actionNode{action: &children[j]})
		}
	}
	return t
}

func countActions(actions []PlanAction) int {
	n := len(actions)
	for i := range actions {
		n += countActions(actions[i].Action)
	}
	return n
}

// Len returns the number of nodes in the tree.
func (t *ActionTree) Len() int { return len(t.nodes) }

// Roots returns the indices of the top-level actions.
func (t *ActionTree) Roots() []int { return indexRange(0, t.roots) }

// Children returns the indices of the children of node i.
func (t *ActionTree) Children(i int) []int {
	n := t.nodes[i]
	return indexRange(n.first, n.count)
}

// Action returns the static definition of node i.
func (t *ActionTree) Action(i int) *PlanAction { return t.nodes[i].action }

func indexRange(first, count int) []int {
	out := make([]int, count)
	for k := range out {
		out[k] = first + k
	}
	return out
}
