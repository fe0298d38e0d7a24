package beam

import (
	"github.com/MeKo-Tech/ctcbeam/internal/lm"
)

// nodeID indexes into the arena owned by a DecoderState.
type nodeID int32

// noNode marks the absent parent of the root.
const noNode nodeID = -1

// prefixNode is one node of the beam prefix tree. Nodes are created only by
// the controller and live in the state's arena; parent links only point
// backward in time, so the structure is a DAG freed wholesale with the state.
type prefixNode struct {
	parent   nodeID
	token    int
	timestep int

	// children dedupes extensions: one node per (parent, token) pair, so
	// two live nodes never represent the same token sequence.
	children map[int]nodeID

	// Log-probability masses of alignments ending in blank / in a
	// non-blank emission of token, up to the current timestep.
	logProbBlank    float64
	logProbNonBlank float64

	// Next-timestep accumulators, valid while stamp matches the
	// controller's current pass.
	newLogProbBlank    float64
	newLogProbNonBlank float64
	stamp              int

	// Language model bookkeeping: the opaque context for this prefix's
	// word history, the cumulative unweighted LM log contribution, and
	// the number of scored words.
	lmState lm.State
	lmScore float64
	words   int
}

// marginal is logsumexp of the blank and non-blank masses.
func (n *prefixNode) marginal() float64 {
	return logSumExp(n.logProbBlank, n.logProbNonBlank)
}

// score ranks the prefix: CTC marginal plus weighted LM contribution and
// word-insertion bonus.
func (n *prefixNode) score(alpha, beta float64) float64 {
	return n.marginal() + alpha*n.lmScore + beta*float64(n.words)
}

// arena owns all prefix nodes of one decode. Pruned nodes stay allocated
// until the whole arena is released; peak size is bounded by
// beamSize x timesteps x candidates per step.
type arena struct {
	nodes []prefixNode
}

func newArena(capacityHint int) *arena {
	return &arena{nodes: make([]prefixNode, 0, capacityHint)}
}

func (a *arena) node(id nodeID) *prefixNode {
	return &a.nodes[id]
}

// alloc creates a node and returns its id.
func (a *arena) alloc(n prefixNode) nodeID {
	a.nodes = append(a.nodes, n)
	return nodeID(len(a.nodes) - 1)
}

// child returns the extension of parent by token, creating it via create
// when it does not exist yet. create runs only on creation, so LM scoring
// happens once per distinct prefix.
func (a *arena) child(parent nodeID, token int, create func() prefixNode) nodeID {
	p := a.node(parent)
	if id, ok := p.children[token]; ok {
		return id
	}
	id := a.alloc(create())
	// re-fetch: alloc may have grown the backing array
	p = a.node(parent)
	if p.children == nil {
		p.children = make(map[int]nodeID, 4)
	}
	p.children[token] = id
	return id
}

// traceback walks parent links and returns the token and timestep sequences
// in emission order.
func (a *arena) traceback(id nodeID) (tokens, timesteps []int32) {
	n := 0
	for cur := id; cur != noNode && a.node(cur).token >= 0; cur = a.node(cur).parent {
		n++
	}
	tokens = make([]int32, n)
	timesteps = make([]int32, n)
	i := n - 1
	for cur := id; cur != noNode && a.node(cur).token >= 0; cur = a.node(cur).parent {
		tokens[i] = int32(a.node(cur).token)
		timesteps[i] = int32(a.node(cur).timestep)
		i--
	}
	return tokens, timesteps
}

// tokenSequenceCompare lexicographically compares the token sequences of two
// prefixes. Used only for deterministic tie-breaking.
func (a *arena) tokenSequenceCompare(x, y nodeID) int {
	tx, _ := a.traceback(x)
	ty, _ := a.traceback(y)
	n := len(tx)
	if len(ty) < n {
		n = len(ty)
	}
	for i := 0; i < n; i++ {
		if tx[i] != ty[i] {
			if tx[i] < ty[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(tx) < len(ty):
		return -1
	case len(tx) > len(ty):
		return 1
	default:
		return 0
	}
}
