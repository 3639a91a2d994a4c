// Package index implements the hierarchical learned index of spec §4.3:
// a tree of learned inner routing nodes above leaf.Leaf gapped arrays.
// It is grounded on the teacher's pkg/btree/btree.go (root/descend/
// split-propagation shape) and pkg/btree/cursor.go (iterative, non-
// recursive descent), generalized from fixed B-tree node comparisons to
// learned pivot-array routing. Per spec §9, nodes are a tagged variant
// (kind byte) rather than an interface, and parent/child linkage is
// index-based rather than back-pointers.
package index

import (
	"errors"
	"math"
	"sort"
	"sync/atomic"

	"lisc/index/reclaim"
	"lisc/leaf"
	"lisc/liscconfig"
	"lisc/model"

	"go.uber.org/zap"
)

var (
	ErrKeyConflict = errors.New("index: duplicate key")
)

type kind uint8

const (
	kindLeaf kind = iota
	kindInner
)

// node is the tagged union switched on in the descent loop (§9: "no
// runtime type system is required; no open inheritance is used").
type node struct {
	kind  kind
	leaf  *leaf.Leaf
	inner *inner
}

// inner is a learned routing node: model predicts a child index,
// epsilon bounds the routing error, pivots are the sorted first-keys
// of children (spec §3's Inner node).
type inner struct {
	model    model.Model
	pivots   []int64
	children []*node

	insertsSinceRetrain int
	searchCostEWMA      float64

	// splitMarker marks a transient node: not a real tree node, but a
	// carrier for the two halves produced by splitLeafNode/
	// splitInnerNode on its way to being spliced into the parent.
	splitMarker bool
}

// Tree is the hierarchical index. Tree.root is published via a single
// atomic pointer so structural mutations (splits, retrains) become
// visible to readers atomically, per spec §5; epochs guard reclamation
// of superseded subtrees, generalized from pkg/cowbtree/epoch.go.
type Tree struct {
	root   atomic.Pointer[node]
	epochs *reclaim.Epochs
	cfg    liscconfig.Options
	log    *zap.SugaredLogger
}

func leafOpts(cfg liscconfig.Options) leaf.Options {
	return leaf.Options{
		DensityMin:          cfg.LeafDensityMin,
		DensityMax:          cfg.LeafDensityMax,
		DensityInit:         cfg.LeafDensityInit,
		ShiftWindow:         cfg.LeafShiftWindow,
		EpsilonMax:          cfg.LeafEpsilonMax,
		DensityTargetExpand: 0.75,
	}
}

// New creates an empty index with a single empty leaf as root.
func New(cfg liscconfig.Options) *Tree {
	cfg = cfg.WithDefaults()
	t := &Tree{epochs: reclaim.New(), cfg: cfg, log: cfg.Logger.Sugar()}
	l := leaf.New(cfg.LeafInitialCapacity, leafOpts(cfg))
	root := &node{kind: kindLeaf, leaf: l}
	t.root.Store(root)
	return t
}

// Build bulk-loads a tree from a pre-sorted, deduplicated stream of
// entries in O(N): pack leaves to DensityInit, then build levels of
// inner nodes over consecutive runs of FanoutTarget children until one
// root remains, per spec §4.3.
func Build(sorted []leaf.Entry, cfg liscconfig.Options) *Tree {
	cfg = cfg.WithDefaults()
	t := &Tree{epochs: reclaim.New(), cfg: cfg, log: cfg.Logger.Sugar()}

	if len(sorted) == 0 {
		t.root.Store(&node{kind: kindLeaf, leaf: leaf.New(cfg.LeafInitialCapacity, leafOpts(cfg))})
		return t
	}

	lOpts := leafOpts(cfg)
	perLeaf := int(float64(cfg.LeafInitialCapacity) * cfg.LeafDensityInit)
	if perLeaf < 1 {
		perLeaf = 1
	}

	var level []*node
	for i := 0; i < len(sorted); i += perLeaf {
		end := i + perLeaf
		if end > len(sorted) {
			end = len(sorted)
		}
		l := leaf.FromSorted(sorted[i:end], lOpts)
		level = append(level, &node{kind: kindLeaf, leaf: l})
	}

	for len(level) > 1 {
		level = buildLevel(level, cfg)
	}
	t.root.Store(level[0])
	return t
}

func firstKey(n *node) int64 {
	switch n.kind {
	case kindLeaf:
		k, _ := n.leaf.MinKey()
		return k
	default:
		return n.inner.pivots[0]
	}
}

func buildLevel(children []*node, cfg liscconfig.Options) []*node {
	fanout := cfg.InnerFanoutTarget
	if fanout < 2 {
		fanout = 2
	}
	var parents []*node
	for i := 0; i < len(children); i += fanout {
		end := i + fanout
		if end > len(children) {
			end = len(children)
		}
		group := children[i:end]
		in := &inner{children: append([]*node(nil), group...)}
		in.pivots = make([]int64, len(group))
		pts := make([]model.Point, len(group))
		for j, c := range group {
			k := firstKey(c)
			in.pivots[j] = k
			pts[j] = model.Point{X: model.KeyToF64(k), Y: float64(j)}
		}
		in.model = model.Train(pts)
		parents = append(parents, &node{kind: kindInner, inner: in})
	}
	return parents
}

// Depth returns the current tree height (1 = a single leaf root).
func (t *Tree) Depth() int {
	n := t.root.Load()
	d := 1
	for n.kind == kindInner {
		d++
		n = n.inner.children[0]
	}
	return d
}

// Lookup descends from the root predicting a child/slot at each level
// and binary-searching the bounded window, per spec §4.3.
func (t *Tree) Lookup(key int64) (leaf.RowRef, bool) {
	g := t.epochs.Enter()
	defer g.Leave()

	n := t.root.Load()
	for n.kind == kindInner {
		c := routeChild(n.inner, key)
		n = n.inner.children[c]
	}
	return n.leaf.Lookup(key)
}

// routeChild predicts a child index and binary-searches the bounded
// pivot window to find the correct child, per spec §4.3's point lookup.
func routeChild(in *inner, key int64) int {
	predicted := in.model.Predict(model.KeyToF64(key), len(in.children))
	eps := int(in.model.Epsilon) + 1
	lo := predicted - eps
	hi := predicted + eps
	if lo < 0 {
		lo = 0
	}
	if hi >= len(in.pivots) {
		hi = len(in.pivots) - 1
	}

	// Find the rightmost pivot <= key within [lo,hi]; fall back to a
	// full scan if the window didn't contain the answer (degraded
	// routing, mirrors leaf.findSlot's degrade path).
	idx := sort.Search(hi-lo+1, func(i int) bool { return in.pivots[lo+i] > key }) - 1 + lo
	if idx < lo || idx > hi || (idx == hi && hi+1 < len(in.pivots) && in.pivots[hi+1] <= key) {
		idx = sort.Search(len(in.pivots), func(i int) bool { return in.pivots[i] > key }) - 1
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(in.children) {
		idx = len(in.children) - 1
	}
	return idx
}

// Range returns a merged ascending iterator over [lo, hi) across all leaves.
func (t *Tree) Range(lo, hi int64) *Iterator {
	g := t.epochs.Enter()
	var leaves []*leaf.Leaf
	collectLeavesInRange(t.root.Load(), lo, hi, &leaves)
	return &Iterator{leaves: leaves, lo: lo, hi: hi, guard: g}
}

func collectLeavesInRange(n *node, lo, hi int64, out *[]*leaf.Leaf) {
	if n.kind == kindLeaf {
		maxKey, ok := n.leaf.MaxKey()
		minKey, ok2 := n.leaf.MinKey()
		if ok && ok2 && maxKey >= lo && minKey < hi {
			*out = append(*out, n.leaf)
		}
		return
	}
	for i, child := range n.inner.children {
		// A child's key range is [pivots[i], pivots[i+1]) (or +inf for the
		// last); the first child also holds keys below pivots[0], since
		// routeChild sends those to child 0.
		childLo := n.inner.pivots[i]
		if i == 0 {
			childLo = math.MinInt64
		}
		childHi := int64(math.MaxInt64)
		if i+1 < len(n.inner.pivots) {
			childHi = n.inner.pivots[i+1]
		}
		if childHi <= lo || childLo >= hi {
			continue
		}
		collectLeavesInRange(child, lo, hi, out)
	}
}

// Iterator yields ascending (key, ref) pairs across the leaves
// collected by Range.
type Iterator struct {
	leaves []*leaf.Leaf
	cur    *leaf.Iterator
	idx    int
	lo, hi int64
	guard  *reclaim.Guard
	closed bool
}

// Next advances the iterator.
func (it *Iterator) Next() (leaf.Entry, bool) {
	for {
		if it.cur == nil {
			if it.idx >= len(it.leaves) {
				it.Close()
				return leaf.Entry{}, false
			}
			it.cur = it.leaves[it.idx].Range(it.lo, it.hi)
			it.idx++
		}
		e, ok := it.cur.Next()
		if ok {
			return e, true
		}
		it.cur = nil
	}
}

// Close releases the epoch guard backing this iterator. Safe to call
// multiple times; Next calls it automatically on exhaustion.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.guard.Leave()
}

// Insert descends to the target leaf and inserts; on Overflow it splits
// the leaf and propagates the split up through parents, growing the
// root (and hence tree depth) if necessary, per spec §4.3 step 1-2.
func (t *Tree) Insert(key int64, ref leaf.RowRef) error {
	root := t.root.Load()
	newRoot, err := t.insertInto(root, key, ref)
	if err != nil {
		return err
	}
	if newRoot.kind == kindInner && newRoot.inner.splitMarker {
		newRoot = materializeRoot(newRoot)
		t.log.Infow("root split, depth increased", "newDepth", t.depthOf(newRoot))
	}
	if newRoot != root {
		t.epochs.Retire(root)
		t.root.Store(newRoot)
		t.epochs.Advance()
	}
	return nil
}

// materializeRoot turns a transient split-marker node into a genuine
// inner node (computing real pivots/model), used only when a split
// propagates all the way to the root and the tree grows one level.
func materializeRoot(marker *node) *node {
	in := &inner{children: marker.inner.children}
	in.pivots = make([]int64, len(in.children))
	pts := make([]model.Point, len(in.children))
	for i, c := range in.children {
		k := firstKey(c)
		in.pivots[i] = k
		pts[i] = model.Point{X: model.KeyToF64(k), Y: float64(i)}
	}
	in.model = model.Train(pts)
	return &node{kind: kindInner, inner: in}
}

func (t *Tree) depthOf(n *node) int {
	d := 1
	for n.kind == kindInner {
		d++
		n = n.inner.children[0]
	}
	return d
}

// insertInto returns a (possibly new) subtree root reflecting the
// insert. Structural changes copy only the nodes on the path from the
// insertion point to n, per §9's avoid-back-pointers design — siblings
// are shared, not copied.
func (t *Tree) insertInto(n *node, key int64, ref leaf.RowRef) (*node, error) {
	if n.kind == kindLeaf {
		outcome, err := n.leaf.Insert(key, ref)
		if err == leaf.ErrKeyConflict {
			return n, ErrKeyConflict
		}
		if outcome == leaf.OutcomeOK {
			if n.leaf.NeedsRetrain() {
				if split := n.leaf.Retrain(); split {
					return t.splitLeafNode(n), nil
				}
			}
			return n, nil
		}

		// Overflow: expand or split per §4.2's policy. Expand halves
		// density, so it is only taken while the result stays at or
		// above LeafDensityMin; otherwise the leaf splits and the key
		// goes into the half that covers it.
		if n.leaf.Density() < t.cfg.LeafDensityMax && n.leaf.Density() < 0.75 && n.leaf.Density() >= 2*t.cfg.LeafDensityMin {
			n.leaf.Expand()
			outcome, err = n.leaf.Insert(key, ref)
			if err == nil && outcome == leaf.OutcomeOK {
				return n, nil
			}
		}
		marker := t.splitLeafNode(n)
		halves := marker.inner.children
		target := halves[0].leaf
		if k, ok := halves[1].leaf.MinKey(); ok && key >= k {
			target = halves[1].leaf
		}
		if outcome, err := target.Insert(key, ref); err != nil || outcome != leaf.OutcomeOK {
			target.Expand()
			target.Insert(key, ref)
		}
		return marker, nil
	}

	c := routeChild(n.inner, key)
	newChild, err := t.insertInto(n.inner.children[c], key, ref)
	if err != nil {
		return n, err
	}

	in := *n.inner
	in.insertsSinceRetrain++

	if wasSplitReplacement(n.inner.children[c], newChild) {
		in.children = replaceWithTwo(in.children, c, newChild)
		in.pivots = make([]int64, len(in.children))
		for i, ch := range in.children {
			in.pivots[i] = firstKey(ch)
		}
	} else {
		in.children = append([]*node(nil), in.children...)
		in.children[c] = newChild
	}

	if in.insertsSinceRetrain >= t.cfg.InnerFanoutTarget {
		pts := make([]model.Point, len(in.pivots))
		for i, k := range in.pivots {
			pts[i] = model.Point{X: model.KeyToF64(k), Y: float64(i)}
		}
		in.model = model.Train(pts)
		in.insertsSinceRetrain = 0
		if in.model.Epsilon > t.cfg.InnerEpsilonMax {
			// Unlike a leaf, an inner node's pivot array has no spare
			// capacity to re-space entries into (every slot already
			// holds a real child) — there is nothing analogous to
			// Leaf.Expand() to widen here. routeChild's full-scan
			// fallback (above) bounds routing correctness regardless
			// of epsilon, so a node whose model stays over
			// EpsilonMax just degrades to that scan instead of
			// expanding; see DESIGN.md's "Inner node epsilon
			// overflow" decision.
		}
	}

	if len(in.children) > t.cfg.InnerFanoutMax {
		return t.splitInnerNode(&in), nil
	}

	pts := make([]model.Point, len(in.pivots))
	for i, k := range in.pivots {
		pts[i] = model.Point{X: model.KeyToF64(k), Y: float64(i)}
	}
	in.model = model.Train(pts)

	return &node{kind: kindInner, inner: &in}, nil
}

// wasSplitReplacement reports whether newChild is a synthetic marker
// node produced by splitLeafNode/splitInnerNode standing in for two
// children (encoded as a kindInner node with exactly the two halves as
// its own children and its splitMarker flag set).
func wasSplitReplacement(old, newChild *node) bool {
	return newChild.kind == kindInner && newChild.inner.splitMarker
}

func replaceWithTwo(children []*node, idx int, marker *node) []*node {
	out := make([]*node, 0, len(children)+1)
	out = append(out, children[:idx]...)
	out = append(out, marker.inner.children...)
	out = append(out, children[idx+1:]...)
	return out
}

func (t *Tree) splitLeafNode(n *node) *node {
	left, right, _ := n.leaf.Split()
	marker := &inner{splitMarker: true, children: []*node{
		{kind: kindLeaf, leaf: left},
		{kind: kindLeaf, leaf: right},
	}}
	return &node{kind: kindInner, inner: marker}
}

func (t *Tree) splitInnerNode(in *inner) *node {
	mid := len(in.children) / 2
	left := &inner{children: append([]*node(nil), in.children[:mid]...)}
	right := &inner{children: append([]*node(nil), in.children[mid:]...)}
	for _, half := range []*inner{left, right} {
		half.pivots = make([]int64, len(half.children))
		pts := make([]model.Point, len(half.children))
		for i, c := range half.children {
			k := firstKey(c)
			half.pivots[i] = k
			pts[i] = model.Point{X: model.KeyToF64(k), Y: float64(i)}
		}
		half.model = model.Train(pts)
	}
	marker := &inner{splitMarker: true, children: []*node{
		{kind: kindInner, inner: left},
		{kind: kindInner, inner: right},
	}}
	return &node{kind: kindInner, inner: marker}
}

// Rebuild performs the full rebuild of I3 ("depth exceeds
// log_fanout(N)+c forces a rebuild"): it walks the tree, collects every
// occupied entry, and re-bulk-loads from scratch.
func (t *Tree) Rebuild() *Tree {
	g := t.epochs.Enter()
	defer g.Leave()

	var entries []leaf.Entry
	collectAll(t.root.Load(), &entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return Build(entries, t.cfg)
}

func collectAll(n *node, out *[]leaf.Entry) {
	if n.kind == kindLeaf {
		it := n.leaf.Range(int64(math.MinInt64), int64(math.MaxInt64))
		for {
			e, ok := it.Next()
			if !ok {
				break
			}
			*out = append(*out, e)
		}
		return
	}
	for _, c := range n.inner.children {
		collectAll(c, out)
	}
}
