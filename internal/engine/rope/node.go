package rope

import (
	"slices"
	"strings"
)

// Tree shape bounds.
const (
	// MaxChildren is the branching factor of internal nodes.
	MaxChildren = 8

	// MaxLeafChunks is the number of chunks a leaf holds.
	MaxLeafChunks = 8
)

// node is a B+ tree node. Leaves (height 0) hold chunks; internal nodes hold
// children that all share the same height. Nodes are never mutated once they
// are reachable from a Rope.
type node struct {
	height   int
	sum      Summary
	children []*node
	chunks   []chunk
}

func newLeaf(chunks []chunk) *node {
	n := &node{chunks: chunks}
	for _, c := range chunks {
		n.sum = n.sum.Add(c.sum)
	}
	return n
}

func newInternal(children []*node) *node {
	n := &node{height: children[0].height + 1, children: children}
	for _, c := range children {
		n.sum = n.sum.Add(c.sum)
	}
	return n
}

func (n *node) isLeaf() bool {
	return n.height == 0
}

func (n *node) empty() bool {
	return n == nil || n.sum.Bytes == 0
}

// build creates a balanced tree over chunks.
func build(chunks []chunk) *node {
	if len(chunks) == 0 {
		return nil
	}

	var nodes []*node
	for _, part := range partition(len(chunks), MaxLeafChunks) {
		nodes = append(nodes, newLeaf(slices.Clone(chunks[part[0]:part[1]])))
	}
	return fromChildren(nodes)
}

// fromChildren builds the smallest tree over same-height nodes, adding
// levels while there are more nodes than MaxChildren.
func fromChildren(nodes []*node) *node {
	for len(nodes) > MaxChildren {
		next := make([]*node, 0, len(nodes)/MaxChildren+1)
		for _, part := range partition(len(nodes), MaxChildren) {
			next = append(next, newInternal(slices.Clone(nodes[part[0]:part[1]])))
		}
		nodes = next
	}
	if len(nodes) == 1 {
		return nodes[0]
	}
	return newInternal(nodes)
}

// partition splits n items into the fewest groups of at most size items,
// keeping group sizes within one of each other.
func partition(n, size int) [][2]int {
	groups := (n + size - 1) / size
	out := make([][2]int, groups)
	for i := range out {
		out[i] = [2]int{i * n / groups, (i + 1) * n / groups}
	}
	return out
}

// concat joins two trees. The result height is max(l, r) or one more.
func concat(l, r *node) *node {
	switch {
	case l.empty():
		return r
	case r.empty():
		return l
	}

	switch {
	case l.height == r.height:
		return join(l, r)

	case l.height > r.height:
		last := l.children[len(l.children)-1]
		merged := concat(last, r)
		children := slices.Clone(l.children[:len(l.children)-1])
		if merged.height == last.height {
			children = append(children, merged)
		} else {
			children = append(children, merged.children...)
		}
		return fromChildren(children)

	default:
		first := r.children[0]
		merged := concat(l, first)
		var children []*node
		if merged.height == first.height {
			children = append(children, merged)
		} else {
			children = append(children, merged.children...)
		}
		children = append(children, r.children[1:]...)
		return fromChildren(children)
	}
}

// join concatenates two trees of equal height.
func join(l, r *node) *node {
	if !l.isLeaf() {
		children := make([]*node, 0, len(l.children)+len(r.children))
		children = append(children, l.children...)
		children = append(children, r.children...)
		return fromChildren(children)
	}

	chunks := make([]chunk, 0, len(l.chunks)+len(r.chunks))
	chunks = append(chunks, l.chunks...)

	// Fold small boundary chunks together so repeated edits don't fragment.
	first := r.chunks
	if len(chunks) > 0 && len(first) > 0 {
		a, b := chunks[len(chunks)-1], first[0]
		if (len(a.text) < MinChunkSize || len(b.text) < MinChunkSize) &&
			len(a.text)+len(b.text) <= MaxChunkSize {
			chunks[len(chunks)-1] = chunk{text: a.text + b.text, sum: a.sum.Add(b.sum)}
			first = first[1:]
		}
	}
	chunks = append(chunks, first...)

	if len(chunks) <= MaxLeafChunks {
		return newLeaf(chunks)
	}
	return build(chunks)
}

// split divides the tree at a byte offset. Either side may be nil.
// Only the nodes on the path to the offset are rebuilt.
func split(n *node, at int) (*node, *node) {
	switch {
	case n.empty():
		return nil, nil
	case at <= 0:
		return nil, n
	case at >= n.sum.Bytes:
		return n, nil
	}

	if n.isLeaf() {
		return splitLeaf(n, at)
	}

	offset := 0
	for i, child := range n.children {
		end := offset + child.sum.Bytes
		if at > end {
			offset = end
			continue
		}

		var left, right *node
		if i > 0 {
			left = fromChildren(slices.Clone(n.children[:i]))
		}
		if i < len(n.children)-1 {
			right = fromChildren(slices.Clone(n.children[i+1:]))
		}

		cl, cr := split(child, at-offset)
		return concat(left, cl), concat(cr, right)
	}

	return n, nil
}

func splitLeaf(n *node, at int) (*node, *node) {
	offset := 0
	for i, c := range n.chunks {
		end := offset + len(c.text)
		if at > end {
			offset = end
			continue
		}

		cl, cr := c.split(at - offset)

		left := slices.Clone(n.chunks[:i])
		if len(cl.text) > 0 {
			left = append(left, cl)
		}

		var right []chunk
		if len(cr.text) > 0 {
			right = append(right, cr)
		}
		right = append(right, n.chunks[i+1:]...)

		return leafOrNil(left), leafOrNil(right)
	}

	return n, nil
}

func leafOrNil(chunks []chunk) *node {
	if len(chunks) == 0 {
		return nil
	}
	return newLeaf(chunks)
}

// walk visits chunk text in order until fn returns false.
func (n *node) walk(fn func(string) bool) bool {
	if n.isLeaf() {
		for _, c := range n.chunks {
			if !fn(c.text) {
				return false
			}
		}
		return true
	}
	for _, child := range n.children {
		if !child.walk(fn) {
			return false
		}
	}
	return true
}

// appendRange writes the text in [start, end) to sb, skipping subtrees
// outside the range.
func (n *node) appendRange(sb *strings.Builder, start, end int) {
	if n.isLeaf() {
		offset := 0
		for _, c := range n.chunks {
			cEnd := offset + len(c.text)
			if cEnd > start && offset < end {
				sb.WriteString(c.text[max(start-offset, 0):min(end-offset, len(c.text))])
			}
			offset = cEnd
			if offset >= end {
				return
			}
		}
		return
	}

	offset := 0
	for _, child := range n.children {
		cEnd := offset + child.sum.Bytes
		if cEnd > start && offset < end {
			child.appendRange(sb, start-offset, end-offset)
		}
		offset = cEnd
		if offset >= end {
			return
		}
	}
}

// byteAt returns the byte at offset i. The caller guarantees
// 0 <= i < n.sum.Bytes.
func (n *node) byteAt(i int) byte {
	for !n.isLeaf() {
		next := n.children[len(n.children)-1]
		for _, child := range n.children {
			if i < child.sum.Bytes {
				next = child
				break
			}
			i -= child.sum.Bytes
		}
		n = next
	}
	for _, c := range n.chunks {
		if i < len(c.text) {
			return c.text[i]
		}
		i -= len(c.text)
	}
	return 0
}

// newlineOffset returns the byte offset of the k-th newline (1-based).
// The caller guarantees 1 <= k <= n.sum.Lines.
func (n *node) newlineOffset(k int) int {
	offset := 0
	if n.isLeaf() {
		for _, c := range n.chunks {
			if c.sum.Lines < k {
				k -= c.sum.Lines
				offset += len(c.text)
				continue
			}
			for i := 0; i < len(c.text); i++ {
				if c.text[i] == '\n' {
					k--
					if k == 0 {
						return offset + i
					}
				}
			}
		}
		return offset
	}

	for _, child := range n.children {
		if child.sum.Lines < k {
			k -= child.sum.Lines
			offset += child.sum.Bytes
			continue
		}
		return offset + child.newlineOffset(k)
	}
	return offset
}
