package history

// TreeNode is one page in the reconstructed branching history of a tab.
// Entry points into the SessionLog it was built from.
type TreeNode struct {
	Entry     *HistoryEntry `json:"entry"`
	Children  []*TreeNode   `json:"children"`
	Depth     int           `json:"depth"`
	IsCurrent bool          `json:"isCurrent"`
}

// BuildTree reconstructs the branching tree for entries with the node that
// represents currentIndex marked current. It returns nil for an empty log.
//
// The walk keeps the path from the root to the most recently placed node.
// A URL already on that path is a return to an earlier page: the path is cut
// back to it and later entries branch from there. Nodes cut off the path keep
// their place in the tree. Only the path is searched, so the same URL on a
// sibling branch produces a new node.
func BuildTree(entries []HistoryEntry, currentIndex int) *TreeNode {
	if len(entries) == 0 {
		return nil
	}

	root := &TreeNode{
		Entry:     &entries[0],
		Children:  []*TreeNode{},
		IsCurrent: currentIndex == 0,
	}
	branch := []*TreeNode{root}

	for i := 1; i < len(entries); i++ {
		e := &entries[i]

		p := -1
		for j, n := range branch {
			if n.Entry.URL == e.URL {
				p = j
				break
			}
		}

		if p >= 0 {
			branch = branch[:p+1]
			if i == currentIndex {
				branch[p].IsCurrent = true
			}
			continue
		}

		parent := branch[len(branch)-1]
		child := &TreeNode{
			Entry:     e,
			Children:  []*TreeNode{},
			Depth:     len(branch),
			IsCurrent: i == currentIndex,
		}
		parent.Children = append(parent.Children, child)
		branch = append(branch, child)
	}

	return root
}

// Walk visits n and its descendants depth first, parents before children.
// Returning false from fn skips the node's subtree.
func (n *TreeNode) Walk(fn func(*TreeNode) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Size returns the number of nodes in the tree.
func (n *TreeNode) Size() int {
	count := 0
	n.Walk(func(*TreeNode) bool {
		count++
		return true
	})
	return count
}

// CurrentNodes returns every node flagged current, in walk order.
func (n *TreeNode) CurrentNodes() []*TreeNode {
	var out []*TreeNode
	n.Walk(func(c *TreeNode) bool {
		if c.IsCurrent {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Clone deep-copies the tree, entries included.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	c := &TreeNode{
		Depth:     n.Depth,
		IsCurrent: n.IsCurrent,
		Children:  make([]*TreeNode, 0, len(n.Children)),
	}
	if n.Entry != nil {
		e := *n.Entry
		c.Entry = &e
	}
	for _, child := range n.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

// SimpleNode is the compact tree shape used in debug dumps.
type SimpleNode struct {
	URL       string        `json:"url"`
	Title     string        `json:"title"`
	IsCurrent bool          `json:"isCurrent"`
	Children  []*SimpleNode `json:"children"`
}

// Simplify drops everything but url, title and the current flag.
func (n *TreeNode) Simplify() *SimpleNode {
	if n == nil {
		return nil
	}
	s := &SimpleNode{IsCurrent: n.IsCurrent, Children: make([]*SimpleNode, 0, len(n.Children))}
	if n.Entry != nil {
		s.URL = n.Entry.URL
		s.Title = n.Entry.Title
	}
	for _, c := range n.Children {
		s.Children = append(s.Children, c.Simplify())
	}
	return s
}
