package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entriesFor(urls ...string) []HistoryEntry {
	base := time.UnixMilli(1_700_000_000_000)
	out := make([]HistoryEntry, 0, len(urls))
	for i, u := range urls {
		kind := KindNavigation
		if i == 0 {
			kind = KindInitial
		}
		out = append(out, NewEntry(u, "", kind, base.Add(time.Duration(i)*time.Second), DefaultNavInfo()))
	}
	return out
}

// shape renders a tree as nested url lists for easy comparison.
func shape(n *TreeNode) map[string]any {
	if n == nil {
		return nil
	}
	children := make([]any, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, shape(c))
	}
	return map[string]any{
		"url":      n.Entry.URL,
		"depth":    n.Depth,
		"current":  n.IsCurrent,
		"children": children,
	}
}

const (
	urlA = "https://a.example/"
	urlB = "https://b.example/page"
	urlC = "https://c.example/"
	urlD = "https://d.example/x?y=1"
)

func TestBuildTree_Empty(t *testing.T) {
	assert.Nil(t, BuildTree(nil, 0))
	assert.Nil(t, BuildTree([]HistoryEntry{}, 3))
}

func TestBuildTree_SingleEntry(t *testing.T) {
	tree := BuildTree(entriesFor(urlA), 0)
	require.NotNil(t, tree)
	assert.True(t, tree.IsCurrent)
	assert.Empty(t, tree.Children)
	assert.Equal(t, 0, tree.Depth)
}

func TestBuildTree_Linear(t *testing.T) {
	tree := BuildTree(entriesFor(urlA, urlB, urlC), 2)
	require.NotNil(t, tree)

	require.Len(t, tree.Children, 1)
	b := tree.Children[0]
	assert.Equal(t, urlB, b.Entry.URL)
	assert.Equal(t, 1, b.Depth)
	require.Len(t, b.Children, 1)
	c := b.Children[0]
	assert.Equal(t, urlC, c.Entry.URL)
	assert.Equal(t, 2, c.Depth)
	assert.True(t, c.IsCurrent)
	assert.False(t, tree.IsCurrent)
	assert.False(t, b.IsCurrent)
}

func TestBuildTree_BranchDetection(t *testing.T) {
	// A -> B -> C -> back to B
	tree := BuildTree(entriesFor(urlA, urlB, urlC, urlB), 3)
	require.NotNil(t, tree)

	require.Len(t, tree.Children, 1)
	b := tree.Children[0]
	assert.Equal(t, urlB, b.Entry.URL)
	assert.True(t, b.IsCurrent)
	require.Len(t, b.Children, 1)
	assert.Equal(t, urlC, b.Children[0].Entry.URL)
	assert.False(t, b.Children[0].IsCurrent)
	assert.Equal(t, 3, tree.Size())
}

func TestBuildTree_BranchesFromRevisit(t *testing.T) {
	// A -> B -> C, back to B, then D: B gets two children
	tree := BuildTree(entriesFor(urlA, urlB, urlC, urlB, urlD), 4)
	require.NotNil(t, tree)

	b := tree.Children[0]
	require.Len(t, b.Children, 2)
	assert.Equal(t, urlC, b.Children[0].Entry.URL)
	assert.Equal(t, urlD, b.Children[1].Entry.URL)
	assert.Equal(t, 2, b.Children[1].Depth)
	assert.True(t, b.Children[1].IsCurrent)
	assert.Len(t, tree.CurrentNodes(), 1)
}

func TestBuildTree_SearchIsBranchLocal(t *testing.T) {
	// A -> B -> C, back to A, then D, then C. The earlier C sits on a
	// different branch, so it is not reused.
	tree := BuildTree(entriesFor(urlA, urlB, urlC, urlA, urlD, urlC), 5)
	require.NotNil(t, tree)

	require.Len(t, tree.Children, 2)
	d := tree.Children[1]
	assert.Equal(t, urlD, d.Entry.URL)
	require.Len(t, d.Children, 1)
	assert.Equal(t, urlC, d.Children[0].Entry.URL)
	assert.True(t, d.Children[0].IsCurrent)
	assert.Equal(t, 5, tree.Size())
}

func TestBuildTree_CurrentOnEarlierIndexOfRevisitedNode(t *testing.T) {
	// Current index points at the first visit of A; the later return to A
	// must not clear it.
	tree := BuildTree(entriesFor(urlA, urlB, urlA, urlC), 0)
	require.NotNil(t, tree)
	current := tree.CurrentNodes()
	require.Len(t, current, 1)
	assert.Same(t, tree, current[0])
}

func TestBuildTree_CurrentOnDroppedBranch(t *testing.T) {
	// Current index points at B, which the later return to A cuts off the
	// walk path. B keeps the flag.
	tree := BuildTree(entriesFor(urlA, urlB, urlA), 1)
	require.NotNil(t, tree)
	current := tree.CurrentNodes()
	require.Len(t, current, 1)
	assert.Equal(t, urlB, current[0].Entry.URL)
}

func TestBuildTree_ExactURLMatch(t *testing.T) {
	tree := BuildTree(entriesFor(urlA, urlA+"#frag", "https://A.example/"), 2)
	require.NotNil(t, tree)
	assert.Equal(t, 3, tree.Size())
}

func TestBuildTree_SingleCurrentForEveryIndex(t *testing.T) {
	logs := [][]string{
		{urlA, urlB, urlC, urlB, urlD, urlA, urlC},
		{urlA, urlA, urlA},
		{urlA, urlB, urlA, urlB, urlA},
		{urlA, urlB, urlC, urlD, urlC, urlB, urlA, urlD},
	}
	for _, urls := range logs {
		entries := entriesFor(urls...)
		for ci := range entries {
			tree := BuildTree(entries, ci)
			require.NotNil(t, tree)
			current := tree.CurrentNodes()
			require.Len(t, current, 1, "urls=%v ci=%d", urls, ci)
			assert.Equal(t, entries[ci].URL, current[0].Entry.URL)
		}
	}
}

func TestBuildTree_Idempotent(t *testing.T) {
	entries := entriesFor(urlA, urlB, urlC, urlB, urlD, urlA, urlC)
	for ci := range entries {
		first := BuildTree(entries, ci)
		second := BuildTree(entries, ci)
		assert.Equal(t, shape(first), shape(second))

		a, err := json.Marshal(first)
		require.NoError(t, err)
		b, err := json.Marshal(second)
		require.NoError(t, err)
		assert.JSONEq(t, string(a), string(b))
	}
}

func TestBuildTree_DoesNotMutateEntries(t *testing.T) {
	entries := entriesFor(urlA, urlB, urlC, urlB)
	before := append([]HistoryEntry(nil), entries...)
	BuildTree(entries, 3)
	assert.Equal(t, before, entries)
}

func TestTreeNode_CloneIsIndependent(t *testing.T) {
	entries := entriesFor(urlA, urlB)
	tree := BuildTree(entries, 1)
	clone := tree.Clone()

	clone.Children[0].IsCurrent = false
	clone.Children[0].Entry.Title = "changed"

	assert.True(t, tree.Children[0].IsCurrent)
	assert.Equal(t, "b.example", entries[1].Title)
	assert.Equal(t, shape(tree)["url"], shape(clone)["url"])
}

func TestTreeNode_Simplify(t *testing.T) {
	tree := BuildTree(entriesFor(urlA, urlB, urlC, urlB), 3)
	s := tree.Simplify()
	require.NotNil(t, s)
	assert.Equal(t, urlA, s.URL)
	assert.Equal(t, "a.example", s.Title)
	require.Len(t, s.Children, 1)
	assert.True(t, s.Children[0].IsCurrent)
	assert.Len(t, s.Children[0].Children, 1)

	var nilTree *TreeNode
	assert.Nil(t, nilTree.Simplify())
}
