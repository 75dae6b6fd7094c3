package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchdb/pkg/logger"
	"branchdb/pkg/models"
)

func init() {
	logger.Init()
}

func msg(id, parent string, idx int) models.Message {
	return models.Message{ID: id, Conversation: "c1", Role: models.RoleUser, ParentID: parent, BranchIndex: idx}
}

func TestBuildFlatListAllRoots(t *testing.T) {
	msgs := []models.Message{msg("a", "", 0), msg("b", "", 0), msg("c", "", 0)}
	forest := Build(msgs, "")
	require.Len(t, forest, 3)
	for i, n := range forest {
		assert.Equal(t, msgs[i].ID, n.Message.ID)
		assert.Equal(t, 0, n.Depth)
		assert.Empty(t, n.Children)
	}
}

func TestBuildSiblingsPreserveInputOrder(t *testing.T) {
	msgs := []models.Message{msg("a", "", 0), msg("b", "a", 0), msg("c", "a", 1)}
	forest := Build(msgs, "")
	require.Len(t, forest, 1)
	root := forest[0]
	require.Equal(t, "a", root.Message.ID)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "b", root.Children[0].Message.ID)
	assert.Equal(t, "c", root.Children[1].Message.ID)
	assert.Equal(t, 1, root.Children[0].Depth)
	assert.Equal(t, 1, root.Children[1].Depth)
}

func TestBuildUnknownParentBecomesRoot(t *testing.T) {
	msgs := []models.Message{msg("a", "", 0), msg("b", "x", 0)}
	forest := Build(msgs, "")
	require.Len(t, forest, 2)
	assert.Equal(t, "a", forest[0].Message.ID)
	assert.Equal(t, "b", forest[1].Message.ID)
	assert.Equal(t, 0, forest[1].Depth)
}

func TestBuildSelfCycleDropped(t *testing.T) {
	forest := Build([]models.Message{msg("a", "a", 0)}, "")
	// self-parent is treated as a root rather than recursing forever
	require.Len(t, forest, 1)
	assert.Equal(t, "a", forest[0].Message.ID)
	assert.Empty(t, forest[0].Children)
}

func TestBuildTwoNodeCycleDropped(t *testing.T) {
	msgs := []models.Message{msg("a", "b", 0), msg("b", "a", 0), msg("r", "", 0)}
	forest := Build(msgs, "")
	require.Len(t, forest, 1)
	assert.Equal(t, "r", forest[0].Message.ID)
	assert.Equal(t, 1, Count(forest))
}

func TestBuildActiveMarksExactlyOne(t *testing.T) {
	msgs := []models.Message{msg("a", "", 0), msg("b", "a", 0), msg("c", "a", 1)}
	forest := Build(msgs, "b")
	actives := 0
	for _, m := range []*Node{forest[0], forest[0].Children[0], forest[0].Children[1]} {
		if m.Active {
			actives++
			assert.Equal(t, "b", m.Message.ID)
		}
	}
	assert.Equal(t, 1, actives)

	forest = Build(msgs, "nope")
	for _, m := range Flatten(forest) {
		_ = m
	}
	assert.Nil(t, Find(forest, "nope"))
}

func TestBuildDepthEqualsAncestorCount(t *testing.T) {
	msgs := []models.Message{
		msg("a", "", 0),
		msg("b", "a", 0),
		msg("c", "b", 0),
		msg("d", "c", 0),
	}
	forest := Build(msgs, "")
	require.Len(t, forest, 1)
	n := forest[0]
	for want := 0; ; want++ {
		assert.Equal(t, want, n.Depth)
		if len(n.Children) == 0 {
			assert.Equal(t, 3, want)
			break
		}
		n = n.Children[0]
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	msgs := []models.Message{
		msg("a", "", 0),
		msg("b", "a", 0),
		msg("c", "a", 1),
		msg("d", "b", 0),
		msg("e", "", 0),
	}
	forest := Build(msgs, "")
	flat := Flatten(forest)
	require.Equal(t, len(msgs), len(flat))
	seen := map[string]int{}
	for _, m := range flat {
		seen[m.ID]++
	}
	for _, m := range msgs {
		assert.Equal(t, 1, seen[m.ID], "message %s should appear exactly once", m.ID)
	}
	assert.Equal(t, len(msgs), Count(forest))
}

func TestBuildIdempotent(t *testing.T) {
	msgs := []models.Message{msg("a", "", 0), msg("b", "a", 0), msg("c", "a", 1), msg("d", "c", 0)}
	f1 := Build(msgs, "c")
	f2 := Build(msgs, "c")
	assert.Equal(t, f1, f2)
}

func TestFindLocatesNestedNode(t *testing.T) {
	msgs := []models.Message{msg("a", "", 0), msg("b", "a", 0), msg("c", "b", 0)}
	forest := Build(msgs, "")
	n := Find(forest, "c")
	require.NotNil(t, n)
	assert.Equal(t, 2, n.Depth)
	assert.Nil(t, Find(forest, "zz"))
}
