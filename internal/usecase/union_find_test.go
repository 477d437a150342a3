package usecase

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"EdgeRefresh/internal/domain/models"
)

func TestUnionFind_Components(t *testing.T) {
	u := newUnionFind(0)
	u.union("a", "b")
	u.union("c", "d")
	u.union("b", "d")
	u.add("e")

	comps := u.components()
	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })

	assert.Equal(t, [][]models.EdgeID{{"a", "b", "c", "d"}, {"e"}}, comps)
	assert.Equal(t, u.find("a"), u.find("c"))
	assert.NotEqual(t, u.find("a"), u.find("e"))
}
