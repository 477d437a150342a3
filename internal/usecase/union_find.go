package usecase

import "EdgeRefresh/internal/domain/models"

// unionFind is a disjoint-set forest with path halving and union by size.
type unionFind struct {
	parent map[models.EdgeID]models.EdgeID
	size   map[models.EdgeID]int
}

func newUnionFind(capacity int) *unionFind {
	return &unionFind{
		parent: make(map[models.EdgeID]models.EdgeID, capacity),
		size:   make(map[models.EdgeID]int, capacity),
	}
}

func (u *unionFind) add(x models.EdgeID) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		u.size[x] = 1
	}
}

func (u *unionFind) find(x models.EdgeID) models.EdgeID {
	u.add(x)
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b models.EdgeID) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}

// components returns every set with members sorted.
func (u *unionFind) components() [][]models.EdgeID {
	byRoot := make(map[models.EdgeID][]models.EdgeID)
	for x := range u.parent {
		r := u.find(x)
		byRoot[r] = append(byRoot[r], x)
	}
	out := make([][]models.EdgeID, 0, len(byRoot))
	for _, members := range byRoot {
		models.SortEdges(members)
		out = append(out, members)
	}
	return out
}
