package choke

// Group pairs one upload and one download Queue with the contiguous
// slice [first, last) of a ResourceManager's entry list that belongs to
// this group. first == last == -1 means the group currently has no
// entries.
type Group struct {
	Name string
	Up   *Queue
	Down *Queue

	first, last int
}

func newGroup(name string, up, down *Queue) *Group {
	return &Group{Name: name, Up: up, Down: down, first: -1, last: -1}
}

// Range returns the group's current [first, last) slice bounds into the
// owning ResourceManager's entries. Both are -1 when the group is empty.
func (g *Group) Range() (first, last int) { return g.first, g.last }

func (g *Group) isEmpty() bool { return g.first == -1 }
