package store

// tree is the in-memory hierarchy. Inner nodes are map[string]any; anything
// else, including arrays, is a leaf.
type tree struct {
	root map[string]any
}

func newTree() *tree {
	return &tree{root: map[string]any{}}
}

func (t *tree) get(segs []string) any {
	var cur any = t.root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur = m[s]; cur == nil {
			return nil
		}
	}
	return cur
}

// set replaces the node at segs. A nil value deletes it and prunes ancestors
// left empty; a non-nil value turns any leaf ancestor into an inner node.
func (t *tree) set(segs []string, value any) {
	if len(segs) == 0 {
		if m, ok := value.(map[string]any); ok {
			t.root = m
		} else {
			t.root = map[string]any{}
		}
		return
	}

	parents := []map[string]any{t.root}
	m := t.root
	for _, s := range segs[:len(segs)-1] {
		child, ok := m[s].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			child = map[string]any{}
			m[s] = child
		}
		m = child
		parents = append(parents, m)
	}

	last := segs[len(segs)-1]
	if value != nil {
		m[last] = value
		return
	}
	delete(m, last)
	for i := len(parents) - 1; i > 0; i-- {
		if len(parents[i]) > 0 {
			break
		}
		delete(parents[i-1], segs[i-1])
	}
}
