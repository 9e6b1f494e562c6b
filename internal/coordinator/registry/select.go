package registry

// SelectNode picks the dispatch target from a snapshot: the healthy node
// with the fewest currently-assigned jobs, ties broken by name order for
// determinism. Nodes named in exclude (already tried this dispatch round)
// are skipped. It is a pure function over the snapshot so node-selection
// policy stays testable without any network in the way.
func SelectNode(nodes []Node, exclude map[string]bool) (Node, bool) {
	var best Node
	found := false

	for _, n := range nodes {
		if !n.Healthy || exclude[n.Name] {
			continue
		}
		if !found || less(n, best) {
			best = n
			found = true
		}
	}

	return best, found
}

func less(a, b Node) bool {
	if a.Assigned != b.Assigned {
		return a.Assigned < b.Assigned
	}
	return a.Name < b.Name
}
