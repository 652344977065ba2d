package app

import "github.com/google/uuid"

// topoSort orders a batch of ChangeSets so every member runs after the batch
// members it depends on. Edges pointing outside the batch are ignored; those
// dependencies are assumed already published. Kahn's algorithm with FIFO
// tie-breaking, so members with no ordering constraint keep their input
// order. Returns ok=false when the batch contains a cycle.
func topoSort(ids []uuid.UUID, dependsOn map[uuid.UUID][]uuid.UUID) (sorted []uuid.UUID, ok bool) {
	inBatch := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		inBatch[id] = true
	}

	dependents := make(map[uuid.UUID][]uuid.UUID, len(ids))
	inDegree := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range dependsOn[id] {
			if inBatch[dep] {
				dependents[dep] = append(dependents[dep], id)
				inDegree[id]++
			}
		}
	}

	var queue []uuid.UUID
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted = make([]uuid.UUID, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) != len(ids) {
		return nil, false
	}
	return sorted, true
}
