package task

// NormalizeDependencies rewrites legacy dependency lists that reference global
// task ids into projectSequence references.
//
// Detection is per the export/import compatibility rule: if every referenced
// id is ≤ the project's maximum projectSequence, the list already holds
// sequences and is left alone. Otherwise ids are remapped through the
// project's id→sequence table; references to unknown ids are dropped.
func NormalizeDependencies(tasks []Task) {
	maxSeq := 0
	idToSeq := make(map[int64]int, len(tasks))
	for i := range tasks {
		if tasks[i].ProjectSequence > maxSeq {
			maxSeq = tasks[i].ProjectSequence
		}
		if tasks[i].ID != 0 {
			idToSeq[tasks[i].ID] = tasks[i].ProjectSequence
		}
	}

	legacy := false
	for i := range tasks {
		for _, dep := range tasks[i].DependencySequences() {
			if dep > maxSeq {
				legacy = true
				break
			}
		}
		if legacy {
			break
		}
	}
	if !legacy {
		return
	}

	remap := func(deps []int) []int {
		out := deps[:0]
		for _, dep := range deps {
			if dep <= maxSeq {
				// Mixed lists keep in-range values as sequences.
				out = append(out, dep)
				continue
			}
			if seq, ok := idToSeq[int64(dep)]; ok {
				out = append(out, seq)
			}
		}
		return out
	}

	for i := range tasks {
		tasks[i].Dependencies = remap(tasks[i].Dependencies)
		if tc := tasks[i].TriggerConfig; tc != nil && tc.DependsOn != nil {
			tc.DependsOn.TaskIDs = remap(tc.DependsOn.TaskIDs)
		}
	}
}
