package knn

import (
	"github.com/23skdu/distknn/internal/engine"
)

// mergeAll reduces the per-host top-k of every query row into a global top-k.
// Equal distances favour the lower global index.
func mergeAll(results []*engine.Result, k int) *engine.Result {
	rows := results[0].Rows
	out := engine.NewResult(rows, k)
	sel := engine.NewTopK(k)
	for i := 0; i < rows; i++ {
		sel.Reset()
		for _, r := range results {
			dists, idx := r.Row(i)
			for j := range idx {
				sel.Push(dists[j], idx[j])
			}
		}
		dists, idx := out.Row(i)
		sel.Fill(dists, idx)
	}
	return out
}

func merge(mode MergeMode, results []*engine.Result, k int) *engine.Result {
	if mode == MergePrimary || len(results) == 1 {
		return results[0]
	}
	return mergeAll(results, k)
}
