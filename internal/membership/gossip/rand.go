package gossip

import "math/rand"

// randIndexes returns up to generate distinct random indexes into a slice
// of length items. If generate exceeds items, only items indexes are
// produced.
func randIndexes(items, generate int) []int {
	num := generate
	if num > items {
		num = items
	}

	return rand.Perm(items)[:num]
}
