package swarm

// splitBatches partitions items into contiguous batches of size batchSize,
// per spec.md §4.4's Batch Split phase.
func splitBatches(items []string, batchSize int) []Batch {
	if batchSize <= 0 {
		batchSize = 25
	}
	var batches []Batch
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, Batch{
			Index:  len(batches),
			Items:  items[i:end],
			Status: batchPending,
		})
	}
	return batches
}
