package coordinator

import (
	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// Plan partitions accounts into ceil(len(accounts)/batchSize) batches,
// preserving order. Every batch starts PENDING with no attempts.
func Plan(runID string, accounts []string, batchSize int) []model.Batch {
	if batchSize <= 0 || len(accounts) == 0 {
		return nil
	}

	n := (len(accounts) + batchSize - 1) / batchSize
	batches := make([]model.Batch, 0, n)
	for i := 0; i < n; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		logins := make([]string, end-start)
		copy(logins, accounts[start:end])

		batches = append(batches, model.Batch{
			ID:     model.BatchID(runID, i),
			Index:  i,
			Logins: logins,
			Status: model.BatchPending,
		})
	}
	return batches
}
