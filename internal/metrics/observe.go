package metrics

import "github.com/goatdb/goatdb/internal/repository"

// ObserveRepository subscribes to repo's event stream and records commit
// and merge-fallback metrics under the given repo name label, the same
// subscriber pattern internal/audit uses for durability alerts rather than
// repository importing metrics directly. The returned func unsubscribes.
func (m *Metrics) ObserveRepository(name string, repo *repository.Repository) func() {
	events, unsubscribe := repo.Subscribe()
	go func() {
		for ev := range events {
			switch ev.(type) {
			case repository.NewCommit:
				m.RecordCommitAppended(name)
			case repository.MergeFallback:
				m.RecordMergeFallback(name)
			}
		}
	}()
	return unsubscribe
}
