package query

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/goatdb/goatdb/internal/repository"
)

// cacheFormatVersion is bumped whenever the on-disk shape changes
// incompatibly; a mismatch is treated the same as a cache_key mismatch.
const cacheFormatVersion = 1

// onDiskCache is the §6 on-disk query cache document:
// {version, cache_key, last_processed_age, results}.
type onDiskCache struct {
	Version          int      `json:"version"`
	CacheKey         string   `json:"cache_key"`
	LastProcessedAge uint64   `json:"last_processed_age"`
	Results          []Result `json:"results"`
}

// Save persists path atomically (write-temp-then-rename, matching
// internal/commitlog's durability habit of never leaving a half-written
// file where a reader might find it).
func (q *Query) Save(path string) error {
	q.mu.RLock()
	doc := onDiskCache{
		Version:          cacheFormatVersion,
		CacheKey:         q.cacheKey,
		LastProcessedAge: q.lastProcessedAge,
		Results:          q.results,
	}
	q.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadCache reads path and validates it against cacheKey and repo's current
// commit set (§4.9: "validated against cache_key and the head/age
// boundary"). An absent file, a cache_key mismatch, a corrupt document, or a
// remembered head_id the repository no longer holds all resolve the same
// way: (0, nil, nil), a clean instruction to rescan from the beginning
// rather than an Open-time failure -- QueryError{CacheInvalid} is for Run's
// internal bookkeeping, not a reason to refuse to open a query.
func loadCache(path, cacheKey string, repo *repository.Repository) (uint64, []Result, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	var doc onDiskCache
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, nil, nil
	}
	if doc.Version != cacheFormatVersion || doc.CacheKey != cacheKey {
		return 0, nil, nil
	}
	for _, r := range doc.Results {
		if !repo.HasCommit(r.HeadID) {
			return 0, nil, nil
		}
	}
	return doc.LastProcessedAge, doc.Results, nil
}
