package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goatdb/goatdb/internal/bloomfilter"
	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/repository"
	"github.com/goatdb/goatdb/internal/sync"
)

// roundRequest/roundResponse collapse §4.8's two symmetric messages (A's
// Message, B's Message-plus-commits reply) into one HTTP exchange: the
// request carries the caller's filter AND any commits it already computed
// the callee needs (from a prior round), and the response carries the
// callee's filter plus the commits it computes the caller needs. A fresh
// caller with nothing yet to push simply leaves Push empty.
type roundRequest struct {
	Filter       []byte          `json:"filter"`
	Size         int             `json:"size"`
	Cycles       int             `json:"cycles"`
	BuildVersion string          `json:"build_version"`
	Push         []*commit.Commit `json:"push,omitempty"`
}

type roundResponse struct {
	Filter       []byte          `json:"filter"`
	Size         int             `json:"size"`
	BuildVersion string          `json:"build_version"`
	Push         []*commit.Commit `json:"push,omitempty"`
	Accepted     int             `json:"accepted"`
}

type syncHandler struct {
	server *Server
}

func (h *syncHandler) round(w http.ResponseWriter, r *http.Request) {
	repoName := chi.URLParam(r, "repo")
	repo, ok := h.server.repoByName(repoName)
	if !ok {
		http.Error(w, "unknown repository", http.StatusNotFound)
		return
	}

	var req roundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed sync message: "+err.Error(), http.StatusBadRequest)
		return
	}

	peer := r.Header.Get("X-GoatDB-Peer")
	if peer == "" {
		peer = r.RemoteAddr
	}

	accepted, err := repo.PersistCommits(req.Push, peer)
	if err != nil {
		var stateErr *repository.RepoStateError
		if errors.As(err, &stateErr) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	peerFilter, err := bloomfilter.Deserialize(req.Filter)
	if err != nil {
		http.Error(w, "malformed bloom filter: "+err.Error(), http.StatusBadRequest)
		return
	}

	local := repo.AllCommits()
	push := sync.MissingCommits(local, peerFilter, sync.MaxBatchCommits)

	ids := make([]string, len(local))
	for i, c := range local {
		ids[i] = c.ID
	}
	msg := sync.BuildMessage(ids, 3, h.server.buildVersion)

	resp := roundResponse{
		Filter:       msg.Filter.Serialize(),
		Size:         msg.Size,
		BuildVersion: h.server.buildVersion,
		Push:         push,
		Accepted:     accepted,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.server.logger.Error("encoding sync response", "error", err)
	}
}
