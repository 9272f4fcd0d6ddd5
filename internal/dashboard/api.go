package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/engine"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/state"
	psync "github.com/pilesync/pilesync/internal/sync"
)

// Controller is the part of the engine the API drives.
type Controller interface {
	Piles() []string
	Status(pile string) (*engine.Status, error)
	Sync(ctx context.Context, pile string, mode psync.Mode) (*psync.Result, error)
	TriggerSync(pile string) error
	ListConflicts(pile string, all bool) ([]*conflict.Conflict, error)
	InspectConflict(pile, postID string) (*conflict.Inspection, error)
	ResolveConflict(pile, postID string, res conflict.Resolution) (*conflict.Conflict, error)
	Rescan(pile string) (int, error)
	QueuedOperations(pile string) ([]queue.Operation, error)
	ClearQueue(pile string) (int, error)
}

// BlobSource serves objects behind signed URLs.
type BlobSource interface {
	VerifyToken(token string) (string, error)
	Get(ctx context.Context, key string, w io.Writer) error
}

type pileKey struct{}

// requirePile rejects API requests without a pile query parameter.
func requirePile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pile := r.URL.Query().Get("pile")
		if pile == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("pile parameter is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pileKey{}, pile)))
	})
}

func pileFrom(r *http.Request) string {
	pile, _ := r.Context().Value(pileKey{}).(string)
	return pile
}

// SyncResponse summarizes a sync run.
type SyncResponse struct {
	Mode      string   `json:"mode"`
	Pulled    int      `json:"pulled"`
	Pushed    int      `json:"pushed"`
	Kept      int      `json:"kept"`
	Conflicts int      `json:"conflicts"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// NewSyncResponse summarizes res.
func NewSyncResponse(res *psync.Result) SyncResponse {
	out := SyncResponse{Mode: string(res.Mode), Conflicts: len(res.Conflicts())}
	if res.Pull != nil {
		out.Pulled = res.Pull.Written + res.Pull.Trashed
		out.Kept = res.Pull.Kept
		out.Failed += len(res.Pull.Errors)
		for _, err := range res.Pull.Errors {
			out.Errors = append(out.Errors, err.Error())
		}
	}
	if res.Push != nil {
		out.Pushed = res.Push.Pushed
		out.Failed += res.Push.Failed
		for _, err := range res.Push.Errors {
			out.Errors = append(out.Errors, err.Error())
		}
	}
	return out
}

// InspectResponse is a conflict with both versions and their diff.
type InspectResponse struct {
	Conflict      *conflict.Conflict `json:"conflict"`
	LocalContent  string             `json:"localContent"`
	RemoteContent string             `json:"remoteContent"`
	Patch         string             `json:"patch"`
}

// ResolveRequest is the body of a resolve call.
type ResolveRequest struct {
	Choice        string `json:"choice"`
	MergedContent string `json:"mergedContent,omitempty"`
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(pileFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSync handles POST /api/sync. With async=true the sync runs in the
// background and its outcome arrives as events.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	pile := pileFrom(r)
	mode, err := psync.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if err := s.engine.TriggerSync(pile); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	res, err := s.engine.Sync(r.Context(), pile, mode)
	if res == nil || errors.Is(err, state.ErrNotLinked) {
		s.writeError(w, err)
		return
	}
	resp := NewSyncResponse(res)
	if err != nil && len(resp.Errors) == 0 {
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListConflicts handles GET /api/conflicts.
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.engine.ListConflicts(pileFrom(r), r.URL.Query().Get("all") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// handleInspectConflict handles GET /api/conflicts/{postID}.
func (s *Server) handleInspectConflict(w http.ResponseWriter, r *http.Request) {
	in, err := s.engine.InspectConflict(pileFrom(r), chi.URLParam(r, "postID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InspectResponse{
		Conflict:      in.Conflict,
		LocalContent:  in.Conflict.LocalContent,
		RemoteContent: in.Conflict.RemoteContent,
		Patch:         in.Patch,
	})
}

// handleResolveConflict handles POST /api/conflicts/{postID}/resolve.
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	choice, err := conflict.ParseChoice(req.Choice)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if choice == conflict.ChoiceMerged && req.MergedContent == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("merged resolution requires mergedContent"))
		return
	}

	c, err := s.engine.ResolveConflict(pileFrom(r), chi.URLParam(r, "postID"), conflict.Resolution{
		Choice:        choice,
		MergedContent: req.MergedContent,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleRescan handles POST /api/rescan.
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Rescan(pileFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}

// handleListQueue handles GET /api/queue.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.engine.QueuedOperations(pileFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ops == nil {
		ops = []queue.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// handleClearQueue handles DELETE /api/queue.
func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearQueue(pileFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleBlob handles GET /blobs/*?token=. The token must grant exactly the
// requested key.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	granted, err := s.blobs.VerifyToken(r.URL.Query().Get("token"))
	if err != nil || granted != key {
		writeJSON(w, http.StatusForbidden, errorResponse("invalid or expired token"))
		return
	}

	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "private, max-age=300")

	if err := s.blobs.Get(r.Context(), key, w); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("object not found"))
			return
		}
		s.logger.Warn("failed to serve blob", "key", key, "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotLinked):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, engine.ErrPileLocked):
		writeJSON(w, http.StatusLocked, errorResponse(err.Error()))
	case errors.Is(err, conflict.ErrNoConflict):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
	default:
		s.logger.Warn("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
