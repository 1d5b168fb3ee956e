package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/render"
	"github.com/youssefsiam38/chatcompact/storage"
	"github.com/youssefsiam38/chatcompact/types"
)

// Error messages returned to clients.
const (
	msgInvalidJSON        = "Invalid JSON body"
	msgMissingMessages    = "Missing messages for compression"
	msgModelNotConfigured = "Compression model not configured"
	msgThreadNotFound     = "Thread not found"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PayloadRequest is the body of POST /api/payload.
type PayloadRequest struct {
	Messages       []*types.Message           `json:"messages"`
	PinnedMessages []compaction.PinnedMessage `json:"pinnedMessages"`
	Artifacts      []compaction.Artifact      `json:"artifacts"`
	Snapshot       *compaction.Snapshot       `json:"snapshot"`
	Config         compaction.Config          `json:"config"`

	// ModelID selects a configured model whose context window becomes the
	// budget when the config sets none.
	ModelID string `json:"modelId,omitempty"`
}

// PayloadResponse is the body of a successful POST /api/payload.
type PayloadResponse struct {
	Messages            []*types.Message `json:"messages"`
	PinnedMessageIDs    []string         `json:"pinnedMessageIds"`
	ArtifactIDs         []string         `json:"artifactIds"`
	SurvivingMessageIDs []string         `json:"survivingMessageIds"`
	Usage               compaction.Usage `json:"usage"`
	ShouldCompress      bool             `json:"shouldCompress"`
	OverBudget          bool             `json:"overBudget"`
}

// ThreadCompressionResponse is the body of GET /api/threads/{id}/compression.
type ThreadCompressionResponse struct {
	ThreadID string                     `json:"threadId"`
	State    *compaction.PersistedState `json:"state"`

	// SummariesHTML maps artifact IDs to rendered summaries. Only set for
	// ?format=html.
	SummariesHTML map[string]string `json:"summariesHtml,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (rt *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req compaction.CompressRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	start := time.Now()
	resp, err := rt.handler.Compress(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, compaction.ErrNoMessagesToCompact):
			writeError(w, http.StatusBadRequest, msgMissingMessages)
		case errors.Is(err, compaction.ErrModelNotConfigured):
			writeError(w, http.StatusBadRequest, msgModelNotConfigured)
		case errors.Is(err, compaction.ErrInvalidConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			rt.logger.Error("compress request failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	rt.metrics.ObserveSummarize(time.Since(start))

	writeJSON(w, http.StatusOK, resp)
}

func (rt *router) handlePayload(w http.ResponseWriter, r *http.Request) {
	var req PayloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var model *compaction.Model
	if req.ModelID != "" {
		for i := range rt.models {
			if rt.models[i].ID == req.ModelID {
				model = &rt.models[i]
				break
			}
		}
		if model == nil {
			writeError(w, http.StatusBadRequest, "Unknown model: "+req.ModelID)
			return
		}
	}

	var responseTokens *int
	if model != nil && model.MaxOutputTokens > 0 {
		responseTokens = compaction.IntPtr(model.MaxOutputTokens)
	}

	p := compaction.BuildPayload(compaction.PayloadInput{
		Messages:                req.Messages,
		Pinned:                  req.PinnedMessages,
		Artifacts:               req.Artifacts,
		Snapshot:                req.Snapshot,
		Config:                  req.Config.Normalize(model),
		Estimator:               rt.estimator,
		EstimatedResponseTokens: responseTokens,
		Now:                     time.Now().UTC(),
	})

	writeJSON(w, http.StatusOK, PayloadResponse{
		Messages:            nonNil(p.Messages),
		PinnedMessageIDs:    nonNil(p.PinnedMessageIDs),
		ArtifactIDs:         nonNil(p.ArtifactIDs),
		SurvivingMessageIDs: nonNil(p.SurvivingMessageIDs),
		Usage:               p.Usage,
		ShouldCompress:      p.ShouldCompress,
		OverBudget:          p.OverBudget,
	})
}

func (rt *router) handleThreadCompression(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	thread, err := rt.store.GetThread(r.Context(), threadID)
	if errors.Is(err, storage.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, msgThreadNotFound)
		return
	}
	if err != nil {
		rt.logger.Error("failed to load thread", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := ThreadCompressionResponse{ThreadID: threadID}
	if raw, ok := thread.Metadata[compaction.MetadataKey]; ok && len(raw) > 0 {
		var ps compaction.PersistedState
		if err := json.Unmarshal(raw, &ps); err != nil {
			rt.logger.Error("stored compression state is corrupt", "thread_id", threadID, "error", err)
			writeError(w, http.StatusInternalServerError, "Stored compression state is corrupt")
			return
		}
		resp.State = &ps
	}

	if r.URL.Query().Get("format") == "html" && resp.State != nil {
		resp.SummariesHTML = make(map[string]string, len(resp.State.Artifacts))
		for _, a := range resp.State.Artifacts {
			html, err := render.Markdown(a.Summary)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp.SummariesHTML[a.ID] = html
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
