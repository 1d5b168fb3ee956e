package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/youssefsiam38/chatcompact/types"
)

const tracerName = "github.com/youssefsiam38/chatcompact/compaction"

// Handler defaults.
const (
	DefaultRecentMessageFloor = 6
	DefaultMaxArtifacts       = 3
)

// CompressRequest is the body of a compaction request.
type CompressRequest struct {
	Messages       []*types.Message `json:"messages"`
	PinnedMessages []PinnedMessage  `json:"pinnedMessages"`
	Artifacts      []Artifact       `json:"artifacts"`
	Snapshot       *Snapshot        `json:"snapshot"`
	Config         Config           `json:"config"`
	Usage          *Usage           `json:"usage,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// CompressResponse is the result of a compaction request.
type CompressResponse struct {
	Snapshot       Snapshot        `json:"snapshot"`
	Artifacts      []Artifact      `json:"artifacts"`
	Usage          Usage           `json:"usage"`
	PinnedMessages []PinnedMessage `json:"pinnedMessages"`
}

// CompressionHandler is the LLM-backed summarizer. Failures are returned to
// the caller; it never falls back to the local summarizer.
type CompressionHandler struct {
	generator    Generator
	model        string
	estimator    TokenEstimator
	logger       Logger
	tracer       trace.Tracer
	recentFloor  int
	maxArtifacts int
	now          func() time.Time
}

// HandlerOption configures a CompressionHandler.
type HandlerOption func(*CompressionHandler)

// WithHandlerModel sets the model used when a request does not name one.
func WithHandlerModel(model string) HandlerOption {
	return func(h *CompressionHandler) { h.model = model }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger Logger) HandlerOption {
	return func(h *CompressionHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerEstimator sets the token estimator.
func WithHandlerEstimator(e TokenEstimator) HandlerOption {
	return func(h *CompressionHandler) { h.estimator = e }
}

// WithRecentMessageFloor sets how many of the newest messages always survive.
func WithRecentMessageFloor(n int) HandlerOption {
	return func(h *CompressionHandler) { h.recentFloor = n }
}

// WithMaxArtifacts caps the number of new artifacts per run.
func WithMaxArtifacts(n int) HandlerOption {
	return func(h *CompressionHandler) { h.maxArtifacts = n }
}

// WithHandlerClock sets the clock.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *CompressionHandler) { h.now = now }
}

// NewCompressionHandler creates a handler backed by gen. gen may be nil, in
// which case every request fails with ErrModelNotConfigured.
func NewCompressionHandler(gen Generator, opts ...HandlerOption) *CompressionHandler {
	h := &CompressionHandler{
		generator:    gen,
		estimator:    CharEstimator{},
		logger:       noopLogger{},
		tracer:       otel.Tracer(tracerName),
		recentFloor:  DefaultRecentMessageFloor,
		maxArtifacts: DefaultMaxArtifacts,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Compress runs one remote compaction pass.
func (h *CompressionHandler) Compress(ctx context.Context, req *CompressRequest) (*CompressResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, ErrNoMessagesToCompact
	}
	model := req.Config.Model
	if model == "" {
		model = h.model
	}
	if h.generator == nil {
		return nil, ErrModelNotConfigured
	}
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}

	ctx, span := h.tracer.Start(ctx, "compaction.compress",
		trace.WithAttributes(
			attribute.Int("message_count", len(req.Messages)),
			attribute.Int("pinned_count", len(req.PinnedMessages)),
			attribute.String("model", model),
		),
	)
	defer span.End()

	cfg := req.Config.Normalize(nil)
	now := h.now()

	before := BuildPayload(PayloadInput{
		Messages:  req.Messages,
		Pinned:    req.PinnedMessages,
		Artifacts: req.Artifacts,
		Snapshot:  req.Snapshot,
		Config:    cfg,
		Estimator: h.estimator,
		Now:       now,
	})
	usage := req.Usage
	if usage == nil {
		usage = &before.Usage
	}

	prompt := BuildCompressionPrompt(PromptInput{
		Messages:       req.Messages,
		PinnedMessages: req.PinnedMessages,
		Artifacts:      req.Artifacts,
		Usage:          usage,
		Budget:         cfg.MaxTokenBudget,
		Reason:         req.Reason,
	})

	start := time.Now()
	raw, err := h.generator.Generate(ctx, GenerateRequest{
		Model:      model,
		System:     CompressionSystemPrompt,
		Prompt:     prompt,
		SchemaName: OutputSchemaName,
		Schema:     OutputSchema(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		h.logger.Error("compaction generation failed", "error", err, "model", model)
		return nil, WrapError("Compress", err)
	}
	out, err := DecodeOutput(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid output")
		h.logger.Error("compaction output rejected", "error", err, "model", model)
		return nil, WrapError("Compress", err)
	}

	survivors := h.resolveSurvivors(req.Messages, req.PinnedMessages, out.SurvivingMessageIDs)
	newArtifacts := h.buildArtifacts(req.Messages, survivors, out.Artifacts, now)

	artifacts := make([]Artifact, 0, len(req.Artifacts)+len(newArtifacts))
	artifacts = append(artifacts, req.Artifacts...)
	artifacts = append(artifacts, newArtifacts...)

	snap := Snapshot{
		ID:                  uuid.NewString(),
		CreatedAt:           now,
		SurvivingMessageIDs: survivors,
		ArtifactIDs:         make([]string, 0, len(artifacts)),
		ExcludedMessageIDs:  excludedIDs(req.Messages, survivors),
		Reason:              req.Reason,
	}
	for _, a := range artifacts {
		snap.ArtifactIDs = append(snap.ArtifactIDs, a.ID)
	}

	after := BuildPayload(PayloadInput{
		Messages:  req.Messages,
		Pinned:    req.PinnedMessages,
		Artifacts: artifacts,
		Snapshot:  &snap,
		Config:    cfg,
		Estimator: h.estimator,
		Now:       now,
	})
	snap.TokensBefore = IntPtr(before.Usage.TotalTokens)
	snap.TokensAfter = IntPtr(after.Usage.TotalTokens)
	snap.TokensSaved = IntPtr(max(before.Usage.TotalTokens-after.Usage.TotalTokens, 0))

	span.SetAttributes(
		attribute.Int("tokens_before", before.Usage.TotalTokens),
		attribute.Int("tokens_after", after.Usage.TotalTokens),
		attribute.Int("artifacts_created", len(newArtifacts)),
		attribute.Int64("generation_ms", time.Since(start).Milliseconds()),
	)
	h.logger.Info("compaction complete",
		"snapshot_id", snap.ID,
		"tokens_before", before.Usage.TotalTokens,
		"tokens_after", after.Usage.TotalTokens,
		"survivors", len(survivors),
		"artifacts", len(newArtifacts),
	)

	return &CompressResponse{
		Snapshot:       snap,
		Artifacts:      artifacts,
		Usage:          after.Usage,
		PinnedMessages: req.PinnedMessages,
	}, nil
}

// Summarize implements Summarizer on top of Compress.
func (h *CompressionHandler) Summarize(ctx context.Context, sc *SummarizeContext) (*SummarizeResult, error) {
	if sc == nil {
		return nil, ErrNoMessagesToCompact
	}
	resp, err := h.Compress(ctx, &CompressRequest{
		Messages:       sc.Messages,
		PinnedMessages: sc.PinnedMessages,
		Artifacts:      sc.Artifacts,
		Snapshot:       sc.Snapshot,
		Config:         Config{MaxTokenBudget: sc.Budget},
		Usage:          sc.Usage,
		Reason:         sc.Reason,
	})
	if err != nil {
		return nil, err
	}
	usage := resp.Usage
	return &SummarizeResult{
		Artifacts:           resp.Artifacts,
		SurvivingMessageIDs: resp.Snapshot.SurvivingMessageIDs,
		Usage:               &usage,
	}, nil
}

// resolveSurvivors keeps the model's known survivor IDs and adds every pin
// and the newest recentFloor messages. The result follows transcript order;
// pins missing from the transcript come last.
func (h *CompressionHandler) resolveSurvivors(msgs []*types.Message, pins []PinnedMessage, proposed []string) []string {
	keep := make(map[string]bool, len(msgs))
	known := make(map[string]bool, len(msgs))
	var ordered []*types.Message
	for _, m := range msgs {
		if m == nil || IsEventMessage(m) || known[m.ID] {
			continue
		}
		known[m.ID] = true
		ordered = append(ordered, m)
	}

	for _, id := range proposed {
		if known[id] {
			keep[id] = true
		}
	}
	for _, p := range pins {
		keep[p.ID] = true
	}
	for i := max(len(ordered)-h.recentFloor, 0); i < len(ordered); i++ {
		keep[ordered[i].ID] = true
	}

	out := make([]string, 0, len(keep))
	for _, m := range ordered {
		if keep[m.ID] {
			out = append(out, m.ID)
		}
	}
	for _, p := range pins {
		if !known[p.ID] {
			out = append(out, p.ID)
			known[p.ID] = true
		}
	}
	return out
}

func (h *CompressionHandler) buildArtifacts(msgs []*types.Message, survivors []string, proposed []OutputArtifact, now time.Time) []Artifact {
	byID := make(map[string]*types.Message, len(msgs))
	for _, m := range msgs {
		if m != nil {
			byID[m.ID] = m
		}
	}
	surviving := toSet(survivors)

	var out []Artifact
	for i, pa := range proposed {
		if h.maxArtifacts > 0 && len(out) >= h.maxArtifacts {
			break
		}
		summary := strings.TrimSpace(pa.Summary)
		if summary == "" {
			continue
		}
		a := Artifact{
			ID:        fmt.Sprintf("artifact-%d-%d", now.UnixMilli(), i),
			Title:     strings.TrimSpace(pa.Title),
			Summary:   summary,
			Category:  strings.TrimSpace(pa.Category),
			CreatedAt: now,
			Editable:  true,
		}
		trimmedTokens := 0
		for _, id := range pa.SourceMessageIDs {
			m, ok := byID[id]
			if !ok {
				continue
			}
			a.SourceMessageIDs = append(a.SourceMessageIDs, id)
			if !surviving[id] {
				trimmedTokens += EstimateMessage(h.estimator, m)
			}
		}
		a.TokensSaved = IntPtr(max(trimmedTokens-EstimateArtifact(h.estimator, a), 0))
		out = append(out, a)
	}
	return out
}

// excludedIDs lists transcript messages absent from survivors.
func excludedIDs(msgs []*types.Message, survivors []string) []string {
	surviving := toSet(survivors)
	var out []string
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m == nil || IsEventMessage(m) || surviving[m.ID] || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m.ID)
	}
	return out
}
