package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paygate/internal/common"
)

const maxReplayBatch = 200

var errQueueUnavailable = common.NewAppError("QUEUE_UNAVAILABLE", "work queue is not configured", http.StatusServiceUnavailable, nil)

// AdminHandler serves the operator endpoints for the dead-letter queue:
// listing stuck webhook deliveries, replaying them and reading queue depth.
type AdminHandler struct {
	Store             Store
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
	// DefaultKind applies when a request does not name a kind.
	DefaultKind string
}

type deadLetterView struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	Event          string    `json:"event,omitempty"`
	PayloadBytes   int       `json:"payload_bytes"`
	DeadAt         time.Time `json:"dead_at"`
}

type replayRequest struct {
	IDs   []string `json:"ids"`
	Kind  string   `json:"kind"`
	Limit int      `json:"limit"`
}

type replayResult struct {
	Replayed []string          `json:"replayed"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// ListDLQ pages through dead-lettered tasks, newest first.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.WriteAppError(w, errQueueUnavailable)
		return
	}
	kind, err := h.kindParam(r.URL.Query().Get("kind"), false)
	if err != nil {
		common.WriteAppError(w, err)
		return
	}
	page, perPage := common.ParsePagination(r, h.pageSize(), maxReplayBatch)
	ctx := r.Context()

	entries, listErr := h.Store.ListQueueDlq(ctx, kind, perPage, common.Offset(page, perPage))
	if listErr != nil {
		common.WriteAppError(w, storeError(listErr))
		return
	}
	total, countErr := h.Store.CountQueueDlq(ctx, kind)
	if countErr != nil {
		common.WriteAppError(w, storeError(countErr))
		return
	}

	views := make([]deadLetterView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, viewOf(entry))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":       kind,
		"data":       views,
		"pagination": common.NewPagination(page, perPage, int(total)),
	})
}

// ReplayDLQ puts dead-lettered tasks back on the ready set with a fresh
// attempt budget. Entries are chosen by id, or the oldest-first batch of a
// kind when no ids are given.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.WriteAppError(w, errQueueUnavailable)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid replay body", nil)
		return
	}
	ctx := r.Context()
	result := replayResult{Replayed: []string{}, Failed: map[string]string{}}

	ids := dedupeIDs(req.IDs)
	if len(ids) > 0 {
		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				result.Failed[raw] = "invalid id"
				continue
			}
			entry, err := h.Store.GetQueueDlq(ctx, id)
			if err == nil {
				err = h.replay(ctx, entry)
			}
			if err != nil {
				result.Failed[raw] = err.Error()
				continue
			}
			result.Replayed = append(result.Replayed, id.String())
		}
	} else {
		kind, appErr := h.kindParam(req.Kind, false)
		if appErr != nil {
			common.WriteAppError(w, appErr)
			return
		}
		if kind == "" {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
			return
		}
		limit := min(max(req.Limit, 0), maxReplayBatch)
		if limit == 0 {
			limit = h.pageSize()
		}
		entries, err := h.Store.ListQueueDlq(ctx, kind, limit, 0)
		if err != nil {
			common.WriteAppError(w, storeError(err))
			return
		}
		// ListQueueDlq is newest first; replay in arrival order.
		slices.Reverse(entries)
		for _, entry := range entries {
			if err := h.replay(ctx, entry); err != nil {
				result.Failed[entry.ID.String()] = err.Error()
				continue
			}
			result.Replayed = append(result.Replayed, entry.ID.String())
		}
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	common.JSON(w, http.StatusOK, result)
}

// Stats reports ready, in-flight and dead-lettered counts for one kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.WriteAppError(w, errQueueUnavailable)
		return
	}
	kind, appErr := h.kindParam(r.URL.Query().Get("kind"), true)
	if appErr != nil {
		common.WriteAppError(w, appErr)
		return
	}
	ctx := r.Context()
	rdb := h.Queue.R
	ready, err := rdb.ZCard(ctx, queueKey(h.Queue.Prefix, kind)).Result()
	if err != nil {
		common.WriteAppError(w, storeError(err))
		return
	}
	inflight, err := rdb.ZCard(ctx, processingKey(h.Queue.Prefix, kind)).Result()
	if err != nil {
		common.WriteAppError(w, storeError(err))
		return
	}
	dead, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		common.WriteAppError(w, storeError(err))
		return
	}

	// The ready set is scored by availability, so the head is the task that
	// has waited longest.
	var lag time.Duration
	if head, err := rdb.ZRangeWithScores(ctx, queueKey(h.Queue.Prefix, kind), 0, 0).Result(); err == nil && len(head) == 1 {
		if due := time.Unix(0, int64(head[0].Score)); time.Now().After(due) {
			lag = time.Since(due)
		}
	}
	readyTasks.WithLabelValues(queueLabel(kind)).Set(float64(ready))
	deadLetters.WithLabelValues(queueLabel(kind)).Set(float64(dead))

	visibility := h.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":                       kind,
		"ready":                      ready,
		"processing":                 inflight,
		"dlq":                        dead,
		"oldest_lag_ms":              lag.Milliseconds(),
		"visibility_timeout_seconds": visibility.Seconds(),
	})
}

// replay clears the dedup marker first: the original delivery may have left
// one behind and Enqueue would then drop the task silently.
func (h *AdminHandler) replay(ctx context.Context, entry DLQEntry) error {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return errors.New("undecodable task")
	}
	if msg.Key != "" {
		if err := h.Queue.R.Del(ctx, dedupKey(h.Queue.Prefix, msg.Kind, msg.Key)).Err(); err != nil {
			return err
		}
	}
	err = h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	if err := h.Store.DeleteQueueDlq(ctx, entry.ID); err != nil {
		return err
	}
	recordOutcome(msg.Kind, outcomeReplayed)
	refreshDeadLetters(ctx, h.Store, msg.Kind)
	h.Logger.Info().
		Str("dlq_id", entry.ID.String()).
		Str("kind", msg.Kind).
		Str("key", msg.Key).
		Int("previous_attempts", entry.Attempts).
		Msg("dead_letter_replayed")
	return nil
}

// kindParam validates a kind from the request. With useDefault an empty
// value falls back to DefaultKind and is then mandatory.
func (h *AdminHandler) kindParam(raw string, useDefault bool) (string, *common.AppError) {
	kind := strings.TrimSpace(raw)
	if kind == "" && useDefault {
		kind = h.DefaultKind
		if kind == "" {
			return "", common.NewAppError("BAD_REQUEST", "kind is required", http.StatusBadRequest, nil)
		}
	}
	if kind != "" && sanitizeKind(kind) == "" {
		return "", common.NewAppError("BAD_REQUEST", "kind may only contain [a-z0-9-_:]", http.StatusBadRequest, nil)
	}
	return kind, nil
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return min(h.PageSize, maxReplayBatch)
}

func storeError(err error) *common.AppError {
	if errors.Is(err, ErrStoreUnavailable) {
		return common.NewAppError("QUEUE_UNAVAILABLE", "dead-letter store unavailable", http.StatusServiceUnavailable, err)
	}
	return common.NewAppError("INTERNAL", "queue store failure", http.StatusInternalServerError, err)
}

func viewOf(entry DLQEntry) deadLetterView {
	view := deadLetterView{
		ID:             entry.ID,
		Kind:           entry.Kind,
		IdempotencyKey: entry.IdempotencyKey,
		Attempts:       entry.Attempts,
		DeadAt:         entry.CreatedAt,
	}
	if entry.LastError != nil {
		view.LastError = *entry.LastError
	}
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return view
	}
	view.MaxAttempts = msg.MaxAttempts
	view.PayloadBytes = len(msg.Payload)
	var head struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(msg.Payload, &head) == nil {
		view.Event = head.Event
	}
	return view
}

func dedupeIDs(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
