// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/emote-tracker/stream"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	tracker    *stream.Tracker
	eventSub   http.Handler
	ready      func(ctx context.Context) error
	adminToken string
}

// Options configures NewHandlers.
type Options struct {
	// EventSub serves the webhook callback; nil disables the route.
	EventSub http.Handler
	// Ready is the storage readiness check; nil always passes.
	Ready      func(ctx context.Context) error
	AdminToken string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(tracker *stream.Tracker, opts Options) *Handlers {
	return &Handlers{tracker: tracker, eventSub: opts.EventSub, ready: opts.Ready, adminToken: opts.AdminToken}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHello answers the API root.
func (h *Handlers) HandleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "hello world"})
}

type channelView struct {
	ChannelID string             `json:"channelId"`
	Emote     string             `json:"emote"`
	Live      bool               `json:"live"`
	State     *stream.LocalState `json:"state,omitempty"`
}

// HandleChannels lists configured channels with their current local state.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	var out []channelView
	for _, p := range h.tracker.Profiles() {
		ls, err := h.tracker.Engine().State().Get(r.Context(), p.ChannelID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "state read failed")
			return
		}
		out = append(out, channelView{ChannelID: p.ChannelID, Emote: p.Emote, Live: ls != nil, State: ls})
	}
	writeJSON(w, http.StatusOK, out)
}

type streamSummary struct {
	StreamID string `json:"streamId"`
	stream.StreamRecord
}

// HandleStreamsList returns every recorded stream of a channel.
func (h *Handlers) HandleStreamsList(w http.ResponseWriter, r *http.Request) {
	ch := chi.URLParam(r, "channel")
	ms := h.tracker.Engine().Markers()
	ids, err := ms.Streams(r.Context(), ch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]streamSummary, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := ms.Record(r.Context(), ch, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "record read failed")
			return
		}
		if ok {
			out = append(out, streamSummary{StreamID: id, StreamRecord: *rec})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type streamDetail struct {
	streamSummary
	Markers []stream.Marker `json:"markers"`
}

// HandleStreamDetail returns a stream record with its ordered markers.
func (h *Handlers) HandleStreamDetail(w http.ResponseWriter, r *http.Request) {
	ch, id := chi.URLParam(r, "channel"), chi.URLParam(r, "stream")
	ms := h.tracker.Engine().Markers()
	rec, ok, err := ms.Record(r.Context(), ch, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	markers, err := ms.List(r.Context(), ch, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marker read failed")
		return
	}
	writeJSON(w, http.StatusOK, streamDetail{streamSummary: streamSummary{StreamID: id, StreamRecord: *rec}, Markers: markers})
}

// HandleAdminReconcile runs a poll-equivalent pass for one channel.
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	ch := chi.URLParam(r, "channel")
	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()
	res, err := h.tracker.Trigger(ctx, ch, stream.Event{})
	if errors.Is(err, stream.ErrUnknownChannel) {
		writeError(w, http.StatusNotFound, "channel not configured")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if res.Outcome == stream.OutcomeError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}
