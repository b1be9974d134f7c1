package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// handleBundleData returns the current policy bundle for gateway sync.
// GET /bundle/data
func (h *Handler) handleBundleData(w http.ResponseWriter, r *http.Request) {
	bundle := h.store.BundleData(r.Context())
	etag := `"` + strconv.FormatUint(bundle.Revision, 10) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.respondJSON(w, http.StatusOK, bundle)
}

// handleBundleChanges streams policy change events over SSE. Each event
// carries the revision it advanced the store to; the stream id doubles as
// the SSE event id so reconnecting gateways can resume with Last-Event-ID.
// GET /bundle/changes
func (h *Handler) handleBundleChanges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the handshake so nothing published during setup is
	// missed.
	subID, events := h.store.Subscribe(h.changeBuffer)
	defer h.store.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A reconnecting subscriber that fell behind gets one resync event so
	// it refetches the full bundle instead of waiting for the next change.
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if seen, err := strconv.ParseUint(last, 10, 64); err == nil {
			if current := h.store.Revision(); seen < current {
				h.writeEvent(w, policy.ChangeEvent{Revision: current, Kind: policy.ChangeResync})
				flusher.Flush()
			}
		}
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeEvent(w, ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, ev policy.ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Revision, data)
}

// handleHealth reports control-plane liveness and the current revision.
// GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "toolgate-control-plane",
		"revision": h.store.Revision(),
	})
}
