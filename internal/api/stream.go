package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/notify"
)

func (s *Server) streamSources(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, notify.SourcesKey)
}

func (s *Server) streamProducts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.stream(w, r, notify.ProductsKey(id))
}

// stream sends the current snapshot of key, then every newer one, as
// server-sent events until the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, key string) {
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "streams unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, cancel, err := s.streams.Subscribe(key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	initial, err := s.streams.Snapshot(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "snapshot", initial); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, "snapshot", data); err != nil {
				s.logger.Debug("stream write failed", zap.String("key", key), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
