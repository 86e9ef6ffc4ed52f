package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// maskedKey replaces the enrichment key in config responses. Sending it back
// unchanged keeps the stored key.
const maskedKey = "********"

const scheduleTimeout = 5 * time.Second

type registerRequest struct {
	URL string `json:"url"`
}

type reprocessRequest struct {
	Products []string `json:"products"`
}

func (s *Server) registerSource(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := s.ctrl.Register(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.schedule(r.Context(), crawler.TaskInitial, src.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, src)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sources == nil {
		sources = []crawler.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) configureSource(w http.ResponseWriter, r *http.Request) {
	var loc crawler.Locators
	if err := decodeJSON(w, r, &loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := s.ctrl.Configure(r.Context(), chi.URLParam(r, "id"), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.schedule(r.Context(), crawler.TaskCollect, src.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, src)
}

// triggerSource schedules kind for an existing source. State guards are
// enforced by the task itself.
func (s *Server) triggerSource(kind crawler.TaskKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.store.GetSource(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.schedule(r.Context(), kind, id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"source_id": id, "task": string(kind)})
	}
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	products, err := s.store.ListProducts(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if products == nil {
		products = []crawler.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) reprocessProducts(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := make([]string, 0, len(req.Products))
	for _, id := range req.Products {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "at least one product id required")
		return
	}
	if err := s.ctrl.MarkForReprocessing(r.Context(), ids); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.schedule(r.Context(), crawler.TaskReprocess, ""); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"flagged": len(ids)})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cfg.APIKey != "" {
		cfg.APIKey = maskedKey
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg crawler.GlobalConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if cfg.APIKey == maskedKey {
		current, err := s.store.GetConfig(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		cfg.APIKey = current.APIKey
	}
	if err := s.store.UpdateConfig(r.Context(), cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("global config updated", zap.String("model", cfg.Model))
	if cfg.APIKey != "" {
		cfg.APIKey = maskedKey
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) schedule(ctx context.Context, kind crawler.TaskKind, sourceID string) error {
	if s.scheduler == nil {
		return errors.New("no scheduler configured")
	}
	ctx, cancel := context.WithTimeout(ctx, scheduleTimeout)
	defer cancel()
	if err := s.scheduler.Trigger(ctx, kind, sourceID); err != nil {
		return fmt.Errorf("schedule %s: %w", kind, err)
	}
	return nil
}
