package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pollev-notifier/pkg/notifier"
)

const maxBodyBytes = 256 * 1024

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.Settings(r.Context())
		if err != nil {
			s.logger.Error("Failed to load settings", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not load settings")
			return
		}
		s.writeJSON(w, http.StatusOK, settings)

	case http.MethodPut:
		var settings notifier.Settings
		if err := s.readJSON(r, &settings); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := validateSettings(&settings); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// New classes arrive without an identity.
		for _, cls := range settings.Classes {
			if cls.ID == "" {
				cls.ID = uuid.NewString()
			}
		}

		if err := s.store.SaveSettings(r.Context(), &settings); err != nil {
			s.logger.Error("Failed to save settings", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not save settings")
			return
		}

		// Config changed: re-arm schedules, drop watchers and remembered
		// prompts for deleted classes.
		s.engine.Recompute(settings.Classes)
		s.tabs.Reconcile(settings.Classes)
		valid := make(map[string]bool, len(settings.Classes))
		for _, cls := range settings.Classes {
			valid[cls.ID] = true
		}
		if err := s.store.PruneLastSeen(r.Context(), valid); err != nil {
			s.logger.Warn("Failed to prune stale poll state", "error", err)
		}

		s.logger.Info("Settings saved", "classes", len(settings.Classes), "ntfy_enabled", settings.NtfyEnabled)
		s.writeJSON(w, http.StatusOK, &settings)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func validateSettings(settings *notifier.Settings) error {
	seen := make(map[string]bool, len(settings.Classes))
	for i, cls := range settings.Classes {
		if err := cls.Validate(); err != nil {
			return fmt.Errorf("class %d: %w", i+1, err)
		}
		if cls.ID != "" && seen[cls.ID] {
			return fmt.Errorf("class %d: duplicate id %q", i+1, cls.ID)
		}
		seen[cls.ID] = true
	}
	if settings.NtfyEnabled && settings.NtfyTopic == "" {
		return errors.New("ntfy topic is required when push is enabled")
	}
	for i, a := range settings.Classes {
		for _, b := range settings.Classes[i+1:] {
			if schedulesOverlap(a, b) {
				return fmt.Errorf("classes %q and %q have overlapping schedules", a.DisplayName(), b.DisplayName())
			}
		}
	}
	return nil
}

// schedulesOverlap reports whether two already-validated classes can be in
// session at the same instant. Overlaps are rejected because only one class
// can own a notification at a time.
func schedulesOverlap(a, b *notifier.ClassConfig) bool {
	if a.StartTime == "" || b.StartTime == "" {
		return false
	}
	if !shareDay(a.Days, b.Days) {
		return false
	}
	aStart, _ := notifier.ParseMinutes(a.StartTime)
	aEnd, _ := notifier.ParseMinutes(a.EndTime)
	bStart, _ := notifier.ParseMinutes(b.StartTime)
	bEnd, _ := notifier.ParseMinutes(b.EndTime)
	return aStart <= bEnd && bStart <= aEnd
}

func shareDay(a, b []string) bool {
	// An empty day list means every day.
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, day := range a {
		for _, other := range b {
			if day == other {
				return true
			}
		}
	}
	return false
}

type dndRequest struct {
	Minutes int `json:"minutes"`
}

type dndResponse struct {
	Active bool       `json:"active"`
	Until  *time.Time `json:"until,omitempty"`
}

func (s *Server) handleDnd(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		dnd, err := s.store.Dnd(r.Context(), s.now())
		if err != nil {
			s.logger.Error("Failed to load do-not-disturb state", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not load do-not-disturb state")
			return
		}
		resp := dndResponse{}
		if dnd != nil {
			resp.Active = true
			resp.Until = &dnd.ActiveUntil
		}
		s.writeJSON(w, http.StatusOK, resp)

	case http.MethodPut:
		var req dndRequest
		if err := s.readJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Minutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "minutes must be positive")
			return
		}
		until := s.now().Add(time.Duration(req.Minutes) * time.Minute)
		if err := s.store.SaveDnd(r.Context(), &notifier.DndState{ActiveUntil: until}); err != nil {
			s.logger.Error("Failed to save do-not-disturb state", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not save do-not-disturb state")
			return
		}
		s.logger.Info("Do not disturb enabled", "until", until)
		s.writeJSON(w, http.StatusOK, dndResponse{Active: true, Until: &until})

	case http.MethodDelete:
		if err := s.store.ClearDnd(r.Context()); err != nil {
			s.logger.Error("Failed to clear do-not-disturb state", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not clear do-not-disturb state")
			return
		}
		s.logger.Info("Do not disturb cancelled")
		s.writeJSON(w, http.StatusOK, dndResponse{Active: false})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLastError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.LastError(r.Context(), s.now())
	if err != nil {
		s.logger.Error("Failed to load last error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load last error")
		return
	}
	if record == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"error": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"error": record})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
