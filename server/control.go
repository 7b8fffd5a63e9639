package server

import (
	"errors"
	"net/http"

	"pollev-notifier/engine"
	"pollev-notifier/pkg/notifier"
	"pollev-notifier/watcher"
)

// loadingMessage mirrors what a user sees when a page check races the
// watcher's startup.
const loadingMessage = "Page is loading. Please try again in a moment."

type eventRequest struct {
	ClassID string `json:"classId"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
}

// handleEvent accepts an externally observed poll activation and feeds it
// through the same gate as watcher-detected ones.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClassID == "" || req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "classId and title are required")
		return
	}

	cls, ok := s.classByID(w, r, req.ClassID)
	if !ok {
		return
	}

	url := req.URL
	if url == "" {
		url = cls.PageURL()
	}
	s.engine.Submit(notifier.ActivityEvent{
		Title:     req.Title,
		URL:       url,
		ClassID:   cls.ID,
		ClassName: cls.DisplayName(),
	})
	s.logger.Info("Poll activity submitted", "class_id", cls.ID, "title", req.Title)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSchedule re-arms every class start and warning trigger from stored
// configuration.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load settings")
		return
	}

	s.engine.Recompute(settings.Classes)
	s.logger.Info("Schedules re-armed", "classes", len(settings.Classes))
	s.writeJSON(w, http.StatusOK, map[string]int{"classes": len(settings.Classes)})
}

type forceCheckRequest struct {
	ClassID string `json:"classId"`
}

func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req forceCheckRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClassID == "" {
		s.writeError(w, http.StatusBadRequest, "classId is required")
		return
	}

	cls, ok := s.classByID(w, r, req.ClassID)
	if !ok {
		return
	}

	result, err := s.tabs.ForceCheck(r.Context(), cls)
	if err != nil {
		if errors.Is(err, watcher.ErrNotReady) {
			s.store.RecordError(r.Context(), loadingMessage, "force_check", cls.ID)
			s.writeError(w, http.StatusServiceUnavailable, loadingMessage)
			return
		}
		s.logger.Error("Force check failed", "class_id", cls.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	s.logger.Info("Force check completed", "class_id", cls.ID, "status", result.Status)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTabStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load settings")
		return
	}
	s.writeJSON(w, http.StatusOK, s.tabs.Statuses(settings.Classes))
}

// handleTest fires a test alert so a user can verify their alert and push
// configuration end to end.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load settings")
		return
	}

	clickURL := engine.ClickTarget(settings, s.now())
	pushed, err := s.dispatcher.Test(r.Context(), settings, clickURL)
	if err != nil {
		s.logger.Error("Test notification failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"pushed": pushed})
}

// classByID resolves a class from stored settings, writing the error
// response when it cannot.
func (s *Server) classByID(w http.ResponseWriter, r *http.Request, classID string) (*notifier.ClassConfig, bool) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load settings")
		return nil, false
	}
	cls := settings.ClassByID(classID)
	if cls == nil {
		s.writeError(w, http.StatusNotFound, "unknown class")
		return nil, false
	}
	return cls, true
}
