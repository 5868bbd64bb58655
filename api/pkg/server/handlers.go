package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/memory"
	"github.com/scribehq/scribe/api/pkg/queue"
	"github.com/scribehq/scribe/api/pkg/system"
	"github.com/scribehq/scribe/api/pkg/types"
)

type submitRequest struct {
	TaskID        string               `json:"task_id,omitempty"`
	UserID        string               `json:"user_id"`
	Files         []string             `json:"files"`
	Model         string               `json:"model"`
	Language      string               `json:"language,omitempty"`
	Priority      string               `json:"priority,omitempty"`
	OutputFormats []types.OutputFormat `json:"output_formats,omitempty"`
	MaxRetries    int                  `json:"max_retries,omitempty"`
}

type submitResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// submitTasks accepts a submission and fans multi-file requests out
// to one task per file. A client-supplied task ID only applies to
// single-file submissions; resubmitting it is rejected as a
// duplicate.
func (s *ScribeAPIServer) submitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		http.Error(w, "at least one file is required", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if req.TaskID != "" && len(req.Files) > 1 {
		http.Error(w, "task_id cannot be combined with multiple files", http.StatusBadRequest)
		return
	}

	ids := make([]string, 0, len(req.Files))
	for _, file := range req.Files {
		id := req.TaskID
		if id == "" {
			id = system.GenerateTaskID()
		}
		task := &types.Task{
			ID:            id,
			UserID:        req.UserID,
			FilePath:      file,
			Model:         req.Model,
			Language:      req.Language,
			Priority:      types.ParsePriority(req.Priority),
			OutputFormats: req.OutputFormats,
			MaxRetries:    req.MaxRetries,
		}
		if err := s.scheduler.Submit(task); err != nil {
			if errors.Is(err, queue.ErrDuplicateTask) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	log.Info().Int("tasks", len(ids)).Str("model", req.Model).Msg("submission accepted")
	writeJSON(w, http.StatusAccepted, submitResponse{TaskIDs: ids})
}

func (s *ScribeAPIServer) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := s.queue.Get(id)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *ScribeAPIServer) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.scheduler.Cancel(id); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ScribeAPIServer) systemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *ScribeAPIServer) gpuSelector(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GPUSelector())
}

func (s *ScribeAPIServer) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

type memoryStatsResponse struct {
	Models   []memory.ModelStats     `json:"models"`
	Accuracy memory.AccuracyAnalysis `json:"accuracy"`
}

func (s *ScribeAPIServer) memoryStats(w http.ResponseWriter, _ *http.Request) {
	if s.recorder == nil {
		http.Error(w, "memory statistics not enabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, memoryStatsResponse{
		Models:   s.recorder.Statistics(),
		Accuracy: s.recorder.Accuracy(0.10),
	})
}

func (s *ScribeAPIServer) listOutputs(w http.ResponseWriter, _ *http.Request) {
	if s.saver == nil {
		http.Error(w, "output listing not enabled", http.StatusNotFound)
		return
	}
	files, err := s.saver.ListOutputs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("failed to encode response")
	}
}
