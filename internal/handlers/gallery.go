package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"tethercam/internal/logger"
	"tethercam/internal/models"
	"tethercam/internal/repository"
)

// CapturesData is a paginated page of the capture log.
type CapturesData struct {
	Captures    []models.Capture     `json:"captures"`
	Stats       *models.CaptureStats `json:"stats"`
	Length      int                  `json:"length"`
	TotalPages  int                  `json:"totalPages"`
	CurrentPage int                  `json:"currentPage"`
	Limit       int                  `json:"pageSize"`
}

// GetCapturesHandler lists stored captures newest first. With ?series=N it
// returns that stacking series in capture order instead.
func GetCapturesHandler(repo repository.CaptureRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 24)

		stats, err := repo.Stats()
		if err != nil {
			logger.Error("Error reading capture stats: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		var captures []models.Capture
		total := stats.TotalCaptures
		if s := q.Get("series"); s != "" {
			series, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				http.Error(w, "Invalid series", http.StatusBadRequest)
				return
			}
			captures, err = repo.GetBySeries(series)
			if err != nil {
				logger.Error("Error reading series %d: %v", series, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			total = len(captures)
		} else {
			captures, err = repo.Recent(page * limit)
			if err != nil {
				logger.Error("Error reading captures: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		}

		start := (page - 1) * limit
		if start > len(captures) {
			start = len(captures)
		}
		end := start + limit
		if end > len(captures) {
			end = len(captures)
		}

		data := CapturesData{
			Captures:    captures[start:end],
			Stats:       stats,
			Length:      total,
			TotalPages:  (total + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		}
		writeJSON(w, http.StatusOK, data, logger)
	}
}

// ViewCaptureHandler serves a stored photo, or its thumbnail with ?thumb=1.
func ViewCaptureHandler(repo repository.CaptureRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := captureFromPath(w, r, repo, logger)
		if !ok {
			return
		}
		path := c.FilePath
		if r.URL.Query().Get("thumb") != "" && c.ThumbnailPath != "" {
			path = c.ThumbnailPath
		}
		w.Header().Set("Content-Type", "image/jpeg")
		http.ServeFile(w, r, path)
	}
}

// DeleteCaptureHandler removes a capture's files and its log entry.
func DeleteCaptureHandler(repo repository.CaptureRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := captureFromPath(w, r, repo, logger)
		if !ok {
			return
		}
		for _, path := range []string{c.FilePath, c.ThumbnailPath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warning("Error removing %s: %v", path, err)
			}
		}
		if err := repo.Delete(c.ID); err != nil {
			logger.Error("Error deleting capture %d: %v", c.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		logger.Info("Deleted capture %s", c.Filename)
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetStatsHandler returns capture log totals.
func GetStatsHandler(repo repository.CaptureRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := repo.Stats()
		if err != nil {
			logger.Error("Error reading capture stats: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats, logger)
	}
}

func captureFromPath(w http.ResponseWriter, r *http.Request, repo repository.CaptureRepository, logger *logger.Logger) (*models.Capture, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid capture id", http.StatusBadRequest)
		return nil, false
	}
	c, err := repo.GetByID(id)
	if err != nil {
		logger.Error("Error reading capture %d: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	if c == nil {
		http.NotFound(w, r)
		return nil, false
	}
	return c, true
}

func atoiDefault(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}
