package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tethercam/internal/device"
	"tethercam/internal/focus"
	"tethercam/internal/geometry"
	"tethercam/internal/logger"
	"tethercam/internal/services"
	"tethercam/internal/services/capture"
	"tethercam/internal/services/motion"
	"tethercam/internal/services/overlay"
	"tethercam/internal/services/pipeline"
	"tethercam/internal/services/stacking"
)

// deviceTimeout bounds a synchronous device command: 35 retries plus slack.
const deviceTimeout = 30 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error, logger *logger.Logger) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, device.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, device.ErrProhibited),
		errors.Is(err, capture.ErrInProgress),
		errors.Is(err, stacking.ErrRunning),
		errors.Is(err, focus.ErrMoveInProgress):
		status = http.StatusConflict
	case errors.Is(err, device.ErrBusy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.Error("Command failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()}, logger)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func deviceContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), deviceTimeout)
}

func StatusHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.Status(), logger)
	}
}

// LiveViewHandler starts live view on POST and stops it on DELETE.
func LiveViewHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := deviceContext(r)
		defer cancel()

		var err error
		if r.Method == http.MethodDelete {
			err = engine.StopLiveView(ctx)
		} else {
			err = engine.StartLiveView(ctx)
		}
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, engine.Status(), logger)
	}
}

// LastFrameHandler serves the last processed live view frame as JPEG.
func LastFrameHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := engine.LastFrame()
		if out == nil {
			http.Error(w, "No frame yet", http.StatusNotFound)
			return
		}
		data := out.JPEG
		if r.URL.Query().Get("preview") != "" && out.Preview != nil {
			data = out.Preview
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// CaptureHandler starts a capture sequence. The body is a capture.Request.
func CaptureHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := capture.Request{Count: 1}
		if !decode(w, r, &req) {
			return
		}
		if err := engine.StartCapture(req); err != nil {
			writeError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func CancelCaptureHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine.CancelCapture()
		w.WriteHeader(http.StatusNoContent)
	}
}

type snapshotRequest struct {
	Count      int `json:"count"`
	IntervalMS int `json:"interval_ms"`
}

// SnapshotHandler stores the current live view frame without the device.
func SnapshotHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := snapshotRequest{Count: 1}
		if !decode(w, r, &req) {
			return
		}
		n, err := engine.Snapshot(r.Context(), req.Count, time.Duration(req.IntervalMS)*time.Millisecond)
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"stored": n}, logger)
	}
}

type moveRequest struct {
	Steps int `json:"steps"`
}

// FocusMoveHandler moves the lens and returns the move result.
func FocusMoveHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req moveRequest
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := deviceContext(r)
		defer cancel()
		res, err := engine.MoveFocus(ctx, req.Steps)
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res, logger)
	}
}

type lockRequest struct {
	Point  string `json:"point"` // near or far
	Locked bool   `json:"locked"`
}

// FocusLockHandler sets or clears the near or far focus lock.
func FocusLockHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if !decode(w, r, &req) {
			return
		}
		switch {
		case req.Point == "near" && req.Locked:
			engine.LockNear()
		case req.Point == "near":
			engine.UnlockNear()
		case req.Point == "far" && req.Locked:
			engine.LockFar()
		case req.Point == "far":
			engine.UnlockFar()
		default:
			http.Error(w, "point must be near or far", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, engine.Focus(), logger)
	}
}

type planRequest struct {
	StepSize   int `json:"step_size"`
	PhotoCount int `json:"photo_count"`
}

// FocusPlanHandler sets either the step size or the photo count of range
// stacking; the other value is derived.
func FocusPlanHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req planRequest
		if !decode(w, r, &req) {
			return
		}
		var snap focus.Snapshot
		switch {
		case req.StepSize > 0:
			snap = engine.SetStepSize(req.StepSize)
		case req.PhotoCount > 0:
			snap = engine.SetPhotoCount(req.PhotoCount)
		default:
			snap = engine.Focus()
		}
		writeJSON(w, http.StatusOK, snap, logger)
	}
}

type pointRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

// AutoFocusHandler runs autofocus, or point focus when x and y are given.
func AutoFocusHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pointRequest
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := deviceContext(r)
		defer cancel()

		var err error
		if req.X != nil && req.Y != nil {
			err = engine.FocusAt(ctx, *req.X, *req.Y)
		} else {
			err = engine.AutoFocus(ctx)
		}
		if err != nil {
			writeError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RecordingHandler starts movie recording on POST and stops it on DELETE.
func RecordingHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := deviceContext(r)
		defer cancel()

		var err error
		if r.Method == http.MethodDelete {
			err = engine.StopRecording(ctx)
		} else {
			err = engine.StartRecording(ctx)
		}
		if err != nil {
			writeError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type stackingRequest struct {
	Mode       string `json:"mode"`
	Preview    bool   `json:"preview"`
	WaitTicks  int    `json:"wait_ticks"`
	Direction  int    `json:"direction"`
	StepSize   string `json:"step_size"`
	PhotoCount int    `json:"photo_count"`
}

// StackingHandler starts a focus stacking session on POST and stops the
// running one on DELETE.
func StackingHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			engine.StopStacking()
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var req stackingRequest
		if !decode(w, r, &req) {
			return
		}
		mode, err := stacking.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		size, err := stacking.ParseStepSize(req.StepSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id, err := engine.StartStacking(stacking.Request{
			Mode:       mode,
			Preview:    req.Preview,
			WaitTicks:  req.WaitTicks,
			Direction:  req.Direction,
			StepSize:   size,
			PhotoCount: req.PhotoCount,
		})
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id}, logger)
	}
}

// SettingsHandler returns the pipeline settings; POST merges the body into them.
func SettingsHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			next := engine.Settings()
			if !decode(w, r, &next) {
				return
			}
			engine.UpdateSettings(func(s *pipeline.Settings) { *s = next })
		}
		writeJSON(w, http.StatusOK, engine.Settings(), logger)
	}
}

type gridRequest struct {
	Grid string `json:"grid"`
}

func GridHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gridRequest
		if !decode(w, r, &req) {
			return
		}
		g, err := pipeline.ParseGridType(req.Grid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		engine.SetGrid(g)
		writeJSON(w, http.StatusOK, engine.Settings(), logger)
	}
}

// OverlayHandler returns the overlay descriptor; POST merges the body into it.
func OverlayHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			next := engine.Overlay()
			if !decode(w, r, &next) {
				return
			}
			if next.Mode == overlay.ModeFile && next.File != "" {
				if err := engine.SetOverlayFile(next.File); err != nil {
					writeError(w, err, logger)
					return
				}
			}
			engine.SetOverlay(next)
		}
		writeJSON(w, http.StatusOK, engine.Overlay(), logger)
	}
}

type motionRequest struct {
	Enabled         *bool    `json:"enabled"`
	Threshold       *int     `json:"threshold"`
	Action          *string  `json:"action"`
	DebounceSeconds *float64 `json:"debounce_seconds"`
	AutoFocus       *bool    `json:"auto_focus"`
	RecordSeconds   *float64 `json:"record_seconds"`
	ShowMotion      *bool    `json:"show_motion"`
}

type motionResponse struct {
	motion.Config
	Action string  `json:"action"`
	Score  float64 `json:"score"`
}

// MotionHandler returns the motion configuration; POST updates the fields
// present in the body.
func MotionHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req motionRequest
			if !decode(w, r, &req) {
				return
			}
			cfg := engine.Motion()
			if req.Enabled != nil {
				cfg.Enabled = *req.Enabled
			}
			if req.Threshold != nil {
				cfg.Threshold = *req.Threshold
			}
			if req.Action != nil {
				a, err := motion.ParseAction(*req.Action)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				cfg.Action = a
			}
			if req.DebounceSeconds != nil {
				cfg.Debounce = time.Duration(*req.DebounceSeconds * float64(time.Second))
			}
			if req.AutoFocus != nil {
				cfg.AutoFocus = *req.AutoFocus
			}
			if req.RecordSeconds != nil {
				cfg.RecordLength = time.Duration(*req.RecordSeconds * float64(time.Second))
			}
			if req.ShowMotion != nil {
				cfg.ShowMotion = *req.ShowMotion
			}
			engine.SetMotion(cfg)
		}
		cfg := engine.Motion()
		writeJSON(w, http.StatusOK, motionResponse{Config: cfg, Action: cfg.Action.String(), Score: engine.Status().Motion}, logger)
	}
}

// RegionHandler sets the motion region of interest in permille bounds.
func RegionHandler(engine *services.Engine, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b geometry.Bounds
		if !decode(w, r, &b) {
			return
		}
		if err := engine.SetROI(b); err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, engine.Motion(), logger)
	}
}
