package routes

import (
	"net/http"
	"os"
	"path/filepath"

	"tethercam/internal/config"
	"tethercam/internal/handlers"
	"tethercam/internal/logger"
	"tethercam/internal/middleware"
	"tethercam/internal/repository"
	"tethercam/internal/services"
)

// dynamicHTMLHandler serves /path as /static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" {
		path = "/index"
	}

	filePath := filepath.Join("static", filepath.Clean(path)+".html")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filePath)
}

// SetupRoutes registers the engine command API, the viewer websocket, the
// capture log, log files and static pages, wrapped in the auth middleware.
func SetupRoutes(engine *services.Engine, repo repository.CaptureRepository, cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))

	// Viewer
	mux.HandleFunc("GET /api/view", handlers.ViewWebsocketHandler(engine, logger))
	mux.HandleFunc("GET /api/frame", handlers.LastFrameHandler(engine))
	mux.HandleFunc("GET /api/status", handlers.StatusHandler(engine, logger))

	// Commands
	mux.HandleFunc("POST /api/liveview", handlers.LiveViewHandler(engine, logger))
	mux.HandleFunc("DELETE /api/liveview", handlers.LiveViewHandler(engine, logger))
	mux.HandleFunc("POST /api/capture", handlers.CaptureHandler(engine, logger))
	mux.HandleFunc("POST /api/capture/cancel", handlers.CancelCaptureHandler(engine))
	mux.HandleFunc("POST /api/snapshot", handlers.SnapshotHandler(engine, logger))
	mux.HandleFunc("POST /api/focus/move", handlers.FocusMoveHandler(engine, logger))
	mux.HandleFunc("POST /api/focus/lock", handlers.FocusLockHandler(engine, logger))
	mux.HandleFunc("POST /api/focus/plan", handlers.FocusPlanHandler(engine, logger))
	mux.HandleFunc("POST /api/focus/auto", handlers.AutoFocusHandler(engine, logger))
	mux.HandleFunc("POST /api/recording", handlers.RecordingHandler(engine, logger))
	mux.HandleFunc("DELETE /api/recording", handlers.RecordingHandler(engine, logger))
	mux.HandleFunc("POST /api/stacking", handlers.StackingHandler(engine, logger))
	mux.HandleFunc("DELETE /api/stacking", handlers.StackingHandler(engine, logger))

	// Settings
	mux.HandleFunc("/api/settings", handlers.SettingsHandler(engine, logger))
	mux.HandleFunc("POST /api/settings/grid", handlers.GridHandler(engine, logger))
	mux.HandleFunc("/api/overlay", handlers.OverlayHandler(engine, logger))
	mux.HandleFunc("/api/motion", handlers.MotionHandler(engine, logger))
	mux.HandleFunc("POST /api/motion/region", handlers.RegionHandler(engine, logger))

	// Capture log
	mux.HandleFunc("GET /api/captures", handlers.GetCapturesHandler(repo, logger))
	mux.HandleFunc("GET /api/captures/stats", handlers.GetStatsHandler(repo, logger))
	mux.HandleFunc("GET /api/captures/{id}", handlers.ViewCaptureHandler(repo, logger))
	mux.HandleFunc("DELETE /api/captures/{id}", handlers.DeleteCaptureHandler(repo, logger))

	// Logs
	mux.HandleFunc("GET /logs/{level}", handlers.ShowLogsHandler(cfg))
	mux.HandleFunc("POST /logs/{level}/clear", handlers.ClearLogsHandler(logger))

	// Auth
	sessions := middleware.NewSessions(cfg.SessionTTL)
	mux.HandleFunc("POST /auth/login", handlers.LoginHandler(cfg, sessions, logger))
	mux.HandleFunc("/auth/logout", handlers.LogoutHandler(sessions))

	// /settings -> /static/settings.html
	mux.HandleFunc("/", dynamicHTMLHandler)

	return middleware.AuthMiddleware(sessions, mux)
}
