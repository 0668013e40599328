package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tethercam/internal/config"
	"tethercam/internal/device"
	"tethercam/internal/device/sim"
	"tethercam/internal/logger"
	"tethercam/internal/repository/sqlite"
	"tethercam/internal/routes"
	"tethercam/internal/services"
	"tethercam/internal/services/mqtt"
	"tethercam/internal/services/storage"
	"tethercam/internal/services/websocket"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config        *config.Config
	logger        *logger.Logger
	db            *sqlite.DB
	repo          *sqlite.CaptureRepository
	bufferService *storage.BufferService
	hubService    *websocket.HubService
	emitter       *mqtt.Emitter
	engine        *services.Engine

	wg sync.WaitGroup
}

func NewApp(cfg *config.Config) (*App, error) {
	log := logger.NewLogger(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture log: %w", err)
	}
	repo := sqlite.NewCaptureRepository(db)

	buffer, err := storage.NewBufferService(cfg.ImageDirectory, cfg.RecentCaptures, cfg.ThumbnailWidth, repo, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	gateway, err := newGateway(cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	hub := websocket.NewHubService(log)

	var emitter *mqtt.Emitter
	if cfg.MQTTBroker != "" {
		emitter = mqtt.NewEmitter(cfg, log)
	}

	return &App{
		config:        cfg,
		logger:        log,
		db:            db,
		repo:          repo,
		bufferService: buffer,
		hubService:    hub,
		emitter:       emitter,
		engine:        services.NewEngine(cfg, gateway, buffer, hub, emitter, log),
	}, nil
}

func newGateway(cfg *config.Config, log *logger.Logger) (device.Gateway, error) {
	switch cfg.Device {
	case "", "sim":
		return sim.New(640, 424, cfg.FrameRate, log), nil
	}
	return nil, fmt.Errorf("unknown device %q", cfg.Device)
}

func (a *App) Engine() *services.Engine {
	return a.engine
}

func (a *App) Logger() *logger.Logger {
	return a.logger
}

// Start launches the hub, the broker connection and the engine, then turns
// live view on. Everything stops when ctx ends; call Wait before Close.
func (a *App) Start(ctx context.Context) error {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.hubService.Run(ctx)
	}()

	if a.emitter != nil {
		if err := a.emitter.Connect(ctx); err != nil {
			a.logger.Warning("MQTT broker unavailable, retrying in background: %v", err)
		}
	}

	go func() {
		defer a.wg.Done()
		if err := a.engine.Run(ctx); err != nil {
			a.logger.Error("Engine stopped: %v", err)
		}
	}()

	if err := a.engine.StartLiveView(ctx); err != nil {
		return fmt.Errorf("failed to start live view: %w", err)
	}
	return nil
}

// Wait blocks until the background services started by Start have stopped.
func (a *App) Wait() {
	a.wg.Wait()
}

// Close releases the broker connection and the capture log.
func (a *App) Close() {
	if a.emitter != nil {
		a.emitter.Disconnect()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warning("Error closing capture log: %v", err)
	}
}

// Run serves the web interface until ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		a.logger.Error("%v", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           routes.SetupRoutes(a.engine, a.repo, a.config, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	a.logger.Info("Tethered camera server on http://localhost:%d (device %s, images %s)", a.config.Port, a.config.Device, a.config.ImageDirectory)

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	}
	a.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
