package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tethercam/internal/config"
	"tethercam/internal/device"
	"tethercam/internal/focus"
	"tethercam/internal/geometry"
	"tethercam/internal/logger"
	"tethercam/internal/models"
	"tethercam/internal/services/acquisition"
	"tethercam/internal/services/capture"
	"tethercam/internal/services/events"
	"tethercam/internal/services/motion"
	"tethercam/internal/services/mqtt"
	"tethercam/internal/services/overlay"
	"tethercam/internal/services/pipeline"
	"tethercam/internal/services/stacking"
	"tethercam/internal/services/storage"
	"tethercam/internal/services/websocket"
)

// ErrFocusLocked rejects autofocus while a focus point is locked.
var ErrFocusLocked = device.NewConfigurationError("focus", "unlock the focus points before autofocus")

// Engine owns one camera session: the device lease, the live view loop and
// every activity that borrows the device.
type Engine struct {
	cfg     *config.Config
	gateway device.Gateway
	lease   *device.Lease
	retrier *device.Retrier
	bus     *events.Bus
	logger  *logger.Logger

	scheduler  *acquisition.Scheduler
	pipeline   *pipeline.Pipeline
	compositor *overlay.Compositor
	detector   *motion.DiffDetector
	motion     *motion.Controller
	focus      *focus.State
	mover      *focus.Mover
	stacking   *stacking.Machine
	capture    *capture.Sequencer

	bufferService    *storage.BufferService
	websocketService *websocket.HubService
	emitter          *mqtt.Emitter

	lastFrame atomic.Pointer[device.RawFrame]
	snapshots atomic.Bool

	mu     sync.Mutex
	runCtx context.Context
	wg     sync.WaitGroup
}

// NewEngine wires the engine around gateway. hub and emitter may be nil.
func NewEngine(cfg *config.Config, gateway device.Gateway, bufferService *storage.BufferService, hub *websocket.HubService, emitter *mqtt.Emitter, logger *logger.Logger) *Engine {
	e := &Engine{
		cfg:              cfg,
		gateway:          gateway,
		lease:            device.NewLease(),
		retrier:          device.NewRetrier(cfg.FocusRetryGap, logger),
		bus:              events.NewBus(),
		logger:           logger,
		bufferService:    bufferService,
		websocketService: hub,
		emitter:          emitter,
		runCtx:           context.Background(),
	}

	e.compositor = overlay.NewCompositor(bufferService, logger)
	e.compositor.SetDescriptor(overlay.Descriptor{Count: cfg.OverlayPhotos, Scale: 100, Transparency: 50, TransparencyBetween: 50})
	e.detector = motion.NewDiffDetector()
	e.motion = motion.NewController(e.detector, e, e.bus, logger)

	settings := pipeline.DefaultSettings()
	settings.Quality = cfg.JPEGQuality
	settings.PreviewTime = cfg.PreviewDuration
	e.pipeline = pipeline.NewPipeline(settings, cfg.FrameRate, e.motion, e.compositor, e.bus, logger)

	e.scheduler = acquisition.NewScheduler(gateway, e.lease, e, e.bus, acquisition.Config{
		Interval:       cfg.TickInterval(),
		StartRetry:     cfg.LiveViewStartGap,
		StopRetry:      cfg.LiveViewStopGap,
		RestartBackoff: cfg.RestartBackoff,
	}, logger)

	e.focus = focus.NewState(cfg.FocusStepSmall)
	e.mover = focus.NewMover(gateway, e.focus, e.lease, cfg.FocusRetryGap, e.scheduler, e.bus, logger)
	e.capture = capture.NewSequencer(gateway, e.lease, e.scheduler, e.bus, capture.Config{
		Settle:        cfg.CaptureSettle,
		CameraReady:   cfg.CameraReady,
		RetryInterval: cfg.LiveViewStartGap,
	}, logger)
	e.stacking = stacking.NewMachine(e.mover, e.capture, e.scheduler, e.focus, stacking.Steps{
		Small:  cfg.FocusStepSmall,
		Medium: cfg.FocusStepMedium,
		Large:  cfg.FocusStepLarge,
	}, e.bus, logger)
	e.stacking.NewSeries = bufferService.NextSeries

	if n, ok := gateway.(device.PhotoNotifier); ok {
		n.OnPhotoCaptured(e.PhotoCaptured)
	}

	logger.Info("Engine ready (%d fps, quality %d)", cfg.FrameRate, cfg.JPEGQuality)
	return e
}

// Run forwards events to viewers and the broker until ctx ends, then stops
// every activity.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	if e.websocketService != nil {
		ch, err := e.bus.Subscribe("viewers", 4)
		if err != nil {
			return err
		}
		e.wg.Add(1)
		go e.forwardToViewers(ctx, ch)
	}

	if e.emitter != nil {
		ch, err := e.bus.Subscribe("mqtt", 64, mqtt.Forwarded...)
		if err != nil {
			return err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.emitter.Run(ctx, ch)
		}()
	}

	<-ctx.Done()
	e.Stop()
	return nil
}

// Stop ends live view and any running sequence.
func (e *Engine) Stop() {
	e.capture.Cancel()
	e.stacking.Stop()
	e.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-e.stacking.Done():
	case <-ctx.Done():
		e.logger.Warning("Stacking did not stop in time")
	}
	if err := e.scheduler.StopLiveView(ctx); err != nil {
		e.logger.Warning("Live view stop on shutdown failed: %v", err)
	}

	for e.scheduler.InFlight() && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}

	e.bus.Close()
	e.wg.Wait()
	e.compositor.Close()
	e.detector.Close()
	e.logger.Info("Engine stopped")
}

func (e *Engine) forwardToViewers(ctx context.Context, ch <-chan events.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.sendToViewers(ev)
		}
	}
}

func (e *Engine) sendToViewers(ev events.Event) {
	if ev.Type == events.FrameReady {
		if ev.Frame == nil {
			return
		}
		e.websocketService.BroadcastFrame(ev.Frame.JPEG)
		if ev.Frame.Histogram != nil {
			if data, err := json.Marshal(histogramMessage{Type: "histogram", Histogram: ev.Frame.Histogram}); err == nil {
				e.websocketService.BroadcastJSON(data)
			}
		}
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("Failed to encode %s event: %v", ev.Type, err)
		return
	}
	e.websocketService.BroadcastJSON(data)
}

type histogramMessage struct {
	Type      string            `json:"type"`
	Histogram *events.Histogram `json:"histogram"`
}

// HandleFrame records frame telemetry and runs the pipeline.
func (e *Engine) HandleFrame(frame *device.RawFrame) error {
	e.lastFrame.Store(frame)
	return e.pipeline.HandleFrame(frame)
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

func (e *Engine) StartLiveView(ctx context.Context) error {
	return e.scheduler.StartLiveView(ctx)
}

func (e *Engine) StopLiveView(ctx context.Context) error {
	return e.scheduler.StopLiveView(ctx)
}

// StartCapture runs an N-shot sequence in the background.
func (e *Engine) StartCapture(req capture.Request) error {
	if e.stacking.Running() {
		return stacking.ErrRunning
	}
	ch, err := e.capture.Start(e.ctx(), req)
	if err != nil {
		return err
	}
	go func() {
		rep := <-ch
		e.logger.Debug("Capture %s ended at %s (%d/%d)", rep.ID, rep.Stage, rep.Completed, rep.Requested)
	}()
	return nil
}

// CancelCapture stops a running capture sequence or countdown.
func (e *Engine) CancelCapture() {
	e.capture.Cancel()
}

// Capture takes one shot. It is the motion controller's capture action.
func (e *Engine) Capture(ctx context.Context) error {
	if e.stacking.Running() {
		return stacking.ErrRunning
	}
	return e.capture.Preview(ctx)
}

// PhotoCaptured stores a photo reported by the device and shows its
// thumbnail in place of live view.
func (e *Engine) PhotoCaptured(photo device.Photo) {
	e.motion.Reset()
	e.scheduler.Freeze(e.cfg.FreezeDuration)

	counter := e.focus.Snapshot().Counter
	stored, err := e.bufferService.AddCapture(photo, counter, models.SourceDevice)
	if err != nil {
		e.logger.Error("Unable to store %s: %v", photo.Name, err)
		e.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Unable to store photo: " + err.Error()})
		return
	}
	e.pipeline.SetCaptured(stored.Thumbnail, time.Now())
	e.publishStored(stored.Capture)

	if e.stacking.Running() || e.capture.InProgress() {
		return
	}
	go func() {
		if err := e.scheduler.StartLiveView(e.ctx()); err != nil {
			e.logger.Debug("Live view restart after capture failed: %v", err)
		}
	}()
}

func (e *Engine) publishStored(c models.Capture) {
	e.compositor.Invalidate()
	e.logger.Info("Stored %s (series %d, focus %d)", c.Filename, c.Series, c.FocusCounter)
	e.bus.Publish(events.Event{
		Type:    events.PhotoStored,
		ID:      strconv.FormatInt(c.ID, 10),
		Message: c.Filename,
		Counter: c.FocusCounter,
		Value:   float64(c.Series),
	})
}

// Snapshot stores the last live view frame n times, interval apart,
// without involving the device.
func (e *Engine) Snapshot(ctx context.Context, n int, interval time.Duration) (int, error) {
	if !e.snapshots.CompareAndSwap(false, true) {
		return 0, errors.New("snapshot already in progress")
	}
	defer e.snapshots.Store(false)
	if n < 1 {
		n = 1
	}

	stored := 0
	for i := 0; i < n; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return stored, ctx.Err()
			case <-time.After(interval):
			}
		}
		out := e.pipeline.Last()
		if out == nil {
			return stored, errors.New("no live view frame available")
		}
		photo := device.Photo{Name: "snapshot.jpg", Data: out.JPEG, Time: time.Now()}
		s, err := e.bufferService.AddCapture(photo, e.focus.Snapshot().Counter, models.SourceSnapshot)
		if err != nil {
			return stored, err
		}
		e.publishStored(s.Capture)
		stored++
	}
	return stored, nil
}

// MoveFocus moves the lens and waits for the move to complete.
func (e *Engine) MoveFocus(ctx context.Context, steps int) (focus.MoveResult, error) {
	if e.stacking.Running() {
		return focus.MoveResult{}, stacking.ErrRunning
	}
	ch, err := e.mover.Move(e.ctx(), steps)
	if err != nil {
		return focus.MoveResult{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return focus.MoveResult{}, ctx.Err()
	}
}

func (e *Engine) LockNear()   { e.focus.LockNear() }
func (e *Engine) LockFar()    { e.focus.LockFar() }
func (e *Engine) UnlockNear() { e.focus.UnlockNear() }
func (e *Engine) UnlockFar()  { e.focus.UnlockFar() }

// SetStepSize sets the range stacking step; the photo count follows.
func (e *Engine) SetStepSize(v int) focus.Snapshot {
	e.focus.SetStepSize(v)
	return e.focus.Snapshot()
}

// SetPhotoCount sets the range stacking photo count; the step size follows.
func (e *Engine) SetPhotoCount(v int) focus.Snapshot {
	e.focus.SetPhotoCount(v)
	return e.focus.Snapshot()
}

func (e *Engine) Focus() focus.Snapshot {
	return e.focus.Snapshot()
}

// AutoFocus runs the device autofocus. Rejected while a focus point is locked.
func (e *Engine) AutoFocus(ctx context.Context) error {
	if e.focus.Locked() {
		return ErrFocusLocked
	}
	return e.deviceCall(ctx, "autofocus", e.gateway.AutoFocus)
}

// FocusAt focuses on a point in device focus coordinates.
func (e *Engine) FocusAt(ctx context.Context, x, y int) error {
	if e.focus.Locked() {
		return ErrFocusLocked
	}
	if !e.gateway.Capability(device.CapFocusPoint) {
		return device.NewConfigurationError("focus", "camera does not support point focus")
	}
	return e.deviceCall(ctx, "focus point", func() error { return e.gateway.FocusAt(x, y) })
}

func (e *Engine) StartRecording(ctx context.Context) error {
	if !e.gateway.Capability(device.CapRecordMovie) {
		return device.NewConfigurationError("record", "camera cannot record movies")
	}
	if err := e.lease.Acquire(ctx); err != nil {
		return err
	}
	reason := e.gateway.ProhibitionCondition(device.OpRecordMovie)
	e.lease.Release()
	if reason != "" {
		return device.NewProhibitedError("record", reason)
	}
	if err := e.deviceCall(ctx, "start recording", e.gateway.StartRecordMovie); err != nil {
		return err
	}
	e.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Recording started"})
	return nil
}

func (e *Engine) StopRecording(ctx context.Context) error {
	if err := e.deviceCall(ctx, "stop recording", e.gateway.StopRecordMovie); err != nil {
		return err
	}
	e.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Recording stopped"})
	return nil
}

// Busy reports a capture sequence, stacking session or focus move in progress.
func (e *Engine) Busy() bool {
	return e.capture.InProgress() || e.stacking.Running() || e.mover.InProgress()
}

// deviceCall runs fn under the device lease with busy retries.
func (e *Engine) deviceCall(ctx context.Context, op string, fn func() error) error {
	if err := e.lease.Acquire(ctx); err != nil {
		return err
	}
	defer e.lease.Release()
	if err := e.retrier.Execute(ctx, op, fn); err != nil {
		e.logger.Error("Unable to %s: %v", op, err)
		e.bus.Publish(events.Event{Type: events.SystemMessage, Message: fmt.Sprintf("Unable to %s: %v", op, err)})
		return err
	}
	return nil
}

func (e *Engine) StartStacking(req stacking.Request) (string, error) {
	if e.capture.InProgress() {
		return "", capture.ErrInProgress
	}
	return e.stacking.Start(e.ctx(), req)
}

func (e *Engine) StopStacking() {
	e.stacking.Stop()
}

// StackingDone is closed when the current stacking session ends.
func (e *Engine) StackingDone() <-chan struct{} {
	return e.stacking.Done()
}

func (e *Engine) Settings() pipeline.Settings {
	return e.pipeline.Settings()
}

func (e *Engine) UpdateSettings(fn func(s *pipeline.Settings)) pipeline.Settings {
	return e.pipeline.Update(fn)
}

func (e *Engine) SetGrid(g pipeline.GridType) {
	e.pipeline.Update(func(s *pipeline.Settings) { s.Grid = g })
}

// SetOverlayFile selects an overlay image and enables file mode.
func (e *Engine) SetOverlayFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return device.NewConfigurationError("overlay", fmt.Sprintf("overlay file: %v", err))
	}
	e.compositor.SetFile(path)
	return nil
}

func (e *Engine) Overlay() overlay.Descriptor {
	return e.compositor.Descriptor()
}

func (e *Engine) SetOverlay(d overlay.Descriptor) {
	e.compositor.SetDescriptor(d)
}

func (e *Engine) Motion() motion.Config {
	return e.motion.Config()
}

func (e *Engine) SetMotion(cfg motion.Config) {
	e.motion.SetConfig(cfg)
}

// SetROI sets the motion region of interest and previews it as the ruler.
func (e *Engine) SetROI(b geometry.Bounds) error {
	if err := e.motion.SetROI(b); err != nil {
		return err
	}
	e.pipeline.Update(func(s *pipeline.Settings) { s.Ruler = b })
	return nil
}

// Bus exposes the event bus to additional subscribers.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

func (e *Engine) LastFrame() *pipeline.Output {
	return e.pipeline.Last()
}

func (e *Engine) RecentCaptures(n int) ([]models.Capture, error) {
	return e.bufferService.RecentCaptures(n)
}

func (e *Engine) GetBufferService() *storage.BufferService {
	return e.bufferService
}

func (e *Engine) GetWebsocketService() *websocket.HubService {
	return e.websocketService
}

type Telemetry struct {
	Recording          bool    `json:"recording"`
	MovieTimeRemaining float64 `json:"movie_time_remaining"`
	LevelAngle         int     `json:"level_angle"`
	SoundLeft          int     `json:"sound_left"`
	SoundRight         int     `json:"sound_right"`
}

type Status struct {
	LiveView    string            `json:"live_view"`
	FrameRate   float64           `json:"frame_rate"`
	Frames      int64             `json:"frames"`
	Restarts    int               `json:"restarts"`
	Frozen      bool              `json:"frozen"`
	Focus       focus.Snapshot    `json:"focus"`
	FocusMoving bool              `json:"focus_moving"`
	Stacking    stacking.Status   `json:"stacking"`
	Capturing   bool              `json:"capturing"`
	Countdown   int               `json:"countdown"`
	Motion      float64           `json:"motion"`
	Triggers    int64             `json:"triggers"`
	Series      int64             `json:"series"`
	Viewers     int               `json:"viewers"`
	Telemetry   *Telemetry        `json:"telemetry,omitempty"`
	MQTT        *mqtt.Stats       `json:"mqtt,omitempty"`
	Events      uint64            `json:"events"`
	Settings    pipeline.Settings `json:"settings"`
}

func (e *Engine) Status() Status {
	st := Status{
		LiveView:    e.scheduler.State().String(),
		FrameRate:   e.scheduler.FrameRate(),
		Frames:      e.scheduler.Frames(),
		Restarts:    e.scheduler.Restarts(),
		Frozen:      e.scheduler.Frozen(),
		Focus:       e.focus.Snapshot(),
		FocusMoving: e.mover.InProgress(),
		Stacking:    e.stacking.Status(),
		Capturing:   e.capture.InProgress(),
		Countdown:   e.capture.Countdown(),
		Motion:      e.motion.DisplayScore(),
		Triggers:    e.motion.Triggers(),
		Series:      e.bufferService.Series(),
		Events:      e.bus.Published(),
		Settings:    e.pipeline.Settings(),
	}
	if e.websocketService != nil {
		st.Viewers = e.websocketService.GetClientCount()
	}
	if f := e.lastFrame.Load(); f != nil {
		st.Telemetry = &Telemetry{
			Recording:          f.Recording,
			MovieTimeRemaining: f.MovieTimeRemaining,
			LevelAngle:         f.LevelAngle,
			SoundLeft:          f.SoundLeft,
			SoundRight:         f.SoundRight,
		}
	}
	if e.emitter != nil {
		stats := e.emitter.Stats()
		st.MQTT = &stats
	}
	return st
}
