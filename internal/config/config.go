package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           int
	Password       string
	SessionTTL     time.Duration
	ImageDirectory string
	DatabasePath   string
	LogDirectory   string
	Device         string // "sim" is the only built-in gateway

	FrameRate        int // live view ticks per second
	RetryAttempts    int
	LiveViewStartGap time.Duration // sleep between busy retries on live view start
	LiveViewStopGap  time.Duration
	FocusRetryGap    time.Duration
	RestartBackoff   time.Duration // no-data delay before live view is restarted
	FreezeDuration   time.Duration // live image hold after a capture
	PreviewDuration  time.Duration // captured thumbnail shown instead of live view
	CaptureSettle    time.Duration
	CameraReady      time.Duration // WaitForCamera timeout between shots
	JPEGQuality      int

	RecentCaptures int // captures kept in memory for the "last captured" overlay
	OverlayPhotos  int
	ThumbnailWidth int

	FocusStepSmall  int
	FocusStepMedium int
	FocusStepLarge  int

	MQTTBroker   string // empty disables the emitter
	MQTTTopic    string
	MQTTClientID string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnvAsInt("PORT", 8080),
		Password:       getEnv("PASSWORD", "tethercam"),
		SessionTTL:     time.Duration(getEnvAsInt64("SESSION_HOURS", 12)) * time.Hour,
		ImageDirectory: getEnv("IMAGE_DIR", filepath.Join(".", "images")),
		DatabasePath:   getEnv("DB_PATH", filepath.Join(".", "data", "captures.db")),
		LogDirectory:   getEnv("LOG_DIR", filepath.Join(".", "logs")),
		Device:         getEnv("DEVICE", "sim"),

		FrameRate:        getEnvAsInt("FRAME_RATE", 20),
		RetryAttempts:    getEnvAsInt("RETRY_ATTEMPTS", 35),
		LiveViewStartGap: getEnvAsMillis("LIVEVIEW_START_RETRY_MS", 100),
		LiveViewStopGap:  getEnvAsMillis("LIVEVIEW_STOP_RETRY_MS", 500),
		FocusRetryGap:    getEnvAsMillis("FOCUS_RETRY_MS", 50),
		RestartBackoff:   getEnvAsMillis("RESTART_BACKOFF_MS", 2000),
		FreezeDuration:   time.Duration(getEnvAsInt64("FREEZE_SECONDS", 0)) * time.Second,
		PreviewDuration:  time.Duration(getEnvAsInt64("PREVIEW_SECONDS", 0)) * time.Second,
		CaptureSettle:    getEnvAsMillis("CAPTURE_SETTLE_MS", 300),
		CameraReady:      getEnvAsMillis("CAMERA_READY_MS", 2000),
		JPEGQuality:      getEnvAsInt("JPEG_QUALITY", 50),

		RecentCaptures: getEnvAsInt("RECENT_CAPTURES", 10),
		OverlayPhotos:  getEnvAsInt("OVERLAY_PHOTOS", 3),
		ThumbnailWidth: getEnvAsInt("THUMBNAIL_WIDTH", 640),

		FocusStepSmall:  getEnvAsInt("FOCUS_STEP_SMALL", 10),
		FocusStepMedium: getEnvAsInt("FOCUS_STEP_MEDIUM", 50),
		FocusStepLarge:  getEnvAsInt("FOCUS_STEP_LARGE", 200),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "tethercam/events"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "tethercam"),
	}
	cfg.Validate()
	return cfg
}

// Validate clamps values that would stall the engine.
func (c *Config) Validate() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 12 * time.Hour
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 20
	}
	if c.RetryAttempts <= 0 || c.RetryAttempts > 35 {
		c.RetryAttempts = 35
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 50
	}
	if c.RestartBackoff < 2*time.Second {
		c.RestartBackoff = 2 * time.Second
	}
	if c.RecentCaptures < c.OverlayPhotos {
		c.RecentCaptures = c.OverlayPhotos
	}
	if c.ThumbnailWidth <= 0 {
		c.ThumbnailWidth = 640
	}
	if c.FocusStepSmall <= 0 {
		c.FocusStepSmall = 10
	}
	if c.FocusStepMedium <= 0 {
		c.FocusStepMedium = 50
	}
	if c.FocusStepLarge <= 0 {
		c.FocusStepLarge = 200
	}
}

// TickInterval is the live view timer period for the configured frame rate.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue int64) time.Duration {
	return time.Duration(getEnvAsInt64(key, defaultValue)) * time.Millisecond
}
