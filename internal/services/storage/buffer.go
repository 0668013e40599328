package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"tethercam/internal/device"
	"tethercam/internal/logger"
	"tethercam/internal/models"
	"tethercam/internal/repository"
)

const (
	thumbnailDir    = "thumbs"
	timestampLayout = "2006-01-02_15-04-05"
)

// Stored is the result of storing one photo.
type Stored struct {
	Capture   models.Capture
	Thumbnail []byte
}

// BufferService writes captured photos to disk, records them in the capture
// log and keeps the most recent ones in memory.
type BufferService struct {
	imagesDir      string
	thumbnailWidth int
	bufferLimit    int
	repo           repository.CaptureRepository
	logger         *logger.Logger

	mu     sync.Mutex
	recent []models.Capture // newest first

	series atomic.Int64
	seq    atomic.Int64
}

func NewBufferService(imagesDir string, bufferLimit, thumbnailWidth int, repo repository.CaptureRepository, logger *logger.Logger) (*BufferService, error) {
	if err := os.MkdirAll(filepath.Join(imagesDir, thumbnailDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	s := &BufferService{
		imagesDir:      imagesDir,
		thumbnailWidth: thumbnailWidth,
		bufferLimit:    bufferLimit,
		repo:           repo,
		logger:         logger,
		recent:         make([]models.Capture, 0, bufferLimit),
	}

	if repo != nil {
		series, err := repo.MaxSeries()
		if err != nil {
			return nil, err
		}
		s.series.Store(series)

		recent, err := repo.Recent(bufferLimit)
		if err != nil {
			return nil, err
		}
		s.recent = append(s.recent, recent...)
	}
	return s, nil
}

// NextSeries starts a new stacking series and returns its number.
func (s *BufferService) NextSeries() int64 {
	return s.series.Add(1)
}

// Series is the current series number.
func (s *BufferService) Series() int64 {
	return s.series.Load()
}

// AddCapture writes photo and its thumbnail to disk and records it.
func (s *BufferService) AddCapture(photo device.Photo, focusCounter int, source string) (*Stored, error) {
	if photo.Time.IsZero() {
		photo.Time = time.Now()
	}

	filename := s.filename(photo)
	fullpath := filepath.Join(s.imagesDir, filename)
	if err := os.WriteFile(fullpath, photo.Data, 0644); err != nil {
		return nil, fmt.Errorf("failed to save image %s: %w", filename, err)
	}

	thumb, err := s.thumbnail(photo.Data)
	if err != nil {
		s.logger.Warning("Thumbnail for %s failed: %v", filename, err)
	}
	var thumbPath string
	if thumb != nil {
		thumbPath = ThumbnailPath(s.imagesDir, filename)
		if err := os.WriteFile(thumbPath, thumb, 0644); err != nil {
			s.logger.Warning("Error saving thumbnail %s: %v", filename, err)
			thumbPath = ""
		}
	}

	c := models.Capture{
		Filename:      filename,
		FilePath:      fullpath,
		ThumbnailPath: thumbPath,
		FileSize:      int64(len(photo.Data)),
		Series:        s.series.Load(),
		FocusCounter:  focusCounter,
		Source:        source,
		Timestamp:     photo.Time,
	}
	if s.repo != nil {
		id, err := s.repo.Insert(&c)
		if err != nil {
			return nil, err
		}
		c.ID = id
	}

	s.mu.Lock()
	s.recent = append([]models.Capture{c}, s.recent...)
	if len(s.recent) > s.bufferLimit {
		s.recent = s.recent[:s.bufferLimit]
	}
	s.logger.Debug("Buffer size: %d/%d", len(s.recent), s.bufferLimit)
	s.mu.Unlock()

	return &Stored{Capture: c, Thumbnail: thumb}, nil
}

// RecentCaptures returns up to n captures, newest first.
func (s *BufferService) RecentCaptures(n int) ([]models.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]models.Capture, n)
	copy(out, s.recent[:n])
	return out, nil
}

// Load reads the stored photo for c.
func (s *BufferService) Load(c models.Capture) ([]byte, error) {
	data, err := os.ReadFile(c.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.Filename, err)
	}
	return data, nil
}

func (s *BufferService) filename(photo device.Photo) string {
	stem := strings.TrimSuffix(filepath.Base(photo.Name), filepath.Ext(photo.Name))
	if stem == "" || stem == "." {
		stem = "IMG"
	}
	return fmt.Sprintf("%s_%05d_%s.jpg", photo.Time.Format(timestampLayout), s.seq.Add(1), stem)
}

// ParseFilename returns the capture time encoded in a stored file name.
func ParseFilename(name string) (time.Time, error) {
	if len(name) < len(timestampLayout) {
		return time.Time{}, fmt.Errorf("invalid capture file name %q", name)
	}
	ts, err := time.ParseInLocation(timestampLayout, name[:len(timestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid capture file name %q: %w", name, err)
	}
	return ts, nil
}

// ThumbnailPath is where the thumbnail of a stored photo is written.
func ThumbnailPath(imagesDir, filename string) string {
	return filepath.Join(imagesDir, thumbnailDir, filename)
}

func (s *BufferService) thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() > s.thumbnailWidth {
		img = imaging.Resize(img, s.thumbnailWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
