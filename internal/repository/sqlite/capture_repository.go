package sqlite

import (
	"database/sql"
	"fmt"

	"tethercam/internal/models"
)

// CaptureRepository implements repository.CaptureRepository for SQLite.
type CaptureRepository struct {
	db *DB
}

// NewCaptureRepository creates a new SQLite capture repository.
func NewCaptureRepository(db *DB) *CaptureRepository {
	return &CaptureRepository{db: db}
}

const captureColumns = `id, filename, filepath, thumbnail_path, filesize, series, focus_counter, source, timestamp`

type scanner interface {
	Scan(dest ...any) error
}

func scanCapture(row scanner) (*models.Capture, error) {
	var c models.Capture
	err := row.Scan(&c.ID, &c.Filename, &c.FilePath, &c.ThumbnailPath, &c.FileSize,
		&c.Series, &c.FocusCounter, &c.Source, &c.Timestamp)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Insert adds a new capture record to the database.
func (r *CaptureRepository) Insert(c *models.Capture) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	source := c.Source
	if source == "" {
		source = models.SourceDevice
	}

	result, err := r.db.Conn().Exec(`
		INSERT INTO captures (filename, filepath, thumbnail_path, filesize, series, focus_counter, source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Filename, c.FilePath, c.ThumbnailPath, c.FileSize, c.Series, c.FocusCounter, source, c.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture: %w", err)
	}

	return result.LastInsertId()
}

// GetByID retrieves a capture by its ID.
func (r *CaptureRepository) GetByID(id int64) (*models.Capture, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	c, err := scanCapture(r.db.Conn().QueryRow(`SELECT `+captureColumns+` FROM captures WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return c, nil
}

// Recent returns up to limit captures, newest first.
func (r *CaptureRepository) Recent(limit int) ([]models.Capture, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT `+captureColumns+` FROM captures
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// GetBySeries returns the captures of one stacking series in capture order.
func (r *CaptureRepository) GetBySeries(series int64) ([]models.Capture, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT `+captureColumns+` FROM captures
		WHERE series = ?
		ORDER BY timestamp ASC, id ASC
	`, series)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// MaxSeries returns the highest series number recorded, or 0.
func (r *CaptureRepository) MaxSeries() (int64, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var max sql.NullInt64
	if err := r.db.Conn().QueryRow(`SELECT MAX(series) FROM captures`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get series: %w", err)
	}
	return max.Int64, nil
}

// Stats returns totals over the capture log.
func (r *CaptureRepository) Stats() (*models.CaptureStats, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var stats models.CaptureStats
	var size, series sql.NullInt64
	err := r.db.Conn().QueryRow(`
		SELECT COUNT(*), SUM(filesize), MAX(series) FROM captures
	`).Scan(&stats.TotalCaptures, &size, &series)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.TotalSizeBytes = size.Int64
	stats.Series = series.Int64
	return &stats, nil
}

// Delete removes a capture by ID.
func (r *CaptureRepository) Delete(id int64) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.Conn().Exec(`DELETE FROM captures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
	}
	return nil
}

func collect(rows *sql.Rows) ([]models.Capture, error) {
	var captures []models.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, *c)
	}
	return captures, rows.Err()
}
