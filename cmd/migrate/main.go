package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"tethercam/internal/models"
	"tethercam/internal/repository/sqlite"
	"tethercam/internal/services/storage"
)

// migrate creates the capture log schema and indexes photos already in the
// image directory that are missing from it.
func main() {
	imagesDir := flag.String("images", "images", "Directory containing captured photos")
	dbPath := flag.String("db", "data/captures.db", "Database path")
	flag.Parse()

	fmt.Printf("Indexing photos from %s into %s\n", *imagesDir, *dbPath)

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if v, err := db.Version(); err == nil {
		fmt.Printf("Schema version %d\n", v)
	}
	repo := sqlite.NewCaptureRepository(db)

	files, err := os.ReadDir(*imagesDir)
	if err != nil {
		log.Fatalf("Failed to read images directory: %v", err)
	}

	inserted, skipped := 0, 0
	for _, file := range files {
		if file.IsDir() || !strings.EqualFold(filepath.Ext(file.Name()), ".jpg") {
			continue
		}

		timestamp, err := storage.ParseFilename(file.Name())
		if err != nil {
			log.Printf("Skipping %s: %v", file.Name(), err)
			skipped++
			continue
		}

		info, err := file.Info()
		if err != nil {
			log.Printf("Failed to get info for %s: %v", file.Name(), err)
			skipped++
			continue
		}

		c := &models.Capture{
			Filename:  file.Name(),
			FilePath:  filepath.Join(*imagesDir, file.Name()),
			FileSize:  info.Size(),
			Source:    models.SourceDevice,
			Timestamp: timestamp,
		}
		if strings.HasSuffix(strings.TrimSuffix(file.Name(), filepath.Ext(file.Name())), "_snapshot") {
			c.Source = models.SourceSnapshot
		}
		if thumb := storage.ThumbnailPath(*imagesDir, file.Name()); fileExists(thumb) {
			c.ThumbnailPath = thumb
		}

		if _, err := repo.Insert(c); err != nil {
			// Already indexed photos fail the unique file name constraint.
			skipped++
			continue
		}
		inserted++
	}

	fmt.Printf("Indexed %d photos\n", inserted)
	if skipped > 0 {
		fmt.Printf("Skipped %d files (invalid name, already indexed or unreadable)\n", skipped)
	}

	stats, err := repo.Stats()
	if err == nil {
		fmt.Printf("\nCapture log:\n")
		fmt.Printf("   Total captures: %d\n", stats.TotalCaptures)
		fmt.Printf("   Total size: %d bytes\n", stats.TotalSizeBytes)
		fmt.Printf("   Last series: %d\n", stats.Series)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
