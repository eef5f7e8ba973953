package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
)

const DefaultJPEGQuality = 85

// Writer encodes frames and writes them to a Storage
type Writer struct {
	Log     logs.Log
	Storage Storage
	Quality int // JPEG quality, 1..100
}

func NewWriter(log logs.Log, storage Storage) *Writer {
	return &Writer{
		Log:     log,
		Storage: storage,
		Quality: DefaultJPEGQuality,
	}
}

// EncodeJPEG encodes img as a JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Name returns the storage name of a snapshot, eg "2024-03-05/143000.123-P-4-UNAUTHORIZED_PERSON.jpg"
func Name(now time.Time, subject, kind string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r == '/' || r == '\\' || r == '.' || r == ' ' {
				return '_'
			}
			return r
		}, s)
	}
	return fmt.Sprintf("%v/%v-%v-%v.jpg", now.Format("2006-01-02"), now.Format("150405.000"), clean(subject), clean(kind))
}

// Save annotates img with labels, encodes it, and stores it. Returns the storage name.
func (w *Writer) Save(ctx context.Context, img image.Image, labels []Label, subject, kind string, now time.Time) (string, error) {
	if len(labels) != 0 {
		img = Annotate(img, labels)
	}
	data, err := EncodeJPEG(img, w.Quality)
	if err != nil {
		return "", fmt.Errorf("Failed to encode snapshot: %w", err)
	}
	name := Name(now, subject, kind)
	if err := WriteFile(ctx, w.Storage, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("Failed to write snapshot %v: %w", name, err)
	}
	w.Log.Infof("Snapshot: saved %v (%v KB)", name, len(data)/1024)
	return name, nil
}
