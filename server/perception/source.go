package perception

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/pkg/gen"
	"golang.org/x/time/rate"
)

// Backoff limits when the camera is unreachable
const (
	MinBackoff = 250 * time.Millisecond
	MaxBackoff = 10 * time.Second
)

// Maximum size of a camera snapshot
const maxFrameBytes = 32 * 1024 * 1024

var ErrSourceClosed = errors.New("frame source closed")

// Frame is one decoded camera image
type Frame struct {
	Image image.Image
	Time  time.Time
}

// FrameSource yields the freshest available frame. Frames are never queued.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close()
}

// HTTPFrameSource polls a camera's JPEG snapshot URL.
// When the camera is unreachable, Next keeps retrying with exponential backoff
// until it gets a frame, or the context is cancelled.
type HTTPFrameSource struct {
	Log    logs.Log
	URL    string
	Client *http.Client

	online   atomic.Bool
	closed   atomic.Bool
	closeCh  chan struct{}
	closeOne sync.Once
	logError rate.Sometimes
}

func NewHTTPFrameSource(log logs.Log, url string, timeout time.Duration) *HTTPFrameSource {
	return &HTTPFrameSource{
		Log:      log,
		URL:      url,
		Client:   &http.Client{Timeout: timeout},
		closeCh:  make(chan struct{}),
		logError: rate.Sometimes{Interval: 15 * time.Second},
	}
}

// Online is false from the first failed fetch, until the next successful one
func (s *HTTPFrameSource) Online() bool {
	return s.online.Load()
}

func (s *HTTPFrameSource) Close() {
	s.closeOne.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
	})
}

func (s *HTTPFrameSource) Next(ctx context.Context) (Frame, error) {
	backoff := MinBackoff
	for {
		if s.closed.Load() {
			return Frame{}, ErrSourceClosed
		}
		img, err := s.fetch(ctx)
		if err == nil {
			if !s.online.Swap(true) {
				s.Log.Infof("Camera: online (%v)", s.URL)
			}
			return Frame{Image: img, Time: time.Now()}, nil
		}
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if s.online.Swap(false) {
			s.Log.Warnf("Camera: offline (%v): %v", s.URL, err)
		}
		s.logError.Do(func() {
			s.Log.Errorf("Camera: failed to fetch frame, retrying in %v: %v", backoff, err)
		})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.closeCh:
			return Frame{}, ErrSourceClosed
		}
		backoff = gen.Clamp(backoff*2, MinBackoff, MaxBackoff)
	}
}

func (s *HTTPFrameSource) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %v", resp.Status)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode frame: %w", err)
	}
	return img, nil
}
