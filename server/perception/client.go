// Package perception talks to the external model servers (detector, pose, embedders) and to the camera
package perception

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/pkg/requests"
	"github.com/cyclopcam/wardwatch/pkg/vecmath"
)

// Quality of the JPEG frames that we send to the model servers
const UploadJPEGQuality = 90

// Service is a model server that accepts a JPEG image, and responds with JSON
type Service struct {
	BaseURL string
	Client  *http.Client
}

func NewService(baseURL string, timeout time.Duration) *Service {
	return &Service{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func post[T any](ctx context.Context, s *Service, path string, img image.Image) (*T, error) {
	buf := bytes.Buffer{}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: UploadJPEGQuality}); err != nil {
		return nil, fmt.Errorf("Failed to encode image: %w", err)
	}
	return requests.Do[T](ctx, s.Client, "POST", s.BaseURL+path, "image/jpeg", &buf)
}

type detectResponse struct {
	Detections []nn.Detection `json:"detections"`
}

type poseResponse struct {
	Pose *nn.Pose `json:"pose"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type faceResponse struct {
	Face *nn.FaceDetail `json:"face"`
}

// Detector is an nn.ObjectDetector, served by POST /detect
type Detector struct {
	*Service
}

func (d *Detector) Detect(ctx context.Context, img image.Image) ([]nn.Detection, error) {
	r, err := post[detectResponse](ctx, d.Service, "/detect", img)
	if err != nil {
		return nil, fmt.Errorf("Detector: %w", err)
	}
	return nn.FilterValid(r.Detections), nil
}

// PoseClient is an nn.PoseExtractor, served by POST /pose
type PoseClient struct {
	*Service
}

func (p *PoseClient) Pose(ctx context.Context, crop image.Image) (*nn.Pose, error) {
	r, err := post[poseResponse](ctx, p.Service, "/pose", crop)
	if err != nil {
		return nil, fmt.Errorf("Pose: %w", err)
	}
	if r.Pose == nil || len(r.Pose.Landmarks) == 0 {
		return nil, nil
	}
	return r.Pose, nil
}

// Embedder is an nn.CoarseEmbedder, served by POST /embed
type Embedder struct {
	*Service
}

func (e *Embedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	r, err := post[embedResponse](ctx, e.Service, "/embed", img)
	if err != nil {
		return nil, fmt.Errorf("Embedder: %w", err)
	}
	if len(r.Embedding) == 0 {
		return nil, fmt.Errorf("Embedder: empty embedding")
	}
	return vecmath.Normalize(r.Embedding), nil
}

// FaceClient is an nn.FaceEmbedder, served by POST /face
type FaceClient struct {
	*Service
}

func (f *FaceClient) Face(ctx context.Context, img image.Image) (*nn.FaceDetail, error) {
	r, err := post[faceResponse](ctx, f.Service, "/face", img)
	if err != nil {
		return nil, fmt.Errorf("Face: %w", err)
	}
	if r.Face == nil || len(r.Face.Embedding) == 0 {
		return nil, nil
	}
	r.Face.Embedding = vecmath.Normalize(r.Face.Embedding)
	return r.Face, nil
}
