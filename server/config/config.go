// Package config loads the wardwatch JSON configuration file
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/cyclopcam/wardwatch/server/authz"
	"github.com/cyclopcam/wardwatch/server/behavior"
	"github.com/cyclopcam/wardwatch/server/broadcast"
	"github.com/cyclopcam/wardwatch/server/vehicle"
)

const DefaultFilename = "wardwatch.json"

type Config struct {
	Listen               string                `json:"listen"`               // eg ":8080"
	AlertDB              dbh.DBConfig          `json:"alertDB"`              // Alert history
	StaffDB              dbh.DBConfig          `json:"staffDB"`              // Registered staff embeddings
	AlertRetentionDays   int                   `json:"alertRetentionDays"`   // Alerts older than this are deleted. Zero keeps them forever.
	EventLog             string                `json:"eventLog"`             // Path to the JSONL event log
	Snapshots            StorageConfig         `json:"snapshots"`            // Where evidence snapshots are written
	Camera               CameraConfig          `json:"camera"`               // The monitored camera
	Perception           PerceptionConfig      `json:"perception"`           // Model servers
	Zones                []nn.Zone             `json:"zones"`                // If empty, the built-in zone heuristic is used
	Authorization        authz.Config          `json:"authorization"`
	Behavior             behavior.Settings     `json:"behavior"`
	Vehicle              vehicle.Config        `json:"vehicle"`
	Cooldowns            CooldownConfig        `json:"cooldowns"`
	Pipeline             PipelineConfig        `json:"pipeline"`
	MQTT                 *broadcast.MQTTConfig `json:"mqtt"`                 // Optional alert sink
	APIRequestsPerMinute int                   `json:"apiRequestsPerMinute"` // Per client IP
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
	Prefix string `json:"prefix"` // Optional. Snapshots are stored under this path inside the bucket.
	Public bool   `json:"public"` // Whether the bucket is public, so that snapshot URLs can be handed out directly
}

type CameraConfig struct {
	Name           string  `json:"name"`
	SnapshotURL    string  `json:"snapshotURL"`    // HTTP URL that returns the current frame as a JPEG
	TimeoutSeconds float64 `json:"timeoutSeconds"` // Per request
}

type PerceptionConfig struct {
	DetectorURL string `json:"detectorURL"`
	PoseURL     string `json:"poseURL"`     // Optional. Aggression detection needs it.
	EmbedderURL string `json:"embedderURL"` // Coarse embeddings
	FaceURL     string `json:"faceURL"`     // Optional. Without it, only the coarse authorization path is available.
}

type CooldownConfig struct {
	PersonSeconds   float64 `json:"personSeconds"`
	VehicleSeconds  float64 `json:"vehicleSeconds"`
	BehaviorSeconds float64 `json:"behaviorSeconds"`
	CrowdSeconds    float64 `json:"crowdSeconds"`
	StrangerSeconds float64 `json:"strangerSeconds"`
}

type PipelineConfig struct {
	FrameBudgetMS            int     `json:"frameBudgetMS"`            // Target time per frame
	Concurrency              int     `json:"concurrency"`              // Max simultaneous per-track model calls
	RecheckUnknownSeconds    float64 `json:"recheckUnknownSeconds"`    // Authorization recheck interval per state
	RecheckUnauthSeconds     float64 `json:"recheckUnauthSeconds"`
	RecheckAuthSeconds       float64 `json:"recheckAuthSeconds"`
	UnauthorizedGraceSeconds float64 `json:"unauthorizedGraceSeconds"` // A person must be visible this long before an unauthorized alert
	BehaviorIntervalSeconds  float64 `json:"behaviorIntervalSeconds"`  // Behavior analysis throttle
	MaxSnapshotsPerTrack     int     `json:"maxSnapshotsPerTrack"`
	StrangerRetentionMinutes float64 `json:"strangerRetentionMinutes"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *CooldownConfig) Windows() alerts.Windows {
	return alerts.Windows{
		Person:   seconds(c.PersonSeconds),
		Vehicle:  seconds(c.VehicleSeconds),
		Behavior: seconds(c.BehaviorSeconds),
		Crowd:    seconds(c.CrowdSeconds),
		Stranger: seconds(c.StrangerSeconds),
	}
}

// Default returns a configuration with every optional field populated
func Default() *Config {
	w := alerts.DefaultWindows()
	return &Config{
		Listen:             ":8080",
		AlertDB:            dbh.MakeSqliteConfig("data/alerts.sqlite"),
		StaffDB:            dbh.MakeSqliteConfig("data/staff.sqlite"),
		AlertRetentionDays: 30,
		EventLog:           "data/events.jsonl",
		Snapshots: StorageConfig{
			Filesystem: &StorageConfigFS{Root: "data/snapshots"},
		},
		Camera: CameraConfig{
			Name:           "camera",
			TimeoutSeconds: 5,
		},
		Authorization: authz.DefaultConfig(),
		Behavior:      behavior.DefaultSettings(),
		Vehicle:       vehicle.DefaultConfig(),
		Cooldowns: CooldownConfig{
			PersonSeconds:   w.Person.Seconds(),
			VehicleSeconds:  w.Vehicle.Seconds(),
			BehaviorSeconds: w.Behavior.Seconds(),
			CrowdSeconds:    w.Crowd.Seconds(),
			StrangerSeconds: w.Stranger.Seconds(),
		},
		Pipeline: PipelineConfig{
			FrameBudgetMS:            33,
			Concurrency:              4,
			RecheckUnknownSeconds:    0.5,
			RecheckUnauthSeconds:     2,
			RecheckAuthSeconds:       6,
			UnauthorizedGraceSeconds: 0.5,
			BehaviorIntervalSeconds:  0.2,
			MaxSnapshotsPerTrack:     3,
			StrangerRetentionMinutes: 60,
		},
		APIRequestsPerMinute: 600,
	}
}

// Load reads a JSON config file. Fields that are missing from the file keep their defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	return Parse(raw)
}

// Parse decodes a JSON config on top of the defaults, and validates it
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading config as JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validThreshold(name string, v float32) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("authorization.%v must be between 0 and 1 (got %v)", name, v)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Camera.SnapshotURL == "" {
		return errors.New("camera.snapshotURL is required")
	}
	if c.Perception.DetectorURL == "" {
		return errors.New("perception.detectorURL is required")
	}
	if c.Perception.EmbedderURL == "" {
		return errors.New("perception.embedderURL is required")
	}
	if (c.Snapshots.Filesystem == nil) == (c.Snapshots.GCS == nil) {
		return errors.New("snapshots must configure exactly one of 'filesystem' or 'gcs'")
	}
	if c.Snapshots.GCS != nil && c.Snapshots.GCS.Bucket == "" {
		return errors.New("snapshots.gcs.bucket is required")
	}
	if c.EventLog == "" {
		return errors.New("eventLog is required")
	}
	a := &c.Authorization
	for _, t := range []struct {
		name string
		v    float32
	}{
		{"preciseThreshold", a.PreciseThreshold},
		{"coarseSanityFloor", a.CoarseSanityFloor},
		{"coarseThreshold", a.CoarseThreshold},
		{"minConsiderScore", a.MinConsiderScore},
		{"strangerSimilarity", a.StrangerSimilarity},
	} {
		if err := validThreshold(t.name, t.v); err != nil {
			return err
		}
	}
	if a.TopK < 1 {
		return errors.New("authorization.topK must be at least 1")
	}
	if err := c.Behavior.Validate(); err != nil {
		return fmt.Errorf("behavior: %w", err)
	}
	for i, z := range c.Zones {
		if z.Name == "" || len(z.Polygon) < 3 {
			return fmt.Errorf("zones[%v] needs a name and at least 3 points", i)
		}
	}
	if c.Pipeline.FrameBudgetMS < 1 {
		return errors.New("pipeline.frameBudgetMS must be at least 1")
	}
	if c.Pipeline.Concurrency < 1 {
		return errors.New("pipeline.concurrency must be at least 1")
	}
	if c.MQTT != nil && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is configured")
	}
	return nil
}
