package server

import (
	"context"
	"fmt"

	"github.com/cyclopcam/wardwatch/server/config"
	"github.com/cyclopcam/wardwatch/server/eventlog"
	"github.com/cyclopcam/wardwatch/server/snapshot"
)

func (s *Server) openEventLog(path string) error {
	events, err := eventlog.Open(s.Log, path)
	if err != nil {
		return fmt.Errorf("Failed to open event log '%v': %w", path, err)
	}
	s.Log.Infof("Event log '%v'", path)
	s.events = events
	s.closers = append(s.closers, func() { events.Close() })
	return nil
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
func (s *Server) openSnapshotStorage(cfg config.StorageConfig) error {
	if cfg.GCS != nil {
		// Google Cloud Storage
		gcs, err := snapshot.NewStorageGCS(context.Background(), s.Log, cfg.GCS.Bucket, cfg.GCS.Prefix, cfg.GCS.Public)
		if err != nil {
			return err
		}
		s.storage = gcs
		s.closers = append(s.closers, func() { gcs.Close() })
		s.Log.Infof("Snapshot storage: GCS bucket '%v', prefix '%v'", cfg.GCS.Bucket, cfg.GCS.Prefix)
	} else if cfg.Filesystem != nil {
		fs, err := snapshot.NewStorageFS(s.Log, cfg.Filesystem.Root)
		if err != nil {
			return err
		}
		s.storage = fs
		s.Log.Infof("Snapshot storage: '%v'", fs.Root)
	} else {
		return fmt.Errorf("One of the snapshot storage options must be configured (i.e. either 'filesystem' or 'gcs')")
	}
	s.snapshots = snapshot.NewWriter(s.Log, s.storage)
	return nil
}
