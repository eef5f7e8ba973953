// Package alerts persists alerts, and fans them out to subscribers
package alerts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("alert not found")

// Publisher receives every new alert. broadcast.Hub is the production implementation.
type Publisher interface {
	Publish(msg any)
}

// Topic is used by publishers that route messages, such as the MQTT sink
func (a *Alert) Topic() string {
	return string(a.Type)
}

// Manager owns alerts once they have been created.
// Cooldowns are not enforced here. That is the job of the caller.
type Manager struct {
	Log           logs.Log
	DB            *gorm.DB
	RetentionDays int // Alerts older than this are deleted by Purge. Zero keeps alerts forever.

	publisher Publisher
}

func NewManager(log logs.Log, dbc dbh.DBConfig, publisher Publisher, retentionDays int) (*Manager, error) {
	if dbc.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(dbc.Database), 0770)
	}
	db, err := dbh.OpenDB(log, dbc, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open alert database %v: %w", dbc.Database, err)
	}
	return &Manager{
		Log:           log,
		DB:            db,
		RetentionDays: retentionDays,
		publisher:     publisher,
	}, nil
}

func (m *Manager) Close() {
	if sqlDB, err := m.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Add assigns an ID and timestamp (if missing), persists the alert, and publishes it
func (m *Manager) Add(a *Alert) (*Alert, error) {
	stored := *a
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Time == 0 {
		stored.Time = dbh.MakeIntTime(time.Now())
	}
	if stored.Subject == "" {
		stored.Subject = SubjectGlobal
	}
	if stored.Severity == "" {
		stored.Severity = SeverityInfo
	}
	stored.Acknowledged = false
	if err := m.DB.Create(&stored).Error; err != nil {
		return nil, fmt.Errorf("Failed to save alert: %w", err)
	}
	m.Log.Infof("Alert: %v %v (%v) %v", stored.Severity, stored.Type, stored.Subject, stored.Title)
	if m.publisher != nil {
		m.publisher.Publish(&stored)
	}
	return &stored, nil
}

// Acknowledge marks an alert as acknowledged. Returns false if the alert does not exist.
func (m *Manager) Acknowledge(id string) (bool, error) {
	res := m.DB.Model(&Alert{}).Where("id = ?", id).Update("acknowledged", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected != 0, nil
}

func (m *Manager) Get(id string) (*Alert, error) {
	a := Alert{}
	if err := m.DB.Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetRecent returns the most recent alerts, newest first
func (m *Manager) GetRecent(limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 10
	}
	alerts := []Alert{}
	if err := m.DB.Order("time DESC, id").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

// GetActiveCount returns the number of unacknowledged alerts
func (m *Manager) GetActiveCount() (int64, error) {
	n := int64(0)
	err := m.DB.Model(&Alert{}).Where("acknowledged = ?", false).Count(&n).Error
	return n, err
}

// Purge deletes alerts older than RetentionDays
func (m *Manager) Purge(now time.Time) (int64, error) {
	if m.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := dbh.MakeIntTime(now.AddDate(0, 0, -m.RetentionDays))
	res := m.DB.Where("time < ?", cutoff).Delete(&Alert{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected != 0 {
		m.Log.Infof("Alert: purged %v alerts older than %v days", res.RowsAffected, m.RetentionDays)
	}
	return res.RowsAffected, nil
}
