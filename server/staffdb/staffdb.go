// Package staffdb is a SQLite-backed similarity store of staff embeddings.
// The staff list is small (hundreds of points at most), so all points are kept
// in memory and searched by brute force. SQLite is the durable copy.
package staffdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/pkg/vecmath"
	"github.com/cyclopcam/wardwatch/server/authz"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const MaxAngles = 3

var ErrInvalidRegistration = errors.New("invalid staff registration")

// Angle is one view of a staff member at registration time
type Angle struct {
	Name    string    `json:"name"`
	Coarse  []float32 `json:"coarse"`
	Precise []float32 `json:"precise"` // Optional
}

type Registration struct {
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Department string  `json:"department"`
	Angles     []Angle `json:"angles"`
}

type StaffDB struct {
	Log logs.Log
	DB  *gorm.DB

	lock   sync.RWMutex
	points []*StaffPoint // In-memory mirror of the staff_point table
}

// Open or create a staff DB
func Open(log logs.Log, dbc dbh.DBConfig) (*StaffDB, error) {
	if dbc.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(dbc.Database), 0770)
	}
	db, err := dbh.OpenDB(log, dbc, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open staff database %v: %w", dbc.Database, err)
	}
	s := &StaffDB{
		Log: log,
		DB:  db,
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	log.Infof("StaffDB: loaded %v points", len(s.points))
	return s, nil
}

func (s *StaffDB) Close() {
	if sqlDB, err := s.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *StaffDB) reload() error {
	points := []*StaffPoint{}
	if err := s.DB.Order("id").Find(&points).Error; err != nil {
		return fmt.Errorf("Failed to read staff points: %w", err)
	}
	s.lock.Lock()
	s.points = points
	s.lock.Unlock()
	return nil
}

// Register adds a new staff member, with one point per angle.
// Returns the new staff ID.
func (s *StaffDB) Register(ctx context.Context, reg Registration) (string, error) {
	if reg.Name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if len(reg.Angles) == 0 || len(reg.Angles) > MaxAngles {
		return "", fmt.Errorf("%w: between 1 and %v angles are required", ErrInvalidRegistration, MaxAngles)
	}
	for i, a := range reg.Angles {
		if len(a.Coarse) == 0 {
			return "", fmt.Errorf("%w: angle %v has no coarse embedding", ErrInvalidRegistration, i)
		}
	}

	staffID := uuid.NewString()
	identity := authz.Identity{
		StaffID:    staffID,
		Name:       reg.Name,
		Role:       reg.Role,
		Department: reg.Department,
	}
	for i, a := range reg.Angles {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("angle%v", i)
		}
		vectors := authz.NamedVectors{authz.VectorCoarse: a.Coarse}
		if len(a.Precise) != 0 {
			vectors[authz.VectorPrecise] = a.Precise
		}
		if err := s.upsert(ctx, staffID+"-"+name, name, vectors, identity); err != nil {
			// Don't leave a partially registered staff member behind
			s.Delete(ctx, staffID)
			return "", err
		}
	}
	s.Log.Infof("StaffDB: registered %v (%v) with %v angles", reg.Name, staffID, len(reg.Angles))
	return staffID, nil
}

// Upsert implements authz.SimilarityStore
func (s *StaffDB) Upsert(ctx context.Context, pointID string, vectors authz.NamedVectors, identity authz.Identity) error {
	return s.upsert(ctx, pointID, "", vectors, identity)
}

func (s *StaffDB) upsert(ctx context.Context, pointID, angle string, vectors authz.NamedVectors, identity authz.Identity) error {
	coarse := vectors[authz.VectorCoarse]
	if len(coarse) == 0 {
		return fmt.Errorf("Point %v has no coarse vector", pointID)
	}
	p := &StaffPoint{
		PointID:    pointID,
		StaffID:    identity.StaffID,
		Name:       identity.Name,
		Role:       identity.Role,
		Department: identity.Department,
		Angle:      angle,
		Coarse:     dbh.MakeJSONField(vecmath.Normalize(coarse)),
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}
	if precise := vectors[authz.VectorPrecise]; len(precise) != 0 {
		pj := dbh.MakeJSONField(vecmath.Normalize(precise))
		p.Precise = &pj
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("point_id = ?", pointID).Delete(&StaffPoint{}).Error; err != nil {
			return err
		}
		return tx.Create(p).Error
	})
	if err != nil {
		return fmt.Errorf("Failed to save staff point %v: %w", pointID, err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for i, existing := range s.points {
		if existing.PointID == pointID {
			s.points[i] = p
			return nil
		}
	}
	s.points = append(s.points, p)
	return nil
}

// Query implements authz.SimilarityStore.
// Results are sorted by descending cosine similarity, and include the stored vectors of each point.
func (s *StaffDB) Query(ctx context.Context, vectorName string, vector []float32, topK int) ([]authz.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if vectorName != authz.VectorCoarse && vectorName != authz.VectorPrecise {
		return nil, fmt.Errorf("Unknown vector name '%v'", vectorName)
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	matches := []authz.Match{}
	for _, p := range s.points {
		stored := p.vector(vectorName)
		if len(stored) == 0 {
			continue
		}
		matches = append(matches, authz.Match{
			PointID:  p.PointID,
			Score:    vecmath.Cosine(vector, stored),
			Identity: p.Identity(),
			Vectors:  p.namedVectors(),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete implements authz.SimilarityStore
func (s *StaffDB) Delete(ctx context.Context, staffID string) (int, error) {
	res := s.DB.WithContext(ctx).Where("staff_id = ?", staffID).Delete(&StaffPoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("Failed to delete staff %v: %w", staffID, res.Error)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	kept := s.points[:0]
	for _, p := range s.points {
		if p.StaffID != staffID {
			kept = append(kept, p)
		}
	}
	s.points = kept
	return int(res.RowsAffected), nil
}

// List returns all staff members, sorted by name
func (s *StaffDB) List() []Staff {
	s.lock.RLock()
	defer s.lock.RUnlock()
	byID := map[string]*Staff{}
	for _, p := range s.points {
		st := byID[p.StaffID]
		if st == nil {
			st = &Staff{
				Identity:  p.Identity(),
				CreatedAt: p.CreatedAt,
			}
			byID[p.StaffID] = st
		}
		st.AnglesCount++
		if p.Precise != nil && len(p.Precise.Data) != 0 {
			st.HasFace = true
		}
	}
	out := make([]Staff, 0, len(byID))
	for _, st := range byID {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].StaffID < out[j].StaffID
	})
	return out
}

// Get returns a single staff member
func (s *StaffDB) Get(staffID string) (Staff, bool) {
	for _, st := range s.List() {
		if st.StaffID == staffID {
			return st, true
		}
	}
	return Staff{}, false
}

// NumPoints returns the number of stored points
func (s *StaffDB) NumPoints() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.points)
}

// Ping verifies that the database is reachable
func (s *StaffDB) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
