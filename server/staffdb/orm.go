package staffdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/wardwatch/server/authz"
)

// StaffPoint is one stored embedding pair of a staff member.
// A staff member has one point per registered angle.
type StaffPoint struct {
	ID         int64                     `gorm:"primaryKey" json:"id"`
	PointID    string                    `json:"pointID"`
	StaffID    string                    `json:"staffID"`
	Name       string                    `json:"name"`
	Role       string                    `json:"role"`
	Department string                    `json:"department"`
	Angle      string                    `json:"angle"` // eg "front", "left", "right"
	Coarse     dbh.JSONField[[]float32]  `json:"-"`
	Precise    *dbh.JSONField[[]float32] `json:"-"` // nil if no genuine face was available for this angle
	CreatedAt  dbh.IntTime               `json:"createdAt"`
}

func (p *StaffPoint) Identity() authz.Identity {
	return authz.Identity{
		StaffID:    p.StaffID,
		Name:       p.Name,
		Role:       p.Role,
		Department: p.Department,
	}
}

func (p *StaffPoint) vector(name string) []float32 {
	switch name {
	case authz.VectorCoarse:
		return p.Coarse.Data
	case authz.VectorPrecise:
		if p.Precise != nil {
			return p.Precise.Data
		}
	}
	return nil
}

func (p *StaffPoint) namedVectors() authz.NamedVectors {
	nv := authz.NamedVectors{
		authz.VectorCoarse: p.Coarse.Data,
	}
	if p.Precise != nil && len(p.Precise.Data) != 0 {
		nv[authz.VectorPrecise] = p.Precise.Data
	}
	return nv
}

// Staff is the deduplicated view of a staff member
type Staff struct {
	authz.Identity
	AnglesCount int         `json:"anglesCount"`
	HasFace     bool        `json:"hasFace"` // At least one angle has a precise (face) vector
	CreatedAt   dbh.IntTime `json:"createdAt"`
}
