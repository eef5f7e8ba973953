package authz

import (
	"context"
	"errors"
)

// Names of the vectors stored per point in the similarity store
const (
	VectorCoarse  = "coarse"
	VectorPrecise = "precise"
)

var ErrStoreUnavailable = errors.New("similarity store unavailable")

// Identity is the payload attached to every stored staff embedding
type Identity struct {
	StaffID    string `json:"staffID"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// NamedVectors holds one embedding per vector name (VectorCoarse, VectorPrecise)
type NamedVectors map[string][]float32

// Match is a single nearest neighbour result
type Match struct {
	PointID  string       `json:"pointID"`
	Score    float32      `json:"score"` // Cosine similarity against the queried vector
	Identity Identity     `json:"identity"`
	Vectors  NamedVectors `json:"-"` // The stored vectors of this point, if the store returns them
}

// SimilarityStore is a nearest neighbour index of staff embeddings.
// A single staff member may have several points (eg front, left and right face angles).
type SimilarityStore interface {
	Upsert(ctx context.Context, pointID string, vectors NamedVectors, identity Identity) error
	Query(ctx context.Context, vectorName string, vector []float32, topK int) ([]Match, error)
	// Delete all points belonging to staffID. Returns the number of points deleted.
	Delete(ctx context.Context, staffID string) (int, error)
}
