package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/pkg/vecmath"
)

// Method is the path by which an authorization decision was reached
type Method string

const (
	MethodPrecise Method = "precise" // Face embedding verified
	MethodCoarse  Method = "coarse"  // General visual similarity, only trusted at very high scores
	MethodNone    Method = "none"
)

// MatchQuality qualifies a decision, mostly for the unauthorized case
type MatchQuality string

const (
	QualityHigh      MatchQuality = "high_confidence"
	QualityUncertain MatchQuality = "uncertain" // Close to somebody, but not close enough to name them
	QualityNoMatch   MatchQuality = "no_match"
)

type Config struct {
	TopK               int     `json:"topK"`
	PreciseThreshold   float32 `json:"preciseThreshold"`   // Minimum face similarity for the precise path
	CoarseSanityFloor  float32 `json:"coarseSanityFloor"`  // Minimum coarse similarity that must accompany a precise match
	CoarseThreshold    float32 `json:"coarseThreshold"`    // Minimum coarse similarity for the coarse path (no face visible)
	MinConsiderScore   float32 `json:"minConsiderScore"`   // Below this, an unauthorized result is "no_match" rather than "uncertain"
	StrangerSimilarity float32 `json:"strangerSimilarity"` // Cosine similarity above which an unauthorized person is a returning stranger
}

func DefaultConfig() Config {
	return Config{
		TopK:               5,
		PreciseThreshold:   0.55,
		CoarseSanityFloor:  0.75,
		CoarseThreshold:    0.90,
		MinConsiderScore:   0.85,
		StrangerSimilarity: 0.85,
	}
}

// Decision is the result of an authorization check
type Decision struct {
	Authorized        bool         `json:"authorized"`
	Identity          Identity     `json:"identity"` // Empty unless Authorized
	Confidence        float32      `json:"confidence"`
	Method            Method       `json:"method"`
	MatchQuality      MatchQuality `json:"matchQuality"`
	ReturningStranger bool         `json:"returningStranger"`
	CoarseScore       float32      `json:"coarseScore"`
	PreciseScore      float32      `json:"preciseScore"`
}

// Candidate is a deduplicated identity from the similarity store
type Candidate struct {
	Identity     Identity
	CoarseScore  float32 // Best coarse similarity over all of this identity's points
	PreciseScore float32 // Best face similarity over all of this identity's points (0 if unknown)
}

// Engine decides whether a person is an authorized staff member.
// Decide is safe for concurrent use, so that checks for several tracks can run in parallel.
type Engine struct {
	Log       logs.Log
	store     SimilarityStore
	strangers *StrangerCache
	cfg       Config
}

func NewEngine(log logs.Log, store SimilarityStore, strangers *StrangerCache, cfg Config) *Engine {
	return &Engine{
		Log:       log,
		store:     store,
		strangers: strangers,
		cfg:       cfg,
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// PurgeStrangers drops expired entries from the stranger cache
func (e *Engine) PurgeStrangers() {
	if e.strangers != nil {
		e.strangers.Purge()
	}
}

// Decide runs the hybrid decision.
// 'face' may be nil. A fallback face embedding is treated as if there were no face.
// An error means the similarity store could not be queried. There is no verdict in that case.
func (e *Engine) Decide(ctx context.Context, coarse []float32, face *nn.FaceDetail) (Decision, error) {
	if len(coarse) == 0 {
		return Decision{}, fmt.Errorf("empty coarse embedding")
	}
	var precise []float32
	if face.IsGenuine() {
		precise = face.Embedding
	}

	candidates, err := e.Candidates(ctx, coarse, precise)
	if err != nil {
		return Decision{}, err
	}
	d := decide(e.cfg, candidates, precise != nil)

	if !d.Authorized && e.strangers != nil {
		d.ReturningStranger = e.strangers.Observe(coarse)
	}
	return d, nil
}

// Candidates queries the similarity store, and deduplicates the results by identity.
// If precise is not nil, candidates are ranked by face similarity, otherwise by coarse similarity.
func (e *Engine) Candidates(ctx context.Context, coarse, precise []float32) ([]Candidate, error) {
	matches, err := e.store.Query(ctx, VectorCoarse, coarse, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	byID := map[string]*Candidate{}
	order := []string{}
	for _, m := range matches {
		key := m.Identity.StaffID
		if key == "" {
			key = m.PointID
		}
		c := byID[key]
		if c == nil {
			c = &Candidate{Identity: m.Identity}
			byID[key] = c
			order = append(order, key)
		}
		c.CoarseScore = max(c.CoarseScore, m.Score)
		if precise != nil {
			if stored := m.Vectors[VectorPrecise]; len(stored) != 0 {
				c.PreciseScore = max(c.PreciseScore, vecmath.Cosine(precise, stored))
			}
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, *byID[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if precise != nil && out[i].PreciseScore != out[j].PreciseScore {
			return out[i].PreciseScore > out[j].PreciseScore
		}
		return out[i].CoarseScore > out[j].CoarseScore
	})
	return out, nil
}

// decide is the pure decision policy. candidates must be sorted best-first.
func decide(cfg Config, candidates []Candidate, havePrecise bool) Decision {
	if len(candidates) == 0 {
		return Decision{
			Method:       MethodNone,
			MatchQuality: QualityNoMatch,
		}
	}
	top := candidates[0]
	bestCoarse := float32(0)
	for _, c := range candidates {
		bestCoarse = max(bestCoarse, c.CoarseScore)
	}

	// A face was seen, and the top identity has a stored face to compare against
	if havePrecise && top.PreciseScore > 0 {
		if top.PreciseScore >= cfg.PreciseThreshold && top.CoarseScore >= cfg.CoarseSanityFloor {
			return Decision{
				Authorized:   true,
				Identity:     top.Identity,
				Confidence:   top.PreciseScore,
				Method:       MethodPrecise,
				MatchQuality: QualityHigh,
				CoarseScore:  top.CoarseScore,
				PreciseScore: top.PreciseScore,
			}
		}
	} else if top.CoarseScore >= cfg.CoarseThreshold {
		return Decision{
			Authorized:   true,
			Identity:     top.Identity,
			Confidence:   top.CoarseScore,
			Method:       MethodCoarse,
			MatchQuality: QualityHigh,
			CoarseScore:  top.CoarseScore,
		}
	}

	quality := QualityNoMatch
	if bestCoarse >= cfg.MinConsiderScore {
		quality = QualityUncertain
	}
	return Decision{
		Confidence:   bestCoarse,
		Method:       MethodNone,
		MatchQuality: quality,
		CoarseScore:  top.CoarseScore,
		PreciseScore: top.PreciseScore,
	}
}
