package identity

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultSimilarityThreshold is the minimum robust similarity for a match.
	DefaultSimilarityThreshold = 0.85
	// DefaultMaxSamplesPerIdentity bounds the samples kept per identity.
	DefaultMaxSamplesPerIdentity = 50
	// IDPrefix prefixes every generated identity id.
	IDPrefix = "bird_"
)

// Outcome reports what Match did with an observation.
type Outcome int

const (
	// OutcomeCreated means a new identity was created.
	OutcomeCreated Outcome = iota
	// OutcomeMatched means the sample was appended to an existing identity.
	OutcomeMatched
	// OutcomeDuplicate means the source tag was seen before; nothing changed.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeMatched:
		return "matched"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// FeatureSample is one observation of an identity.
type FeatureSample struct {
	SourceTag             string    `json:"source_tag"`
	Vector                []float32 `json:"vector"`
	SimilarityAtInsertion float32   `json:"similarity_at_insertion"`
}

// Identity is one bird: its samples ordered oldest to newest.
type Identity struct {
	ID      string          `json:"id"`
	Samples []FeatureSample `json:"samples"`
}

// clone copies the sample list. Sample vectors are immutable and shared.
func (id *Identity) clone() Identity {
	return Identity{ID: id.ID, Samples: append([]FeatureSample(nil), id.Samples...)}
}

// MatchResult is the outcome of Store.Match.
type MatchResult struct {
	// Identity is a snapshot of the assigned identity after the call.
	Identity Identity
	// Similarity is the robust similarity of the best match, 0 for new identities.
	Similarity float32
	Outcome    Outcome
}

// Config configures a Store. Zero values take the defaults.
type Config struct {
	SimilarityThreshold   float32 `json:"similarity_threshold"     yaml:"similarity_threshold"`
	MaxSamplesPerIdentity int     `json:"max_samples_per_identity" yaml:"max_samples_per_identity"`
}

// Stats summarizes the store.
type Stats struct {
	Identities  int
	Samples     int
	PerIdentity map[string]int
}

// Store holds every identity seen during a run.
// All methods are safe for concurrent use; Match is serialized as a whole.
type Store struct {
	mu      sync.Mutex
	config  Config
	logger  *zap.Logger
	byID    map[string]*Identity
	order   []*Identity
	tags    map[string]*Identity
	counter int
}

// NewStore creates an empty store. A nil logger disables logging.
func NewStore(config Config, logger *zap.Logger) *Store {
	if config.SimilarityThreshold == 0 {
		config.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if config.MaxSamplesPerIdentity <= 0 {
		config.MaxSamplesPerIdentity = DefaultMaxSamplesPerIdentity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		config: config,
		logger: logger,
		byID:   make(map[string]*Identity),
		tags:   make(map[string]*Identity),
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

// Match assigns the observation tagged sourceTag to an identity.
//
// A repeated sourceTag returns the identity that already holds it without
// mutating anything. Otherwise the identity with the highest robust
// similarity is chosen (ties keep the oldest identity); at or above the
// threshold the sample is appended, evicting the oldest samples so at most
// MaxSamplesPerIdentity remain. Below the threshold a new identity is created.
//
// vector is expected to be L2-normalized; it is copied on insert.
func (s *Store) Match(sourceTag string, vector []float32) (MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tags[sourceTag]; ok {
		s.logger.Warn("duplicate observation", zap.String("tag", sourceTag), zap.String("identity", existing.ID))
		return MatchResult{Identity: existing.clone(), Outcome: OutcomeDuplicate}, nil
	}

	var (
		best      *Identity
		bestScore float32
	)
	for _, candidate := range s.order {
		score, err := RobustSimilarity(vector, candidate)
		if err != nil {
			return MatchResult{}, err
		}
		if best == nil || score > bestScore {
			best, bestScore = candidate, score
		}
	}

	stored := append([]float32(nil), vector...)

	if best != nil && bestScore >= s.config.SimilarityThreshold {
		s.appendSample(best, FeatureSample{SourceTag: sourceTag, Vector: stored, SimilarityAtInsertion: bestScore})
		return MatchResult{Identity: best.clone(), Similarity: bestScore, Outcome: OutcomeMatched}, nil
	}

	created := &Identity{
		ID:      fmt.Sprintf("%s%d", IDPrefix, s.counter),
		Samples: []FeatureSample{{SourceTag: sourceTag, Vector: stored}},
	}
	s.counter++
	s.byID[created.ID] = created
	s.order = append(s.order, created)
	s.tags[sourceTag] = created
	return MatchResult{Identity: created.clone(), Outcome: OutcomeCreated}, nil
}

// appendSample adds sample to id as a sliding window over the newest samples.
func (s *Store) appendSample(id *Identity, sample FeatureSample) {
	if overflow := len(id.Samples) + 1 - s.config.MaxSamplesPerIdentity; overflow > 0 {
		for _, evicted := range id.Samples[:overflow] {
			delete(s.tags, evicted.SourceTag)
		}
		id.Samples = append(id.Samples[:0:0], id.Samples[overflow:]...)
	}
	id.Samples = append(id.Samples, sample)
	s.tags[sample.SourceTag] = id
}

// Len returns the number of identities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Get returns a snapshot of the identity with the given id.
func (s *Store) Get(id string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.byID[id]
	if !ok {
		return Identity{}, false
	}
	return found.clone(), true
}

// Identities returns snapshots of every identity in creation order.
func (s *Store) Identities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, len(s.order))
	for i, id := range s.order {
		out[i] = id.clone()
	}
	return out
}

// Stats returns identity and sample counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Identities: len(s.order), PerIdentity: make(map[string]int, len(s.order))}
	for _, id := range s.order {
		stats.Samples += len(id.Samples)
		stats.PerIdentity[id.ID] = len(id.Samples)
	}
	return stats
}
