package dposstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gordian-engine/aedpos/dpos/dposfinality"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// DefaultRoundHistory is how many round snapshots a MemStore retains
// by default. Consensus only reads the current and previous rounds;
// the deeper history exists for queries and debugging.
const DefaultRoundHistory = 256

// MemStore is an in-memory Store. Round snapshots beyond the retained
// history age out; everything else is kept for the life of the store.
//
// It is safe for concurrent use.
type MemStore struct {
	mu sync.Mutex

	rounds       *lru.Cache[uint64, *dposround.Round]
	currentRound uint64
	currentTerm  uint64

	termMiners map[uint64][]string

	watermark dposfinality.Watermark

	start time.Time
}

// NewMemStore returns a MemStore retaining the given number of round
// snapshots; zero or negative history uses DefaultRoundHistory.
func NewMemStore(roundHistory int) (*MemStore, error) {
	if roundHistory <= 0 {
		roundHistory = DefaultRoundHistory
	}
	cache, err := lru.New[uint64, *dposround.Round](roundHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to build round cache: %w", err)
	}
	return &MemStore{
		rounds:     cache,
		termMiners: make(map[uint64][]string),
	}, nil
}

func (s *MemStore) SaveRound(_ context.Context, r *dposround.Round) error {
	if r == nil || r.Number == 0 {
		return fmt.Errorf("refusing to save invalid round")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rounds.Add(r.Number, r.Clone())
	if r.Number > s.currentRound {
		s.currentRound = r.Number
		s.currentTerm = r.TermNumber
	}
	return nil
}

func (s *MemStore) LoadRound(_ context.Context, number uint64) (*dposround.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds.Get(number)
	if !ok {
		return nil, fmt.Errorf("round %d: %w", number, ErrRoundNotFound)
	}
	return r.Clone(), nil
}

func (s *MemStore) CurrentRoundNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentRound, nil
}

func (s *MemStore) CurrentTermNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentTerm, nil
}

func (s *MemStore) SaveTermMinerList(_ context.Context, termNumber uint64, miners []string) error {
	if termNumber == 0 || len(miners) == 0 {
		return fmt.Errorf("refusing to save empty miner list for term %d", termNumber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]string, len(miners))
	copy(cp, miners)
	s.termMiners[termNumber] = cp
	return nil
}

func (s *MemStore) LoadTermMinerList(_ context.Context, termNumber uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	miners, ok := s.termMiners[termNumber]
	if !ok {
		return nil, fmt.Errorf("term %d: %w", termNumber, ErrTermNotFound)
	}
	cp := make([]string, len(miners))
	copy(cp, miners)
	return cp, nil
}

func (s *MemStore) SaveWatermark(_ context.Context, w dposfinality.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !w.Observes(s.watermark) {
		return fmt.Errorf(
			"watermark (%d/%d) moves behind stored (%d/%d)",
			w.Height, w.RoundNumber, s.watermark.Height, s.watermark.RoundNumber,
		)
	}
	s.watermark = w
	return nil
}

func (s *MemStore) LoadWatermark(_ context.Context) (dposfinality.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.watermark, nil
}

func (s *MemStore) SetBlockchainStart(_ context.Context, start time.Time) error {
	if start.IsZero() {
		return fmt.Errorf("refusing to record zero blockchain start")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.start.IsZero() {
		return fmt.Errorf("blockchain start already recorded as %s", s.start.UTC())
	}
	s.start = start
	return nil
}

func (s *MemStore) BlockchainStart(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.start, nil
}
