package advisory

import (
	"sync"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
)

// RolloutHistoryScorer rates entries by how often rollouts of the same
// subject have rolled back before. It only looks at entries it was shown.
type RolloutHistoryScorer struct {
	mu        sync.Mutex
	completed map[string]int
	rolled    map[string]int
}

func NewRolloutHistoryScorer() *RolloutHistoryScorer {
	return &RolloutHistoryScorer{
		completed: make(map[string]int),
		rolled:    make(map[string]int),
	}
}

func (s *RolloutHistoryScorer) Name() string { return "rollout-history" }

// Score returns the fraction of past rollouts for e.Subject that completed.
// Subjects with no history score 0.5.
func (s *RolloutHistoryScorer) Score(e *audit.Entry) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case audit.KindRolloutComplete:
		s.completed[e.Subject]++
	case audit.KindRollback:
		s.rolled[e.Subject]++
	}
	total := s.completed[e.Subject] + s.rolled[e.Subject]
	if total == 0 {
		return 0.5, nil
	}
	return float64(s.completed[e.Subject]) / float64(total), nil
}
