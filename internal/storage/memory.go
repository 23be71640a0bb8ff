package storage

import (
	"context"
	"sync"
	"time"

	"trade_runtime/internal/core"
)

// MemoryStore is an in-process IStore used by tests and by deployments
// that accept losing history on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[string]*core.Position
	assessments []*core.RiskAssessment
	events      []*core.EmergencyEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*core.Position),
	}
}

func (s *MemoryStore) SavePosition(_ context.Context, p *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveRiskAssessment(_ context.Context, a *core.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assessments = append(s.assessments, &cp)
	return nil
}

func (s *MemoryStore) SaveEmergencyEvent(_ context.Context, e *core.EmergencyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) LoadOpenPositions(_ context.Context) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Position
	for _, p := range s.positions {
		if p.Status == core.PositionPending || p.Status == core.PositionOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetStatistics(_ context.Context) (*core.LedgerStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &core.LedgerStatistics{}
	dayStart := time.Now().Truncate(24 * time.Hour)
	for _, p := range s.positions {
		if p.Status != core.PositionClosed {
			continue
		}
		stats.ClosedPositions++
		if p.RealizedPnL.IsPositive() {
			stats.Wins++
		} else if p.RealizedPnL.IsNegative() {
			stats.Losses++
		}
		stats.RealizedPnL = stats.RealizedPnL.Add(p.RealizedPnL)
		if !p.ExitTime.Before(dayStart) {
			stats.DailyPnL = stats.DailyPnL.Add(p.RealizedPnL)
		}
	}
	if stats.ClosedPositions > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.ClosedPositions)
	}
	stats.TotalPnL = stats.RealizedPnL
	return stats, nil
}

// EventCount reports how many emergency events were recorded.
func (s *MemoryStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) Close() error { return nil }
