package service

import (
	"context"
	"sort"
	"time"

	"github.com/richardliu001/ledger-bridge/internal/breaker"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/repo"
)

// StatusStore is the repository surface of the status snapshot.
type StatusStore interface {
	QueueDepth(ctx context.Context) (map[model.CommandStatus]int64, error)
	DeadLetterCounts(ctx context.Context) ([]repo.DeadLetterCount, error)
}

// Breakers reports per-identity breaker state.
type Breakers interface {
	BreakerStates() map[string]breaker.State
}

// Projection reports projector channels.
type Projection interface {
	Status() []projector.ChannelStatus
	Config() projector.Config
}

type ProjectionStatus struct {
	TenantID string                    `json:"tenant_id"`
	Name     string                    `json:"name"`
	Channels []projector.ChannelStatus `json:"channels"`
}

// Status is the operational snapshot served at /v1/status.
type Status struct {
	At          time.Time                     `json:"at"`
	Healthy     bool                          `json:"healthy"`
	Queue       map[model.CommandStatus]int64 `json:"queue"`
	Breakers    map[string]string             `json:"breakers"`
	Projections []ProjectionStatus            `json:"projections"`
	DeadLetters []repo.DeadLetterCount        `json:"dead_letters"`
}

// StatusService assembles the snapshot.
type StatusService struct {
	store       StatusStore
	breakers    Breakers
	projections []Projection
	now         func() time.Time
}

// NewStatusService returns StatusService. breakers and projections are
// optional.
func NewStatusService(s StatusStore, b Breakers, projections ...Projection) *StatusService {
	return &StatusService{store: s, breakers: b, projections: projections, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot reads every source. Healthy is false when any breaker is open or
// any channel is halted.
func (s *StatusService) Snapshot(ctx context.Context) (*Status, error) {
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	dls, err := s.store.DeadLetterCounts(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{At: s.now(), Healthy: true, Queue: depth, Breakers: map[string]string{}, DeadLetters: dls}
	if s.breakers != nil {
		for id, b := range s.breakers.BreakerStates() {
			st.Breakers[id] = b.String()
			if b == breaker.StateOpen {
				st.Healthy = false
			}
		}
	}
	for _, p := range s.projections {
		cfg := p.Config()
		ps := ProjectionStatus{TenantID: cfg.TenantID, Name: cfg.Name, Channels: p.Status()}
		for _, ch := range ps.Channels {
			if ch.Halted {
				st.Healthy = false
			}
		}
		st.Projections = append(st.Projections, ps)
	}
	sort.Slice(st.Projections, func(i, j int) bool {
		return st.Projections[i].TenantID+st.Projections[i].Name < st.Projections[j].TenantID+st.Projections[j].Name
	})
	return st, nil
}
