package conversation

import (
	"context"

	"github.com/wrldbldr/stagegate/service/dao"
	"github.com/wrldbldr/stagegate/service/dao/criteria"
	"github.com/wrldbldr/stagegate/service/dao/store"
)

// Session states used for dao filtering.
const (
	StateActive = "active"
	StateEnded  = "ended"
)

// State returns the session's dao filter state.
func (s *Session) State() string {
	if s.Ended {
		return StateEnded
	}
	return StateActive
}

// sessionDAO stores sessions in memory and supports state-based listing via
// dao parameters.
type sessionDAO struct {
	*store.MemoryStore[string, Session]
}

func newSessionDAO() *sessionDAO {
	return &sessionDAO{
		MemoryStore: store.NewMemoryStore[string, Session](func(s *Session) string { return s.ID }),
	}
}

// List returns sessions matching the supplied parameters, e.g.
// dao.NewParameter("State", StateActive).
func (d *sessionDAO) List(ctx context.Context, parameters ...*dao.Parameter) ([]*Session, error) {
	all, err := d.MemoryStore.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, session := range all {
		if criteria.FilterByState(session.State(), parameters) {
			out = append(out, session)
		}
	}
	return out, nil
}

var _ dao.Service[string, Session] = (*sessionDAO)(nil)
