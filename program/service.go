package program

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/reqctx"
)

// Store persists programs. Save must be atomic: the program row and every
// row returned by supersede are written in one transaction, or none are.
type Store interface {
	// SaveProgram inserts p when p.ID is 0, otherwise updates it in place
	// and bumps Version. supersede receives the other programs of the same
	// tenant and type, read inside the transaction, and returns those to
	// rewrite. Returns ledger.ErrProgramNotFound when updating a program the
	// tenant does not own.
	SaveProgram(ctx context.Context, p Program, supersede func(saved Program, others []Program) []Program) (Program, error)

	GetProgram(ctx context.Context, tenant ledger.TenantID, id ledger.ProgramID) (Program, error)

	ListPrograms(ctx context.Context, tenant ledger.TenantID) ([]Program, error)
}

type Service struct {
	store Store
	clock ledger.Clock
}

func NewService(store Store, clock ledger.Clock) *Service {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Service{store: store, clock: clock}
}

// Save validates in and stores it. Activating a program closes the other
// active programs of the same type in the same transaction.
func (s *Service) Save(ctx context.Context, rc reqctx.RequestContext, in SaveInput) (Program, error) {
	if err := rc.Validate(); err != nil {
		return Program{}, err
	}
	p, err := Validate(rc.TenantID, in)
	if err != nil {
		return Program{}, err
	}

	now := s.clock.Now()
	p.UpdatedAt = now
	var closed []Program
	saved, err := s.store.SaveProgram(ctx, p, func(saved Program, others []Program) []Program {
		closed = Supersede(saved, others, now)
		return closed
	})
	if err != nil {
		return Program{}, err
	}

	fields := log.Fields{
		"tenant_id":  rc.TenantID,
		"program_id": saved.ID,
		"type":       saved.Type,
		"status":     saved.Status,
		"version":    saved.Version,
		"request_id": rc.RequestID,
	}
	log.WithFields(fields).Info("program saved")
	for _, c := range closed {
		log.WithFields(fields).WithFields(log.Fields{
			"closed_program_id": c.ID,
			"closed_status":     c.Status,
			"closed_end_at":     c.EndAt,
		}).Info("overlapping program closed")
	}
	return saved, nil
}

func (s *Service) Get(ctx context.Context, rc reqctx.RequestContext, id ledger.ProgramID) (Program, error) {
	if err := rc.Validate(); err != nil {
		return Program{}, err
	}
	return s.store.GetProgram(ctx, rc.TenantID, id)
}

func (s *Service) List(ctx context.Context, rc reqctx.RequestContext) ([]Program, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListPrograms(ctx, rc.TenantID)
}

// Active returns the live program of type t at the given instant (zero = now).
func (s *Service) Active(ctx context.Context, rc reqctx.RequestContext, t ledger.ProgramType, at time.Time) (Program, error) {
	if err := rc.Validate(); err != nil {
		return Program{}, err
	}
	if !t.Valid() {
		return Program{}, fmt.Errorf("%w: %q", ledger.ErrInvalidProgramType, t)
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	all, err := s.store.ListPrograms(ctx, rc.TenantID)
	if err != nil {
		return Program{}, err
	}
	return PickActive(all, t, at)
}

// PickActive returns the program of type t live at the given instant.
// If a legacy tenant still has two live programs the one started last wins.
func PickActive(all []Program, t ledger.ProgramType, at time.Time) (Program, error) {
	var found *Program
	for i := range all {
		p := all[i]
		if p.Type != t || !p.LiveAt(at) {
			continue
		}
		if found == nil || p.StartAt.After(found.StartAt) {
			found = &all[i]
		}
	}
	if found == nil {
		return Program{}, ledger.ErrProgramNotFound
	}
	return *found, nil
}
