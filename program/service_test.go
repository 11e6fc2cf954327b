package program_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/reqctx"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func newService(t *testing.T) (*program.Service, *ledger.FixedClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clock := ledger.NewFixedClock(t0)
	return program.NewService(store, clock), clock
}

func pointsInput(name string, start time.Time) program.SaveInput {
	return program.SaveInput{
		Type:    ledger.ProgramPoints,
		Name:    name,
		StartAt: &start,
		EarnRule: program.EarnRuleInput{
			Ladder: []program.TierInput{{Visit: "1+", RatePercent: decimal.NewFromInt(1), ValidDays: 30}},
		},
	}
}

func TestService_SaveClosesOverlappingProgram(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)
	rc := reqctx.RequestContext{TenantID: 1, UserID: 2}

	old, err := svc.Save(ctx, rc, pointsInput("Spring", t0.AddDate(0, -1, 0)))
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)
	assert.Equal(t, rc.TenantID, old.TenantID)

	active, err := svc.Active(ctx, rc, ledger.ProgramPoints, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, old.ID, active.ID)

	clock.AddDays(1)
	newStart := t0.AddDate(0, 0, 7)
	newer, err := svc.Save(ctx, rc, pointsInput("Summer", newStart))
	require.NoError(t, err)

	closed, err := svc.Get(ctx, rc, old.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.EndAt)
	assert.True(t, newStart.Add(-time.Second).Equal(*closed.EndAt))
	assert.Equal(t, 2, closed.Version)

	// before the new start the old program is still the live one
	active, err = svc.Active(ctx, rc, ledger.ProgramPoints, t0)
	require.NoError(t, err)
	assert.Equal(t, old.ID, active.ID)

	active, err = svc.Active(ctx, rc, ledger.ProgramPoints, newStart)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, active.ID)

	_, err = svc.Active(ctx, rc, ledger.ProgramStamp, newStart)
	assert.ErrorIs(t, err, ledger.ErrProgramNotFound)
	_, err = svc.Active(ctx, rc, "miles", newStart)
	assert.ErrorIs(t, err, ledger.ErrInvalidProgramType)

	all, err := svc.List(ctx, rc)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestService_SaveRejectsInvalidInput(t *testing.T) {
	svc, _ := newService(t)
	in := pointsInput(" ", t0)
	in.EarnRule.Ladder = nil

	_, err := svc.Save(context.Background(), reqctx.RequestContext{TenantID: 1}, in)
	assert.ErrorIs(t, err, program.ErrInvalidProgram)
	var verr program.ValidationErrors
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr, "name")
	assert.Contains(t, verr, "ladder")
}

func TestService_UpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	rc := reqctx.RequestContext{TenantID: 1}

	p, err := svc.Save(ctx, rc, pointsInput("Spring", t0))
	require.NoError(t, err)

	in := pointsInput("Spring v2", t0)
	in.ID = p.ID
	updated, err := svc.Save(ctx, rc, in)
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Spring v2", updated.Name)

	// updating itself never closes itself
	reloaded, err := svc.Get(ctx, rc, p.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.EndAt)
	assert.Equal(t, program.StatusActive, reloaded.Status)

	_, err = svc.Save(ctx, reqctx.RequestContext{TenantID: 2}, in)
	assert.ErrorIs(t, err, ledger.ErrProgramNotFound)
}

func TestService_RequiresTenant(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Save(context.Background(), reqctx.RequestContext{}, pointsInput("Spring", t0))
	assert.ErrorIs(t, err, reqctx.ErrMissingTenant)
	_, err = svc.List(context.Background(), reqctx.RequestContext{})
	assert.ErrorIs(t, err, reqctx.ErrMissingTenant)
}
