package worldtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/repository"
	"campaignstate.io/core/internal/storage"
	"campaignstate.io/core/internal/testutil"
)

func TestAdvance_PersistsAndPublishesAndInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	pool := testutil.OpenPGXPool(t, "worldtime")
	require.NoError(t, storage.ApplyInitMigration(ctx, pool))

	campaigns := repository.NewCampaignRepository(pool)
	require.NoError(t, campaigns.Insert(ctx, &domain.Campaign{ID: "campaign-1", WorldID: "world-1", OwnerID: "user-1"}))

	bus := &fakeBus{}
	depgraph := &fakeDepgraph{}
	svc := New(pool, campaigns, &fakeAccess{}, bus, depgraph)

	campaign, err := svc.Advance(ctx, "campaign-1", AdvanceInput{To: 1000, InvalidateCache: true}, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, *campaign.CurrentWorldTime)

	persisted, err := campaigns.Get(ctx, "campaign-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, *persisted.CurrentWorldTime)

	require.Contains(t, bus.published, "worldtime.changed")
	require.Contains(t, depgraph.invalidated, "campaign-1")
}

func TestAdvance_SubsequentRegressionIsRejected(t *testing.T) {
	ctx := context.Background()
	pool := testutil.OpenPGXPool(t, "worldtime")
	require.NoError(t, storage.ApplyInitMigration(ctx, pool))

	campaigns := repository.NewCampaignRepository(pool)
	require.NoError(t, campaigns.Insert(ctx, &domain.Campaign{ID: "campaign-1", WorldID: "world-1", OwnerID: "user-1"}))

	svc := New(pool, campaigns, &fakeAccess{}, &fakeBus{}, nil)
	_, err := svc.Advance(ctx, "campaign-1", AdvanceInput{To: 1000}, "user-1")
	require.NoError(t, err)

	_, err = svc.Advance(ctx, "campaign-1", AdvanceInput{To: 500}, "user-1")
	require.Error(t, err)
}
