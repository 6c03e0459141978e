package service

import (
	"testing"
	"time"

	"van-backend/internal/cluster"
	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	st, err := store.NewSQLiteStore(store.DefaultSQLiteConfig(":memory:"))
	require.NoError(t, err)
	require.NoError(t, st.SeedBlockTypes())
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestCluster() *cluster.Standalone {
	return cluster.NewStandalone("skx-test", zerolog.Nop())
}

func mkBackbone(t *testing.T, st store.Store, lifecycle types.Lifecycle) *types.Backbone {
	bb := &types.Backbone{
		ID:        uuid.NewString(),
		Name:      "bb-" + uuid.NewString()[:8],
		Lifecycle: lifecycle,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateBackbone(bb))
	return bb
}

func mkSite(t *testing.T, st store.Store, backboneID string, lifecycle types.Lifecycle) *types.InteriorSite {
	site := &types.InteriorSite{
		ID:              uuid.NewString(),
		Name:            "s-" + uuid.NewString()[:8],
		BackboneID:      backboneID,
		Lifecycle:       lifecycle,
		DeploymentState: types.DeploymentNotReady,
		Platform:        "kube",
		CreatedAt:       time.Now(),
	}
	require.NoError(t, st.CreateInteriorSite(site))
	return site
}

func mkAccessPoint(t *testing.T, st store.Store, siteID string, kind types.AccessPointKind, lifecycle types.Lifecycle) *types.BackboneAccessPoint {
	host, port := "ap.example.com", "55671"
	ap := &types.BackboneAccessPoint{
		ID:             uuid.NewString(),
		InteriorSiteID: siteID,
		Kind:           kind,
		Lifecycle:      lifecycle,
		Hostname:       &host,
		Port:           &port,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.CreateAccessPoint(ap))
	return ap
}

func mkLink(t *testing.T, st store.Store, fromSiteID, apID string) *types.InterRouterLink {
	link := &types.InterRouterLink{
		ID:               uuid.NewString(),
		ConnectingSiteID: fromSiteID,
		AccessPointID:    apID,
		Cost:             1,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, st.CreateLink(link))
	return link
}

func mkNetwork(t *testing.T, st store.Store, backboneID string, lifecycle types.Lifecycle) *types.ApplicationNetwork {
	van := &types.ApplicationNetwork{
		ID:         uuid.NewString(),
		Name:       "van-" + uuid.NewString()[:8],
		BackboneID: backboneID,
		Lifecycle:  lifecycle,
		VanID:      uuid.NewString(),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, st.CreateNetwork(van))
	return van
}

func mkInvitation(t *testing.T, st store.Store, vanID, claimAP string, limit *int) *types.MemberInvitation {
	inv := &types.MemberInvitation{
		ID:                   uuid.NewString(),
		Name:                 "inv-" + uuid.NewString()[:8],
		ApplicationNetworkID: vanID,
		Lifecycle:            types.LifecycleReady,
		ClaimAccessPointID:   claimAP,
		InstanceLimit:        limit,
		MemberClasses:        `["backend"]`,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, st.CreateInvitation(inv))
	return inv
}
