package service

import (
	"testing"
	"time"

	syncpkg "van-backend/pkg/sync"
	"van-backend/pkg/transport"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) *BridgeService {
	st := newTestStore(t)
	cl := newTestCluster()
	hub := transport.NewHub(zerolog.Nop())
	engine := syncpkg.NewEngine(syncpkg.DefaultConfig(types.ClassManagement, "ctrl"), zerolog.Nop())
	require.NoError(t, engine.AddConnection("", hub.Session()))
	compose := NewComposeService(st, zerolog.Nop())
	deployment := NewDeploymentService(zerolog.Nop())
	bridge := NewBridgeService(st, cl, compose, deployment, engine, zerolog.Nop())
	t.Cleanup(engine.Stop)
	return bridge
}

func TestBackboneOnNewPeerManifests(t *testing.T) {
	bridge := newTestBridge(t)
	st := bridge.store

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	readyAP := mkAccessPoint(t, st, site.ID, types.AccessPointManage, types.LifecycleReady)
	partialAP := mkAccessPoint(t, st, site.ID, types.AccessPointPeer, types.LifecyclePartial)

	events := &backboneEvents{b: bridge}
	local, remote, err := events.OnNewPeer(site.ID)
	require.NoError(t, err)

	// 所有接入点都有 access 键
	assert.Contains(t, local, types.StateKeyAccess+readyAP.ID)
	assert.Contains(t, local, types.StateKeyAccess+partialAP.ID)

	// 仅就绪接入点进入 remote 清单（accessstatus 由路由器上报）
	assert.Contains(t, remote, types.StateKeyAccessStatus+readyAP.ID)
	assert.NotContains(t, remote, types.StateKeyAccessStatus+partialAP.ID)

	// ready 站点首个心跳即激活
	row, err := st.GetInteriorSite(site.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleActive, row.Lifecycle)
	require.NotNil(t, row.FirstActiveTime)
	require.NotNil(t, row.LastHeartbeat)
}

func TestAccessStatusPromotesPartialAccessPoint(t *testing.T) {
	bridge := newTestBridge(t)
	st := bridge.store

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	ap := &types.BackboneAccessPoint{
		ID:             uuid.NewString(),
		InteriorSiteID: site.ID,
		Kind:           types.AccessPointManage,
		Lifecycle:      types.LifecyclePartial,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.CreateAccessPoint(ap))

	events := &backboneEvents{b: bridge}
	err := events.OnStateChange(site.ID, syncpkg.StateChange{
		Key:  types.StateKeyAccessStatus + ap.ID,
		Hash: "h1",
		Data: map[string]any{"host": "edge.example.com", "port": "45671"},
	})
	require.NoError(t, err)

	// partial → new，等证书 reconciler 接手
	row, err := st.GetAccessPoint(ap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleNew, row.Lifecycle)
	require.NotNil(t, row.Hostname)
	assert.Equal(t, "edge.example.com", *row.Hostname)

	// 已推进的接入点不再被改写
	err = events.OnStateChange(site.ID, syncpkg.StateChange{
		Key:  types.StateKeyAccessStatus + ap.ID,
		Hash: "h2",
		Data: map[string]any{"host": "other.example.com", "port": "1"},
	})
	require.NoError(t, err)
	row, err = st.GetAccessPoint(ap.ID)
	require.NoError(t, err)
	assert.Equal(t, "edge.example.com", *row.Hostname)
}

func TestBackboneOnStateRequest(t *testing.T) {
	bridge := newTestBridge(t)
	st := bridge.store

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	ap := mkAccessPoint(t, st, site.ID, types.AccessPointPeer, types.LifecycleReady)
	other := mkSite(t, st, bb.ID, types.LifecycleReady)
	link := mkLink(t, st, other.ID, ap.ID)

	events := &backboneEvents{b: bridge}

	// access-* 返回 kind 与 bindhost
	hash, data, err := events.OnStateRequest(site.ID, types.StateKeyAccess+ap.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, "peer", data["kind"])

	// link-* 返回 host/port/cost
	hash, data, err = events.OnStateRequest(other.ID, types.StateKeyLink+link.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, "ap.example.com", data["host"])
	assert.Equal(t, "1", data["cost"])

	// 未知键报错
	_, _, err = events.OnStateRequest(site.ID, "bogus-key")
	assert.Error(t, err)
}

func TestMemberOnNewPeerManifests(t *testing.T) {
	bridge := newTestBridge(t)
	st := bridge.store

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	claimAP := mkAccessPoint(t, st, site.ID, types.AccessPointClaim, types.LifecycleReady)
	memberAP := mkAccessPoint(t, st, site.ID, types.AccessPointMember, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)
	inv := mkInvitation(t, st, van.ID, claimAP.ID, nil)
	el := &types.EdgeLink{
		ID:                 uuid.NewString(),
		MemberInvitationID: inv.ID,
		AccessPointID:      memberAP.ID,
		CreatedAt:          time.Now(),
	}
	require.NoError(t, st.CreateEdgeLink(el))

	member := &types.MemberSite{
		ID:                   uuid.NewString(),
		Name:                 "m-1",
		ApplicationNetworkID: van.ID,
		MemberInvitationID:   inv.ID,
		Lifecycle:            types.LifecycleReady,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, st.CreateMemberSite(member))

	events := &memberEvents{b: bridge}
	local, remote, err := events.OnNewPeer(member.ID)
	require.NoError(t, err)
	assert.Contains(t, local, types.StateKeyLink+el.ID)
	assert.Empty(t, remote)

	row, err := st.GetMemberSite(member.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleActive, row.Lifecycle)
}
