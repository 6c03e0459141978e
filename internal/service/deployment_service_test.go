package service

import (
	"testing"

	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evaluate(t *testing.T, st store.Store, svc *DeploymentService, siteID string) types.DeploymentState {
	var state types.DeploymentState
	err := st.Transaction(func(tx store.Store) error {
		site, err := tx.GetInteriorSite(siteID)
		if err != nil {
			return err
		}
		if _, err := svc.EvaluateSite(tx, site); err != nil {
			return err
		}
		state = site.DeploymentState
		return nil
	})
	require.NoError(t, err)
	return state
}

func TestDeploymentStateRules(t *testing.T) {
	st := newTestStore(t)
	svc := NewDeploymentService(zerolog.Nop())

	bb := mkBackbone(t, st, types.LifecycleReady)

	// 规则4：未就绪站点 not-ready
	site := mkSite(t, st, bb.ID, types.LifecycleNew)
	assert.Equal(t, types.DeploymentNotReady, evaluate(t, st, svc, site.ID))

	// 规则3：就绪且有 manage 接入点 → ready-bootstrap
	site.Lifecycle = types.LifecycleReady
	require.NoError(t, st.SaveInteriorSite(site))
	mkAccessPoint(t, st, site.ID, types.AccessPointManage, types.LifecycleReady)
	assert.Equal(t, types.DeploymentReadyBootstrap, evaluate(t, st, svc, site.ID))

	// 规则1：active → deployed
	site.Lifecycle = types.LifecycleActive
	require.NoError(t, st.SaveInteriorSite(site))
	assert.Equal(t, types.DeploymentDeployed, evaluate(t, st, svc, site.ID))
}

func TestDeploymentReadyAutomatic(t *testing.T) {
	st := newTestStore(t)
	svc := NewDeploymentService(zerolog.Nop())

	bb := mkBackbone(t, st, types.LifecycleReady)
	hubSite := mkSite(t, st, bb.ID, types.LifecycleActive)
	hubSite.DeploymentState = types.DeploymentDeployed
	require.NoError(t, st.SaveInteriorSite(hubSite))
	peerAP := mkAccessPoint(t, st, hubSite.ID, types.AccessPointPeer, types.LifecycleReady)

	// 规则2：就绪且有指向已部署站点的连接 → ready-automatic
	edge := mkSite(t, st, bb.ID, types.LifecycleReady)
	mkLink(t, st, edge.ID, peerAP.ID)
	assert.Equal(t, types.DeploymentReadyAutomatic, evaluate(t, st, svc, edge.ID))
}

func TestDeploymentCascadeOnActivation(t *testing.T) {
	st := newTestStore(t)
	svc := NewDeploymentService(zerolog.Nop())

	bb := mkBackbone(t, st, types.LifecycleReady)
	hubSite := mkSite(t, st, bb.ID, types.LifecycleReady)
	peerAP := mkAccessPoint(t, st, hubSite.ID, types.AccessPointPeer, types.LifecycleReady)
	mkAccessPoint(t, st, hubSite.ID, types.AccessPointManage, types.LifecycleReady)

	edge := mkSite(t, st, bb.ID, types.LifecycleReady)
	mkLink(t, st, edge.ID, peerAP.ID)

	// 激活前：edge 无可用路径
	assert.Equal(t, types.DeploymentNotReady, evaluate(t, st, svc, edge.ID))

	// hub 激活后级联：edge 变为 ready-automatic
	err := st.Transaction(func(tx store.Store) error {
		site, err := tx.GetInteriorSite(hubSite.ID)
		if err != nil {
			return err
		}
		site.Lifecycle = types.LifecycleActive
		if err := tx.SaveInteriorSite(site); err != nil {
			return err
		}
		return svc.SiteLifecycleChanged(tx, hubSite.ID)
	})
	require.NoError(t, err)

	edgeRow, err := st.GetInteriorSite(edge.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentReadyAutomatic, edgeRow.DeploymentState)

	// 与逐站点重算结果一致
	assert.Equal(t, types.DeploymentDeployed, evaluate(t, st, svc, hubSite.ID))
	assert.Equal(t, types.DeploymentReadyAutomatic, evaluate(t, st, svc, edge.ID))
}
