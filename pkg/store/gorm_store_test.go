package store

import (
	"testing"
	"time"

	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	st, err := NewSQLiteStore(DefaultSQLiteConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func mkBackbone(t *testing.T, st Store, lifecycle types.Lifecycle) *types.Backbone {
	bb := &types.Backbone{
		ID:        uuid.NewString(),
		Name:      "bb-" + uuid.NewString()[:8],
		Lifecycle: lifecycle,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateBackbone(bb))
	return bb
}

func mkSite(t *testing.T, st Store, backboneID string, lifecycle types.Lifecycle) *types.InteriorSite {
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

func mkAccessPoint(t *testing.T, st Store, siteID string, kind types.AccessPointKind, lifecycle types.Lifecycle) *types.BackboneAccessPoint {
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

func TestBackboneCRUD(t *testing.T) {
	st := newTestStore(t)

	bb := mkBackbone(t, st, types.LifecycleNew)

	got, err := st.GetBackbone(bb.ID)
	require.NoError(t, err)
	assert.Equal(t, bb.Name, got.Name)

	got.Lifecycle = types.LifecycleReady
	require.NoError(t, st.SaveBackbone(got))

	list, err := st.ListBackbones()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, st.DeleteBackbone(bb.ID))
	_, err = st.GetBackbone(bb.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextNewPredicates(t *testing.T) {
	st := newTestStore(t)

	// 骨干网未就绪时站点不应被选中
	bb := mkBackbone(t, st, types.LifecycleNew)
	site := mkSite(t, st, bb.ID, types.LifecycleNew)

	next, err := st.NextNewInteriorSite()
	require.NoError(t, err)
	assert.Nil(t, next)

	bb.Lifecycle = types.LifecycleReady
	require.NoError(t, st.SaveBackbone(bb))

	next, err = st.NextNewInteriorSite()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, site.ID, next.ID)

	// 接入点同理
	ap := mkAccessPoint(t, st, site.ID, types.AccessPointManage, types.LifecycleNew)
	nextAP, err := st.NextNewAccessPoint()
	require.NoError(t, err)
	require.NotNil(t, nextAP)
	assert.Equal(t, ap.ID, nextAP.ID)
}

func TestLinkInvariants(t *testing.T) {
	st := newTestStore(t)

	bb := mkBackbone(t, st, types.LifecycleReady)
	s1 := mkSite(t, st, bb.ID, types.LifecycleReady)
	s2 := mkSite(t, st, bb.ID, types.LifecycleReady)
	peerAP := mkAccessPoint(t, st, s2.ID, types.AccessPointPeer, types.LifecycleReady)
	manageAP := mkAccessPoint(t, st, s2.ID, types.AccessPointManage, types.LifecycleReady)

	// 非 peer 类接入点拒绝建立连接
	err := st.CreateLink(&types.InterRouterLink{
		ID:               uuid.NewString(),
		ConnectingSiteID: s1.ID,
		AccessPointID:    manageAP.ID,
		Cost:             1,
	})
	assert.Error(t, err)

	// 跨骨干网连接拒绝
	otherBB := mkBackbone(t, st, types.LifecycleReady)
	otherSite := mkSite(t, st, otherBB.ID, types.LifecycleReady)
	err = st.CreateLink(&types.InterRouterLink{
		ID:               uuid.NewString(),
		ConnectingSiteID: otherSite.ID,
		AccessPointID:    peerAP.ID,
		Cost:             1,
	})
	assert.Error(t, err)

	// 合法连接
	link := &types.InterRouterLink{
		ID:               uuid.NewString(),
		ConnectingSiteID: s1.ID,
		AccessPointID:    peerAP.ID,
		Cost:             5,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, st.CreateLink(link))

	from, err := st.ListLinksFrom(s1.ID)
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, s2.ID, from[0].TargetSite.ID)
	assert.Equal(t, 5, from[0].Link.Cost)

	into, err := st.ListLinksInto(s2.ID)
	require.NoError(t, err)
	assert.Len(t, into, 1)
}

func TestReadyManageAccess(t *testing.T) {
	st := newTestStore(t)

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	mkAccessPoint(t, st, site.ID, types.AccessPointManage, types.LifecycleReady)
	// 同一骨干网的第二个 manage 接入点只取一行
	mkAccessPoint(t, st, site.ID, types.AccessPointManage, types.LifecycleReady)
	// 未就绪骨干网不计
	bb2 := mkBackbone(t, st, types.LifecycleNew)
	site2 := mkSite(t, st, bb2.ID, types.LifecycleReady)
	mkAccessPoint(t, st, site2.ID, types.AccessPointManage, types.LifecycleReady)

	rows, err := st.ListReadyManageAccess()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, bb.ID, rows[0].BackboneID)
	assert.Equal(t, "ap.example.com", rows[0].Hostname)
}

func TestCertificateReferences(t *testing.T) {
	st := newTestStore(t)

	cert := &types.TlsCertificate{
		ID:         uuid.NewString(),
		ObjectName: "skx-cert-1",
		IsCA:       true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, st.CreateTlsCertificate(cert))

	referenced, err := st.CertificateReferenced(cert.ID)
	require.NoError(t, err)
	assert.False(t, referenced)

	bb := mkBackbone(t, st, types.LifecycleReady)
	bb.CertificateID = &cert.ID
	require.NoError(t, st.SaveBackbone(bb))

	referenced, err = st.CertificateReferenced(cert.ID)
	require.NoError(t, err)
	assert.True(t, referenced)

	child := &types.TlsCertificate{
		ID:         uuid.NewString(),
		ObjectName: "skx-cert-2",
		SignedByID: &cert.ID,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, st.CreateTlsCertificate(child))

	count, err := st.CertificatesSignedBy(cert.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCertificateRequestQueue(t *testing.T) {
	st := newTestStore(t)

	// RequestTime 在未来的请求不被取出
	future := &types.CertificateRequest{
		ID:          uuid.NewString(),
		Kind:        types.RequestBackbone,
		TargetID:    "t1",
		Lifecycle:   types.LifecycleNew,
		RequestTime: time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, st.CreateCertificateRequest(future))

	req, err := st.NextPendingRequest(time.Now())
	require.NoError(t, err)
	assert.Nil(t, req)

	due := &types.CertificateRequest{
		ID:          uuid.NewString(),
		Kind:        types.RequestBackbone,
		TargetID:    "t2",
		Lifecycle:   types.LifecycleNew,
		RequestTime: time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(time.Second),
	}
	require.NoError(t, st.CreateCertificateRequest(due))

	req, err = st.NextPendingRequest(time.Now())
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "t2", req.TargetID)
}

func TestTransactionRollback(t *testing.T) {
	st := newTestStore(t)

	err := st.Transaction(func(tx Store) error {
		mkBackbone(t, tx, types.LifecycleNew)
		return assert.AnError
	})
	assert.Error(t, err)

	list, err := st.ListBackbones()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUserOperations(t *testing.T) {
	st := newTestStore(t)

	exists, err := st.CheckUserExists("admin")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, st.CreateUser(&types.User{Username: "admin", Password: "hash"}))

	exists, err = st.CheckUserExists("admin")
	require.NoError(t, err)
	assert.True(t, exists)

	user, err := st.GetUserByUsername("admin")
	require.NoError(t, err)
	assert.Equal(t, "hash", user.Password)
}
