package service

import (
	"testing"
	"time"

	"van-backend/pkg/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 证书生命周期端到端：standalone 集群扮演 cert-manager
func TestCertificateLifecycle(t *testing.T) {
	st := newTestStore(t)
	cl := newTestCluster()
	deployment := NewDeploymentService(zerolog.Nop())
	svc := NewCertificateService(st, cl, deployment, zerolog.Nop())

	svc.Start()
	t.Cleanup(svc.Stop)

	// 骨干网：new → skx_cr_created → cm_cert_created → ready
	bb := mkBackbone(t, st, types.LifecycleNew)
	require.Eventually(t, func() bool {
		row, err := st.GetBackbone(bb.ID)
		return err == nil && row.Lifecycle == types.LifecycleReady
	}, 20*time.Second, 50*time.Millisecond, "backbone did not become ready")

	bbRow, err := st.GetBackbone(bb.ID)
	require.NoError(t, err)
	require.NotNil(t, bbRow.CertificateID)

	// 骨干网凭证是根签发的 CA
	bbCert, err := st.GetTlsCertificate(*bbRow.CertificateID)
	require.NoError(t, err)
	assert.True(t, bbCert.IsCA)
	assert.Nil(t, bbCert.SignedByID)
	require.NotNil(t, bbCert.Expiration)

	// 站点：骨干网就绪后签发客户端凭证
	site := mkSite(t, st, bb.ID, types.LifecycleNew)
	require.Eventually(t, func() bool {
		row, err := st.GetInteriorSite(site.ID)
		return err == nil && row.Lifecycle == types.LifecycleReady
	}, 20*time.Second, 50*time.Millisecond, "site did not become ready")

	siteRow, err := st.GetInteriorSite(site.ID)
	require.NoError(t, err)
	require.NotNil(t, siteRow.CertificateID)

	// 站点凭证由骨干网 CA 签发
	siteCert, err := st.GetTlsCertificate(*siteRow.CertificateID)
	require.NoError(t, err)
	assert.False(t, siteCert.IsCA)
	require.NotNil(t, siteCert.SignedByID)
	assert.Equal(t, bbCert.ID, *siteCert.SignedByID)

	// 凭证落地后请求行已删除
	req, err := st.NextPendingRequest(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, req)

	// manage 接入点：就绪后部署状态推进到 ready-bootstrap
	ap := mkAccessPoint(t, st, site.ID, types.AccessPointManage, types.LifecycleNew)
	require.Eventually(t, func() bool {
		row, err := st.GetAccessPoint(ap.ID)
		return err == nil && row.Lifecycle == types.LifecycleReady
	}, 20*time.Second, 50*time.Millisecond, "access point did not become ready")

	require.Eventually(t, func() bool {
		row, err := st.GetInteriorSite(site.ID)
		return err == nil && row.DeploymentState == types.DeploymentReadyBootstrap
	}, 5*time.Second, 50*time.Millisecond, "site did not reach ready-bootstrap")

	// 集群侧 secret 可按凭证对象名读取
	secret, err := cl.LoadSecret(siteCert.ObjectName)
	require.NoError(t, err)
	assert.NotEmpty(t, secret.Data["tls.crt"])
	assert.NotEmpty(t, secret.Data["tls.key"])
}

// VAN 与成员链路：VAN CA 就绪后成员凭证可签发，完成回调触发
func TestMemberSiteFinalizationTriggersCompletion(t *testing.T) {
	st := newTestStore(t)
	cl := newTestCluster()
	deployment := NewDeploymentService(zerolog.Nop())
	svc := NewCertificateService(st, cl, deployment, zerolog.Nop())

	completed := make(chan string, 1)
	svc.SetCompleter(completerFunc(func(memberID string) { completed <- memberID }))

	svc.Start()
	t.Cleanup(svc.Stop)

	bb := mkBackbone(t, st, types.LifecycleNew)
	require.Eventually(t, func() bool {
		row, err := st.GetBackbone(bb.ID)
		return err == nil && row.Lifecycle == types.LifecycleReady
	}, 20*time.Second, 50*time.Millisecond)

	van := mkNetwork(t, st, bb.ID, types.LifecycleNew)
	require.Eventually(t, func() bool {
		row, err := st.GetNetwork(van.ID)
		return err == nil && row.Lifecycle == types.LifecycleReady
	}, 20*time.Second, 50*time.Millisecond, "van did not become ready")

	member := &types.MemberSite{
		ID:                   "member-e2e",
		Name:                 "m-1",
		ApplicationNetworkID: van.ID,
		MemberInvitationID:   "inv-x",
		Lifecycle:            types.LifecycleNew,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, st.CreateMemberSite(member))

	select {
	case id := <-completed:
		assert.Equal(t, member.ID, id)
	case <-time.After(20 * time.Second):
		t.Fatal("member completion not fired")
	}

	row, err := st.GetMemberSite(member.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleReady, row.Lifecycle)
}

// completerFunc 函数适配器
type completerFunc func(memberID string)

func (f completerFunc) CompleteMember(memberID string) { f(memberID) }
