package service

import (
	"net/http"
	"testing"
	"time"

	"van-backend/internal/cluster"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionSlotRace(t *testing.T) {
	// 完成先于等待者：结果存入槽位，等待立即返回
	slot := newCompletionSlot()
	want := &completionResult{client: &types.SiteClient{StateKey: "tls-site-x"}}
	slot.complete(want, nil)

	got, err := slot.wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// 重复完成被忽略
	slot.complete(nil, assert.AnError)
	got, err = slot.wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClaimUnknownInvitation(t *testing.T) {
	st := newTestStore(t)
	claims := NewClaimService(st, newTestCluster(), zerolog.Nop())

	resp := claims.handleClaim(types.NewClaimRequest("nope", "m-1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClaimInstanceLimit(t *testing.T) {
	st := newTestStore(t)
	claims := NewClaimService(st, newTestCluster(), zerolog.Nop())
	claims.completionTimeout = 200 * time.Millisecond

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	claimAP := mkAccessPoint(t, st, site.ID, types.AccessPointClaim, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)

	limit := 1
	inv := mkInvitation(t, st, van.ID, claimAP.ID, &limit)
	inv.InstanceCount = 1
	require.NoError(t, st.SaveInvitation(inv))

	// 超过实例上限的断言被拒绝，且不产生成员行
	resp := claims.handleClaim(types.NewClaimRequest(inv.ID, "m-2"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	members, err := st.ListMemberSites(van.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestClaimExpiredInvitation(t *testing.T) {
	st := newTestStore(t)
	claims := NewClaimService(st, newTestCluster(), zerolog.Nop())

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	claimAP := mkAccessPoint(t, st, site.ID, types.AccessPointClaim, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)

	inv := mkInvitation(t, st, van.ID, claimAP.ID, nil)
	past := time.Now().Add(-time.Hour)
	inv.JoinDeadline = &past
	require.NoError(t, st.SaveInvitation(inv))

	resp := claims.handleClaim(types.NewClaimRequest(inv.ID, "m-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimCompletesWithBundle(t *testing.T) {
	st := newTestStore(t)
	cl := newTestCluster()
	claims := NewClaimService(st, cl, zerolog.Nop())
	claims.completionTimeout = 10 * time.Second

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	claimAP := mkAccessPoint(t, st, site.ID, types.AccessPointClaim, types.LifecycleReady)
	memberAP := mkAccessPoint(t, st, site.ID, types.AccessPointMember, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)

	inv := mkInvitation(t, st, van.ID, claimAP.ID, nil)
	require.NoError(t, st.CreateEdgeLink(&types.EdgeLink{
		ID:                 uuid.NewString(),
		MemberInvitationID: inv.ID,
		AccessPointID:      memberAP.ID,
		Priority:           0,
		CreatedAt:          time.Now(),
	}))

	// 扮演证书 reconciler：等成员行出现后补齐凭证并完成
	go func() {
		var memberID string
		for i := 0; i < 200; i++ {
			members, err := st.ListMemberSites(van.ID)
			if err == nil && len(members) > 0 {
				memberID = members[0].ID
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if memberID == "" {
			return
		}

		secretName := "skx-cert-test-member"
		_ = cl.ApplyCertificate(&cluster.Certificate{
			Name: secretName,
			Spec: cluster.CertificateSpec{SecretName: secretName, DurationDays: 7},
		})
		for i := 0; i < 200; i++ {
			if _, err := cl.LoadSecret(secretName); err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		certRow := &types.TlsCertificate{
			ID:         uuid.NewString(),
			ObjectName: secretName,
			CreatedAt:  time.Now(),
		}
		if err := st.CreateTlsCertificate(certRow); err != nil {
			return
		}
		member, err := st.GetMemberSite(memberID)
		if err != nil {
			return
		}
		member.CertificateID = &certRow.ID
		member.Lifecycle = types.LifecycleReady
		if err := st.SaveMemberSite(member); err != nil {
			return
		}
		claims.CompleteMember(memberID)
	}()

	resp := claims.handleClaim(types.NewClaimRequest(inv.ID, "m-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.StatusDescription)
	assert.NotEmpty(t, resp.SiteID)
	require.NotNil(t, resp.SiteClient)
	assert.Equal(t, types.StateKeyTlsSite+resp.SiteID, resp.SiteClient.StateKey)
	assert.NotEmpty(t, resp.SiteClient.Secret["tls.crt"])
	require.Len(t, resp.OutgoingLinks, 1)
	assert.Equal(t, "ap.example.com", resp.OutgoingLinks[0].Host)

	// 实例计数已递增
	invRow, err := st.GetInvitation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, invRow.InstanceCount)
}

func TestClaimCompletionTimeout(t *testing.T) {
	st := newTestStore(t)
	claims := NewClaimService(st, newTestCluster(), zerolog.Nop())
	claims.completionTimeout = 100 * time.Millisecond

	bb := mkBackbone(t, st, types.LifecycleReady)
	site := mkSite(t, st, bb.ID, types.LifecycleReady)
	claimAP := mkAccessPoint(t, st, site.ID, types.AccessPointClaim, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)
	inv := mkInvitation(t, st, van.ID, claimAP.ID, nil)

	resp := claims.handleClaim(types.NewClaimRequest(inv.ID, "m-1"))
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}
