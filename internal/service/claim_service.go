package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"van-backend/internal/cluster"
	"van-backend/pkg/manifest"
	"van-backend/pkg/store"
	"van-backend/pkg/transport"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// 等待成员凭证落地的上限
const claimCompletionTimeout = 60 * time.Second

// completionResult 成员接入完成后交给等待者的数据
type completionResult struct {
	links  []types.OutgoingLink
	client *types.SiteClient
}

// completionSlot 一次性完成槽。完成可能先于等待者到达：
// 结果先存入槽位，等待者挂上时立即返回
type completionSlot struct {
	ch     chan struct{}
	mu     sync.Mutex
	done   bool
	result *completionResult
	err    error
}

func newCompletionSlot() *completionSlot {
	return &completionSlot{ch: make(chan struct{})}
}

func (s *completionSlot) complete(result *completionResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.result = result
	s.err = err
	close(s.ch)
}

func (s *completionSlot) wait(timeout time.Duration) (*completionResult, error) {
	select {
	case <-s.ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-time.After(timeout):
		return nil, transport.ErrTimeout
	}
}

// ClaimService 在每条骨干会话的 claim 地址上接收邀请断言，
// 与证书 reconciler 同步交接完成成员接入
type ClaimService struct {
	store   store.Store
	cluster cluster.Client
	logger  zerolog.Logger

	mu          sync.Mutex
	completions map[string]*completionSlot
	receivers   map[string]*transport.Receiver // backboneID 为键

	completionTimeout time.Duration
}

// NewClaimService 创建 claim 服务
func NewClaimService(st store.Store, cl cluster.Client, logger zerolog.Logger) *ClaimService {
	return &ClaimService{
		store:             st,
		cluster:           cl,
		logger:            logger.With().Str("service", "claim").Logger(),
		completions:       make(map[string]*completionSlot),
		receivers:         make(map[string]*transport.Receiver),
		completionTimeout: claimCompletionTimeout,
	}
}

// OnLinkAdded 实现骨干连接观察者：在新会话上打开 claim 接收者
func (s *ClaimService) OnLinkAdded(backboneID string, sess transport.Session) {
	recv, err := sess.OpenReceiver(types.ClaimAddress, s.handleDelivery)
	if err != nil {
		s.logger.Error().Str("backbone", backboneID).Err(err).Msg("Opening claim receiver failed")
		return
	}
	s.mu.Lock()
	s.receivers[backboneID] = recv
	s.mu.Unlock()
	s.logger.Info().Str("backbone", backboneID).Msg("Claim receiver open")
}

// OnLinkDeleted 会话关闭时移除接收者记录
func (s *ClaimService) OnLinkDeleted(backboneID string) {
	s.mu.Lock()
	delete(s.receivers, backboneID)
	s.mu.Unlock()
}

// handleDelivery 解码并处理 claim 断言
func (s *ClaimService) handleDelivery(d *transport.Delivery) {
	reply := func(resp types.ClaimResponse) {
		body, _ := json.Marshal(resp)
		if err := d.Reply(body, nil); err != nil {
			s.logger.Debug().Err(err).Msg("Claim reply failed")
		}
	}

	err := types.DispatchMessage(d.Body,
		func(types.Heartbeat) error { return nil },
		func(types.GetRequest) error { return nil },
		func(claim types.ClaimRequest) error {
			reply(s.handleClaim(claim))
			return nil
		},
	)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Protocol error on claim receiver")
		reply(types.ClaimResponse{StatusCode: http.StatusBadRequest, StatusDescription: err.Error()})
	}
}

// handleClaim 校验邀请、分配成员行、等待凭证落地后构造应答
func (s *ClaimService) handleClaim(claim types.ClaimRequest) types.ClaimResponse {
	var member *types.MemberSite

	err := s.store.Transaction(func(tx store.Store) error {
		inv, err := tx.GetInvitation(claim.Claim)
		if err != nil {
			return &types.ProtocolError{Code: http.StatusNotFound, Description: "unknown claim"}
		}
		if inv.Lifecycle != types.LifecycleReady {
			return &types.ProtocolError{Code: http.StatusBadRequest, Description: "invitation not ready"}
		}
		if inv.JoinDeadline != nil && time.Now().After(*inv.JoinDeadline) {
			return &types.ProtocolError{Code: http.StatusBadRequest, Description: "invitation expired"}
		}
		if inv.InstanceLimit != nil && inv.InstanceCount >= *inv.InstanceLimit {
			return &types.ProtocolError{Code: http.StatusBadRequest, Description: "invitation instance limit reached"}
		}

		inv.InstanceCount++
		if err := tx.SaveInvitation(inv); err != nil {
			return err
		}

		name := claim.Name
		if inv.MemberNamePrefix != "" {
			name = inv.MemberNamePrefix + "-" + name
		}
		member = &types.MemberSite{
			ID:                   uuid.NewString(),
			Name:                 name,
			ApplicationNetworkID: inv.ApplicationNetworkID,
			MemberInvitationID:   inv.ID,
			Lifecycle:            types.LifecycleNew,
			SiteClasses:          inv.MemberClasses,
			CreatedAt:            time.Now(),
		}
		return tx.CreateMemberSite(member)
	})
	if err != nil {
		var perr *types.ProtocolError
		if errors.As(err, &perr) {
			return types.ClaimResponse{StatusCode: perr.Code, StatusDescription: perr.Description}
		}
		s.logger.Error().Err(err).Msg("Claim transaction failed")
		return types.ClaimResponse{StatusCode: http.StatusInternalServerError, StatusDescription: "claim allocation failed"}
	}

	// 阻塞到 reconciler 签发成员凭证
	slot := s.slotFor(member.ID)
	result, err := slot.wait(s.completionTimeout)
	s.dropSlot(member.ID)
	if err != nil {
		s.logger.Error().Str("member", member.ID).Err(err).Msg("Claim completion timed out")
		return types.ClaimResponse{StatusCode: http.StatusGatewayTimeout, StatusDescription: "credential issuance timed out"}
	}

	return types.ClaimResponse{
		StatusCode:    http.StatusOK,
		SiteID:        member.ID,
		OutgoingLinks: result.links,
		SiteClient:    result.client,
	}
}

// CompleteMember 由证书 reconciler 在成员凭证落地后调用
func (s *ClaimService) CompleteMember(memberID string) {
	result, err := s.buildResult(memberID)
	if err != nil {
		s.logger.Error().Str("member", memberID).Err(err).Msg("Building member bundle failed")
	}
	s.slotFor(memberID).complete(result, err)
}

// buildResult 装配成员的出向连接与客户端凭证包
func (s *ClaimService) buildResult(memberID string) (*completionResult, error) {
	member, err := s.store.GetMemberSite(memberID)
	if err != nil {
		return nil, err
	}
	if member.CertificateID == nil {
		return nil, fmt.Errorf("member %s has no credential", memberID)
	}
	cert, err := s.store.GetTlsCertificate(*member.CertificateID)
	if err != nil {
		return nil, err
	}
	secret, err := s.cluster.LoadSecret(cert.ObjectName)
	if err != nil {
		return nil, err
	}

	client := &types.SiteClient{
		StateKey: types.StateKeyTlsSite + member.ID,
		Hash:     manifest.HashOfData(secret.Data),
		Secret:   secret.Data,
	}

	edgeLinks, err := s.store.ListEdgeLinksForInvitation(member.MemberInvitationID)
	if err != nil {
		return nil, err
	}
	var links []types.OutgoingLink
	for _, el := range edgeLinks {
		ap, err := s.store.GetAccessPoint(el.AccessPointID)
		if err != nil {
			return nil, err
		}
		if !ap.HasIngress() {
			continue
		}
		data := map[string]string{"host": *ap.Hostname, "port": *ap.Port, "cost": "1"}
		links = append(links, types.OutgoingLink{
			StateKey: types.StateKeyLink + el.ID,
			Hash:     manifest.HashOfData(data),
			Host:     *ap.Hostname,
			Port:     *ap.Port,
			Cost:     "1",
		})
	}

	return &completionResult{links: links, client: client}, nil
}

// slotFor 取或建完成槽
func (s *ClaimService) slotFor(memberID string) *completionSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.completions[memberID]
	if !ok {
		slot = newCompletionSlot()
		s.completions[memberID] = slot
	}
	return slot
}

func (s *ClaimService) dropSlot(memberID string) {
	s.mu.Lock()
	delete(s.completions, memberID)
	s.mu.Unlock()
}
