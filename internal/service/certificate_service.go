package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"van-backend/internal/cluster"
	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// reconciler 轮询节奏
const (
	idleDelay  = 2 * time.Second
	errorDelay = 10 * time.Second
	pruneEvery = 60 * time.Second
)

// 每类实体的默认申请时长（天）
const (
	durationCA     = 5 * 365
	durationClient = 365
	durationClaim  = 90
)

// BridgeNotifier 证书落地后的桥接层通知
type BridgeNotifier interface {
	SiteCertificateChanged(siteID string)
	AccessCertificateChanged(apID string)
}

// MemberCompleter 成员站点凭证落地后的接入完成回调
type MemberCompleter interface {
	CompleteMember(memberID string)
}

// CertificateService 证书生命周期 reconciler：
// 每类受管实体一条排队循环，外加请求循环、落地与清理
type CertificateService struct {
	store      store.Store
	cluster    cluster.Client
	deployment *DeploymentService
	logger     zerolog.Logger

	mu        sync.Mutex
	notifier  BridgeNotifier
	completer MemberCompleter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCertificateService 创建证书 reconciler
func NewCertificateService(st store.Store, cl cluster.Client, deployment *DeploymentService, logger zerolog.Logger) *CertificateService {
	return &CertificateService{
		store:      st,
		cluster:    cl,
		deployment: deployment,
		logger:     logger.With().Str("service", "certificate").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// SetNotifier 注册桥接层通知
func (s *CertificateService) SetNotifier(n BridgeNotifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// SetCompleter 注册成员接入完成回调
func (s *CertificateService) SetCompleter(c MemberCompleter) {
	s.mu.Lock()
	s.completer = c
	s.mu.Unlock()
}

// Start 启动全部循环并注册集群监视
func (s *CertificateService) Start() {
	s.cluster.WatchSecrets(func(action cluster.WatchAction, secret *cluster.Secret) {
		if action == cluster.WatchAdded {
			s.onSecretAdded(secret)
		}
	})
	s.cluster.WatchCertificates(func(action cluster.WatchAction, cert *cluster.Certificate) {
		if action == cluster.WatchModified {
			s.onCertificateModified(cert)
		}
	})

	loops := map[string]func() (bool, error){
		"mgmtcontroller": s.stepController,
		"backbone":       s.stepBackbone,
		"accesspoint":    s.stepAccessPoint,
		"van":            s.stepNetwork,
		"interiorsite":   s.stepInteriorSite,
		"netcredential":  s.stepNetworkCredential,
		"invitation":     s.stepInvitation,
		"membersite":     s.stepMemberSite,
		"request":        s.stepRequest,
	}
	for name, step := range loops {
		s.wg.Add(1)
		go s.runLoop(name, step)
	}

	s.wg.Add(1)
	go s.pruneLoop()
}

// Stop 停止全部循环
func (s *CertificateService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// runLoop 排队循环骨架：空选择睡 2s，事务错误睡 10s，否则立即重调度
func (s *CertificateService) runLoop(name string, step func() (bool, error)) {
	defer s.wg.Done()
	log := s.logger.With().Str("loop", name).Logger()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		worked, err := step()
		delay := time.Duration(0)
		if err != nil {
			log.Error().Stack().Err(err).Msg("Reconcile step failed")
			delay = errorDelay
		} else if !worked {
			delay = idleDelay
		}

		if delay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
		}
	}
}

// createRequest 为目标实体排入一条证书请求
func createRequest(tx store.Store, kind types.RequestKind, targetID string, issuerCertID *string, isCA bool, dnsName string, durationDays int) error {
	return tx.CreateCertificateRequest(&types.CertificateRequest{
		ID:           uuid.NewString(),
		Kind:         kind,
		TargetID:     targetID,
		IssuerCertID: issuerCertID,
		IsCA:         isCA,
		DNSName:      dnsName,
		DurationDays: durationDays,
		Lifecycle:    types.LifecycleNew,
		RequestTime:  time.Now(),
		CreatedAt:    time.Now(),
	})
}

// stepController 管理控制器凭证，根签发
func (s *CertificateService) stepController() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		mc, err := tx.NextNewController()
		if err != nil || mc == nil {
			return err
		}
		if err := createRequest(tx, types.RequestManagementController, mc.ID, nil, false, "", durationClient); err != nil {
			return err
		}
		mc.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveController(mc); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// stepBackbone 骨干网 CA，根签发
func (s *CertificateService) stepBackbone() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		bb, err := tx.NextNewBackbone()
		if err != nil || bb == nil {
			return err
		}
		if err := createRequest(tx, types.RequestBackbone, bb.ID, nil, true, "", durationCA); err != nil {
			return err
		}
		bb.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveBackbone(bb); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// backboneIssuerForSite 取站点所属骨干网的 CA 凭证
func backboneIssuerForSite(tx store.Store, siteID string) (*string, error) {
	site, err := tx.GetInteriorSite(siteID)
	if err != nil {
		return nil, err
	}
	bb, err := tx.GetBackbone(site.BackboneID)
	if err != nil {
		return nil, err
	}
	if bb.CertificateID == nil {
		return nil, fmt.Errorf("backbone %s has no CA credential", bb.ID)
	}
	return bb.CertificateID, nil
}

// stepAccessPoint 接入点服务端凭证，骨干网 CA 签发
func (s *CertificateService) stepAccessPoint() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		ap, err := tx.NextNewAccessPoint()
		if err != nil || ap == nil {
			return err
		}
		issuer, err := backboneIssuerForSite(tx, ap.InteriorSiteID)
		if err != nil {
			return err
		}
		dnsName := ""
		if ap.Hostname != nil {
			dnsName = *ap.Hostname
		}
		if err := createRequest(tx, types.RequestAccessPoint, ap.ID, issuer, false, dnsName, durationClient); err != nil {
			return err
		}
		ap.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveAccessPoint(ap); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// stepNetwork VAN CA，根签发
func (s *CertificateService) stepNetwork() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		van, err := tx.NextNewNetwork()
		if err != nil || van == nil {
			return err
		}
		if err := createRequest(tx, types.RequestApplicationNetwork, van.ID, nil, true, "", durationCA); err != nil {
			return err
		}
		van.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveNetwork(van); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// stepInteriorSite 站点客户端凭证，骨干网 CA 签发
func (s *CertificateService) stepInteriorSite() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		site, err := tx.NextNewInteriorSite()
		if err != nil || site == nil {
			return err
		}
		bb, err := tx.GetBackbone(site.BackboneID)
		if err != nil {
			return err
		}
		if bb.CertificateID == nil {
			return fmt.Errorf("backbone %s has no CA credential", bb.ID)
		}
		if err := createRequest(tx, types.RequestInteriorSite, site.ID, bb.CertificateID, false, "", durationClient); err != nil {
			return err
		}
		site.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveInteriorSite(site); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// vanIssuer 取 VAN 的 CA 凭证
func vanIssuer(tx store.Store, vanID string) (*string, error) {
	van, err := tx.GetNetwork(vanID)
	if err != nil {
		return nil, err
	}
	if van.CertificateID == nil {
		return nil, fmt.Errorf("network %s has no CA credential", van.ID)
	}
	return van.CertificateID, nil
}

// stepNetworkCredential VAN 接入凭证，VAN CA 签发
func (s *CertificateService) stepNetworkCredential() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		nc, err := tx.NextNewNetworkCredential()
		if err != nil || nc == nil {
			return err
		}
		issuer, err := vanIssuer(tx, nc.ApplicationNetworkID)
		if err != nil {
			return err
		}
		if err := createRequest(tx, types.RequestNetworkCredential, nc.ID, issuer, false, "", durationClient); err != nil {
			return err
		}
		nc.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveNetworkCredential(nc); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// stepInvitation 邀请 claim 凭证，VAN CA 签发，时长截止到加入期限
func (s *CertificateService) stepInvitation() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		inv, err := tx.NextNewInvitation()
		if err != nil || inv == nil {
			return err
		}
		issuer, err := vanIssuer(tx, inv.ApplicationNetworkID)
		if err != nil {
			return err
		}
		duration := durationClaim
		if inv.JoinDeadline != nil {
			days := int(time.Until(*inv.JoinDeadline).Hours()/24) + 1
			if days > 0 && days < duration {
				duration = days
			}
		}
		if err := createRequest(tx, types.RequestMemberInvitation, inv.ID, issuer, false, "", duration); err != nil {
			return err
		}
		inv.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveInvitation(inv); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// stepMemberSite 成员站点客户端凭证，VAN CA 签发
func (s *CertificateService) stepMemberSite() (bool, error) {
	worked := false
	err := s.store.Transaction(func(tx store.Store) error {
		ms, err := tx.NextNewMemberSite()
		if err != nil || ms == nil {
			return err
		}
		issuer, err := vanIssuer(tx, ms.ApplicationNetworkID)
		if err != nil {
			return err
		}
		if err := createRequest(tx, types.RequestMemberSite, ms.ID, issuer, false, "", durationClient); err != nil {
			return err
		}
		ms.Lifecycle = types.LifecycleCRCreated
		if err := tx.SaveMemberSite(ms); err != nil {
			return err
		}
		worked = true
		return nil
	})
	return worked, err
}

// certObjectName 请求对应的集群对象名，同名用于 secret
func certObjectName(reqID string) string { return "skx-cert-" + reqID }

// stepRequest 请求循环：取最老的到期请求，创建集群证书对象
func (s *CertificateService) stepRequest() (bool, error) {
	req, err := s.store.NextPendingRequest(time.Now())
	if err != nil || req == nil {
		return false, err
	}

	issuerName := types.IssuerRoot
	issuerLink := types.IssuerRoot
	if req.IssuerCertID != nil {
		issuerCert, err := s.store.GetTlsCertificate(*req.IssuerCertID)
		if err != nil {
			return false, fmt.Errorf("loading issuer credential: %w", err)
		}
		issuerName = issuerCert.ObjectName
		issuerLink = issuerCert.ID
	}

	name := certObjectName(req.ID)
	var dnsNames []string
	if req.DNSName != "" {
		dnsNames = []string{req.DNSName}
	}
	err = s.cluster.ApplyCertificate(&cluster.Certificate{
		Name: name,
		Annotations: map[string]string{
			types.AnnotationDBLink:     req.ID,
			types.AnnotationIssuerLink: issuerLink,
		},
		Spec: cluster.CertificateSpec{
			SecretName:   name,
			IsCA:         req.IsCA,
			DNSNames:     dnsNames,
			DurationDays: req.DurationDays,
			IssuerName:   issuerName,
		},
	})
	if err != nil {
		return false, fmt.Errorf("applying certificate object: %w", err)
	}

	err = s.store.Transaction(func(tx store.Store) error {
		row, err := tx.GetCertificateRequest(req.ID)
		if err != nil {
			// 落地先于标记完成时请求行已删除
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		row.Lifecycle = types.LifecycleCertCreated
		return tx.SaveCertificateRequest(row)
	})
	return true, err
}

// onSecretAdded 凭证落地：由 skx-dblink 注解找回请求并完成实体
func (s *CertificateService) onSecretAdded(secret *cluster.Secret) {
	reqID := secret.Annotations[types.AnnotationDBLink]
	if reqID == "" {
		return
	}

	var (
		finalized *types.CertificateRequest
		certRowID string
	)
	err := s.store.Transaction(func(tx store.Store) error {
		req, err := tx.GetCertificateRequest(reqID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil // 已被处理
			}
			return err
		}

		certObj, err := s.cluster.LoadCertificate(certObjectName(req.ID))
		if err != nil {
			return fmt.Errorf("loading certificate object: %w", err)
		}

		var signedBy *string
		if link := secret.Annotations[types.AnnotationIssuerLink]; link != "" && link != types.IssuerRoot {
			signedBy = &link
		}

		certRow := &types.TlsCertificate{
			ID:          uuid.NewString(),
			ObjectName:  certObj.Name,
			IsCA:        req.IsCA,
			Expiration:  certObj.Status.NotAfter,
			RenewalTime: certObj.Status.RenewalTime,
			SignedByID:  signedBy,
			CreatedAt:   time.Now(),
		}
		if err := tx.CreateTlsCertificate(certRow); err != nil {
			return err
		}

		if err := s.finalizeTarget(tx, req, certRow.ID); err != nil {
			return err
		}
		if err := tx.DeleteCertificateRequest(req.ID); err != nil {
			return err
		}
		finalized = req
		certRowID = certRow.ID
		return nil
	})
	if err != nil {
		s.logger.Error().Stack().Str("request", reqID).Err(err).Msg("Secret finalization failed")
		return
	}
	if finalized == nil {
		return
	}

	// CA 凭证同时应用签发者对象
	if finalized.IsCA {
		if err := s.cluster.ApplyObject(&cluster.Object{
			Kind: "Issuer",
			Name: certObjectName(finalized.ID),
		}); err != nil {
			s.logger.Error().Err(err).Msg("Applying issuer object failed")
		}
	}

	// 提交后通知桥接层与接入完成
	s.mu.Lock()
	notifier := s.notifier
	completer := s.completer
	s.mu.Unlock()

	switch finalized.Kind {
	case types.RequestInteriorSite:
		if notifier != nil {
			notifier.SiteCertificateChanged(finalized.TargetID)
		}
	case types.RequestAccessPoint:
		if notifier != nil {
			notifier.AccessCertificateChanged(finalized.TargetID)
		}
	case types.RequestMemberSite:
		if completer != nil {
			completer.CompleteMember(finalized.TargetID)
		}
	}

	s.logger.Info().
		Str("kind", string(finalized.Kind)).
		Str("target", finalized.TargetID).
		Str("certificate", certRowID).
		Msg("Credential finalized")
}

// finalizeTarget 将目标实体推进到 ready 并挂上凭证
func (s *CertificateService) finalizeTarget(tx store.Store, req *types.CertificateRequest, certID string) error {
	switch req.Kind {
	case types.RequestManagementController:
		mc, err := tx.GetController(req.TargetID)
		if err != nil {
			return err
		}
		mc.Lifecycle = types.LifecycleReady
		mc.CertificateID = &certID
		return tx.SaveController(mc)

	case types.RequestBackbone:
		bb, err := tx.GetBackbone(req.TargetID)
		if err != nil {
			return err
		}
		bb.Lifecycle = types.LifecycleReady
		bb.CertificateID = &certID
		return tx.SaveBackbone(bb)

	case types.RequestAccessPoint:
		ap, err := tx.GetAccessPoint(req.TargetID)
		if err != nil {
			return err
		}
		ap.Lifecycle = types.LifecycleReady
		ap.CertificateID = &certID
		if err := tx.SaveAccessPoint(ap); err != nil {
			return err
		}
		if ap.Kind == types.AccessPointManage {
			return s.deployment.ManageAccessChanged(tx, ap.InteriorSiteID)
		}
		return nil

	case types.RequestApplicationNetwork:
		van, err := tx.GetNetwork(req.TargetID)
		if err != nil {
			return err
		}
		van.Lifecycle = types.LifecycleReady
		van.CertificateID = &certID
		return tx.SaveNetwork(van)

	case types.RequestInteriorSite:
		site, err := tx.GetInteriorSite(req.TargetID)
		if err != nil {
			return err
		}
		site.Lifecycle = types.LifecycleReady
		site.CertificateID = &certID
		if err := tx.SaveInteriorSite(site); err != nil {
			return err
		}
		// 同一事务内重算部署状态
		return s.deployment.SiteLifecycleChanged(tx, site.ID)

	case types.RequestNetworkCredential:
		nc, err := tx.GetNetworkCredential(req.TargetID)
		if err != nil {
			return err
		}
		nc.Lifecycle = types.LifecycleReady
		nc.CertificateID = &certID
		return tx.SaveNetworkCredential(nc)

	case types.RequestMemberInvitation:
		inv, err := tx.GetInvitation(req.TargetID)
		if err != nil {
			return err
		}
		inv.Lifecycle = types.LifecycleReady
		inv.CertificateID = &certID
		return tx.SaveInvitation(inv)

	case types.RequestMemberSite:
		ms, err := tx.GetMemberSite(req.TargetID)
		if err != nil {
			return err
		}
		ms.Lifecycle = types.LifecycleReady
		ms.CertificateID = &certID
		return tx.SaveMemberSite(ms)
	}
	return fmt.Errorf("unknown request kind %q", req.Kind)
}

// onCertificateModified cert-manager 轮换后刷新有效期
func (s *CertificateService) onCertificateModified(cert *cluster.Certificate) {
	err := s.store.Transaction(func(tx store.Store) error {
		row, err := tx.GetTlsCertificateByObjectName(cert.Name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if cert.Status.NotAfter == nil {
			return nil
		}
		row.Expiration = cert.Status.NotAfter
		row.RenewalTime = cert.Status.RenewalTime
		return tx.SaveTlsCertificate(row)
	})
	if err != nil {
		s.logger.Error().Str("certificate", cert.Name).Err(err).Msg("Certificate refresh failed")
	}
}

// pruneLoop 周期清理悬挂的集群对象与凭证行
func (s *CertificateService) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.pruneClusterObjects(); err != nil {
				s.logger.Error().Err(err).Msg("Cluster prune failed")
			}
			if err := s.pruneCertificateRows(); err != nil {
				s.logger.Error().Err(err).Msg("Certificate row prune failed")
			}
		}
	}
}

// pruneClusterObjects 删除数据库引用已消失的受控集群对象
func (s *CertificateService) pruneClusterObjects() error {
	certs, err := s.cluster.ListCertificates()
	if err != nil {
		return err
	}
	for _, cert := range certs {
		if cert.Annotations[types.AnnotationControlled] != "true" {
			continue
		}
		// 仍有在途请求的对象不清理
		if reqID := cert.Annotations[types.AnnotationDBLink]; reqID != "" {
			if _, err := s.store.GetCertificateRequest(reqID); err == nil {
				continue
			}
		}
		if _, err := s.store.GetTlsCertificateByObjectName(cert.Name); errors.Is(err, store.ErrNotFound) {
			s.logger.Info().Str("certificate", cert.Name).Msg("Pruning orphaned cluster certificate")
			if err := s.cluster.DeleteCertificate(cert.Name); err != nil {
				return err
			}
			if err := s.cluster.DeleteSecret(cert.Spec.SecretName); err != nil {
				return err
			}
			if err := s.cluster.DeleteObject("Issuer", cert.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneCertificateRows 深度优先删除不再被任何实体引用的凭证行，
// 叶子 CA 最后释放
func (s *CertificateService) pruneCertificateRows() error {
	for {
		deleted := 0
		err := s.store.Transaction(func(tx store.Store) error {
			rows, err := tx.ListTlsCertificates()
			if err != nil {
				return err
			}
			for _, row := range rows {
				referenced, err := tx.CertificateReferenced(row.ID)
				if err != nil {
					return err
				}
				if referenced {
					continue
				}
				children, err := tx.CertificatesSignedBy(row.ID)
				if err != nil {
					return err
				}
				if children > 0 {
					continue
				}
				if err := tx.DeleteTlsCertificate(row.ID); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if deleted == 0 {
			return nil
		}
	}
}
