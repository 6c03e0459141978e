package service

import (
	"fmt"
	"strings"
	"time"

	"van-backend/internal/cluster"
	"van-backend/pkg/manifest"
	"van-backend/pkg/store"
	syncpkg "van-backend/pkg/sync"
	"van-backend/pkg/types"

	"github.com/rs/zerolog"
)

// BridgeService 同步桥接层：把状态同步引擎的回调按对端类别
// 映射到数据库读写与本地状态清单
type BridgeService struct {
	store   store.Store
	cluster cluster.Client
	compose *ComposeService
	deploy  *DeploymentService
	engine  *syncpkg.Engine
	logger  zerolog.Logger
}

// NewBridgeService 创建桥接层
func NewBridgeService(st store.Store, cl cluster.Client, compose *ComposeService, deploy *DeploymentService, engine *syncpkg.Engine, logger zerolog.Logger) *BridgeService {
	b := &BridgeService{
		store:   st,
		cluster: cl,
		compose: compose,
		deploy:  deploy,
		engine:  engine,
		logger:  logger.With().Str("service", "bridge").Logger(),
	}
	engine.RegisterHandlers(types.ClassBackbone, &backboneEvents{b})
	engine.RegisterHandlers(types.ClassMember, &memberEvents{b})
	return b
}

// secretHash 取凭证记录对应 secret 的内容哈希。
// 事务内调用必须传入事务句柄，避免占用第二个连接
func (b *BridgeService) secretHash(st store.Store, certID *string) (string, map[string]string, error) {
	if certID == nil {
		return "", nil, fmt.Errorf("no credential reference")
	}
	cert, err := st.GetTlsCertificate(*certID)
	if err != nil {
		return "", nil, err
	}
	secret, err := b.cluster.LoadSecret(cert.ObjectName)
	if err != nil {
		return "", nil, err
	}
	return manifest.HashOfData(secret.Data), secret.Data, nil
}

func accessData(ap *types.BackboneAccessPoint) map[string]string {
	data := map[string]string{"kind": string(ap.Kind)}
	if ap.BindHost != nil && *ap.BindHost != "" {
		data["bindhost"] = *ap.BindHost
	}
	return data
}

func linkData(ap *types.BackboneAccessPoint, cost int) map[string]string {
	data := map[string]string{"cost": fmt.Sprintf("%d", cost)}
	if ap.Hostname != nil {
		data["host"] = *ap.Hostname
	}
	if ap.Port != nil {
		data["port"] = *ap.Port
	}
	return data
}

// ---- 骨干站点 ----

type backboneEvents struct{ b *BridgeService }

// OnNewPeer 构建骨干站点的初始清单并推进激活
func (e *backboneEvents) OnNewPeer(peerID string) (map[string]string, map[string]string, error) {
	b := e.b
	local := map[string]string{}
	remote := map[string]string{}

	err := b.store.Transaction(func(tx store.Store) error {
		site, err := tx.GetInteriorSite(peerID)
		if err != nil {
			return err
		}

		if hash, _, err := b.secretHash(tx, site.CertificateID); err == nil {
			local[types.StateKeyTlsSite+site.ID] = hash
		}

		aps, err := tx.ListAccessPointsForSite(site.ID)
		if err != nil {
			return err
		}
		for _, ap := range aps {
			local[types.StateKeyAccess+ap.ID] = manifest.HashOfData(accessData(ap))
			if ap.Lifecycle == types.LifecycleReady {
				if hash, _, err := b.secretHash(tx, ap.CertificateID); err == nil {
					local[types.StateKeyTlsServer+ap.ID] = hash
				}
				// 路由器在运行时发现的 host/port
				remote[types.StateKeyAccessStatus+ap.ID] = ""
			}
		}

		links, err := tx.ListLinksFrom(site.ID)
		if err != nil {
			return err
		}
		for _, lt := range links {
			if lt.AccessPoint.Lifecycle == types.LifecycleReady {
				local[types.StateKeyLink+lt.Link.ID] = manifest.HashOfData(linkData(&lt.AccessPoint, lt.Link.Cost))
			}
		}

		now := time.Now()
		site.LastHeartbeat = &now
		if site.Lifecycle == types.LifecycleReady {
			site.Lifecycle = types.LifecycleActive
			site.FirstActiveTime = &now
			if err := tx.SaveInteriorSite(site); err != nil {
				return err
			}
			// 激活级联重算部署状态，同一事务内
			return b.deploy.SiteLifecycleChanged(tx, site.ID)
		}
		return tx.SaveInteriorSite(site)
	})
	if err != nil {
		return nil, nil, err
	}

	b.logger.Info().Str("site", peerID).Int("local", len(local)).Msg("Backbone peer attached")
	return local, remote, nil
}

// OnPing 心跳时间戳单调推进
func (e *backboneEvents) OnPing(peerID string) {
	err := e.b.store.Transaction(func(tx store.Store) error {
		site, err := tx.GetInteriorSite(peerID)
		if err != nil {
			return err
		}
		now := time.Now()
		site.LastHeartbeat = &now
		return tx.SaveInteriorSite(site)
	})
	if err != nil {
		e.b.logger.Warn().Str("site", peerID).Err(err).Msg("Heartbeat update failed")
	}
}

// OnStateChange 只处理 accessstatus 键：partial 接入点补齐
// host/port 后推进到 new，触发证书 reconciler。其余键仅供参考
func (e *backboneEvents) OnStateChange(peerID string, change syncpkg.StateChange) error {
	if change.Deleted || !strings.HasPrefix(change.Key, types.StateKeyAccessStatus) {
		return nil
	}
	apID := strings.TrimPrefix(change.Key, types.StateKeyAccessStatus)

	return e.b.store.Transaction(func(tx store.Store) error {
		ap, err := tx.GetAccessPoint(apID)
		if err != nil {
			return err
		}
		if ap.Lifecycle != types.LifecyclePartial {
			return nil
		}
		host, _ := change.Data["host"].(string)
		port, _ := change.Data["port"].(string)
		if host == "" || port == "" {
			return nil
		}
		ap.Hostname = &host
		ap.Port = &port
		ap.Lifecycle = types.LifecycleNew
		if err := tx.SaveAccessPoint(ap); err != nil {
			return err
		}
		e.b.logger.Info().Str("accesspoint", apID).Str("host", host).Str("port", port).
			Msg("Ingress reported, access point promoted")
		return nil
	})
}

// OnStateRequest 按状态键前缀取数
func (e *backboneEvents) OnStateRequest(peerID, key string) (string, map[string]any, error) {
	b := e.b
	switch {
	case strings.HasPrefix(key, types.StateKeyTlsSite):
		site, err := b.store.GetInteriorSite(strings.TrimPrefix(key, types.StateKeyTlsSite))
		if err != nil {
			return "", nil, err
		}
		hash, data, err := b.secretHash(b.store, site.CertificateID)
		if err != nil {
			return "", nil, err
		}
		return hash, toAnyMap(data), nil

	case strings.HasPrefix(key, types.StateKeyTlsServer):
		ap, err := b.store.GetAccessPoint(strings.TrimPrefix(key, types.StateKeyTlsServer))
		if err != nil {
			return "", nil, err
		}
		hash, data, err := b.secretHash(b.store, ap.CertificateID)
		if err != nil {
			return "", nil, err
		}
		return hash, toAnyMap(data), nil

	case strings.HasPrefix(key, types.StateKeyAccess):
		ap, err := b.store.GetAccessPoint(strings.TrimPrefix(key, types.StateKeyAccess))
		if err != nil {
			return "", nil, err
		}
		data := accessData(ap)
		return manifest.HashOfData(data), toAnyMap(data), nil

	case strings.HasPrefix(key, types.StateKeyLink):
		link, err := b.store.GetLink(strings.TrimPrefix(key, types.StateKeyLink))
		if err != nil {
			return "", nil, err
		}
		ap, err := b.store.GetAccessPoint(link.AccessPointID)
		if err != nil {
			return "", nil, err
		}
		data := linkData(ap, link.Cost)
		return manifest.HashOfData(data), toAnyMap(data), nil
	}
	return "", nil, fmt.Errorf("unknown state key %q", key)
}

// ---- 成员站点 ----

type memberEvents struct{ b *BridgeService }

// OnNewPeer 成员清单：站点凭证、就绪边缘连接、应用状态
func (e *memberEvents) OnNewPeer(peerID string) (map[string]string, map[string]string, error) {
	b := e.b
	local := map[string]string{}

	err := b.store.Transaction(func(tx store.Store) error {
		member, err := tx.GetMemberSite(peerID)
		if err != nil {
			return err
		}

		if hash, _, err := b.secretHash(tx, member.CertificateID); err == nil {
			local[types.StateKeyTlsSite+member.ID] = hash
		}

		edgeLinks, err := tx.ListEdgeLinksForInvitation(member.MemberInvitationID)
		if err != nil {
			return err
		}
		for _, el := range edgeLinks {
			ap, err := tx.GetAccessPoint(el.AccessPointID)
			if err != nil {
				continue
			}
			if ap.Lifecycle == types.LifecycleReady {
				local[types.StateKeyLink+el.ID] = manifest.HashOfData(linkData(ap, 1))
			}
		}

		now := time.Now()
		member.LastHeartbeat = &now
		if member.Lifecycle == types.LifecycleReady {
			member.Lifecycle = types.LifecycleActive
			member.FirstActiveTime = &now
		}
		if err := tx.SaveMemberSite(member); err != nil {
			return err
		}

		// 观察到成员路由器地址即视为网络已接通
		van, err := tx.GetNetwork(member.ApplicationNetworkID)
		if err != nil {
			return err
		}
		if !van.Connected {
			van.Connected = true
			if err := tx.SaveNetwork(van); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// 编排引擎的应用状态哈希并入成员清单
	for key, hash := range b.compose.AppStateHashes(peerID) {
		local[key] = hash
	}

	b.logger.Info().Str("member", peerID).Int("local", len(local)).Msg("Member peer attached")
	return local, map[string]string{}, nil
}

func (e *memberEvents) OnPing(peerID string) {
	err := e.b.store.Transaction(func(tx store.Store) error {
		member, err := tx.GetMemberSite(peerID)
		if err != nil {
			return err
		}
		now := time.Now()
		member.LastHeartbeat = &now
		return tx.SaveMemberSite(member)
	})
	if err != nil {
		e.b.logger.Warn().Str("member", peerID).Err(err).Msg("Heartbeat update failed")
	}
}

// OnStateChange 成员上报仅供参考
func (e *memberEvents) OnStateChange(peerID string, change syncpkg.StateChange) error {
	return nil
}

// OnStateRequest 成员键：凭证、边缘连接，其余回落到编排引擎
func (e *memberEvents) OnStateRequest(peerID, key string) (string, map[string]any, error) {
	b := e.b
	switch {
	case strings.HasPrefix(key, types.StateKeyTlsSite):
		member, err := b.store.GetMemberSite(strings.TrimPrefix(key, types.StateKeyTlsSite))
		if err != nil {
			return "", nil, err
		}
		hash, data, err := b.secretHash(b.store, member.CertificateID)
		if err != nil {
			return "", nil, err
		}
		return hash, toAnyMap(data), nil

	case strings.HasPrefix(key, types.StateKeyLink):
		elID := strings.TrimPrefix(key, types.StateKeyLink)
		member, err := b.store.GetMemberSite(peerID)
		if err != nil {
			return "", nil, err
		}
		edgeLinks, err := b.store.ListEdgeLinksForInvitation(member.MemberInvitationID)
		if err != nil {
			return "", nil, err
		}
		for _, el := range edgeLinks {
			if el.ID != elID {
				continue
			}
			ap, err := b.store.GetAccessPoint(el.AccessPointID)
			if err != nil {
				return "", nil, err
			}
			data := linkData(ap, 1)
			return manifest.HashOfData(data), toAnyMap(data), nil
		}
		return "", nil, fmt.Errorf("unknown edge link %q", elID)
	}

	// 应用状态缓存
	return b.compose.AppStateGet(peerID, key)
}

// ---- 推送路径：数据库变更回写本地清单并强制心跳 ----

// SiteCertificateChanged 站点凭证落地后刷新 tls-site 哈希
func (b *BridgeService) SiteCertificateChanged(siteID string) {
	site, err := b.store.GetInteriorSite(siteID)
	if err != nil {
		b.logger.Warn().Str("site", siteID).Err(err).Msg("Site certificate push failed")
		return
	}
	hash, _, err := b.secretHash(b.store, site.CertificateID)
	if err != nil {
		return
	}
	b.engine.UpdateLocalState(siteID, types.StateKeyTlsSite+siteID, hash)
}

// AccessCertificateChanged 接入点凭证落地后刷新 tls-server 哈希
func (b *BridgeService) AccessCertificateChanged(apID string) {
	ap, err := b.store.GetAccessPoint(apID)
	if err != nil {
		b.logger.Warn().Str("accesspoint", apID).Err(err).Msg("Access certificate push failed")
		return
	}
	hash, _, err := b.secretHash(b.store, ap.CertificateID)
	if err != nil {
		return
	}
	b.engine.UpdateLocalState(ap.InteriorSiteID, types.StateKeyTlsServer+apID, hash)
	b.engine.UpdateLocalState(ap.InteriorSiteID, types.StateKeyAccess+apID, manifest.HashOfData(accessData(ap)))
}

// SiteIngressChanged 接入点入口变化：刷新 access 键并联动
// 指向该接入点的全部连接
func (b *BridgeService) SiteIngressChanged(apID string) {
	ap, err := b.store.GetAccessPoint(apID)
	if err != nil {
		return
	}
	b.engine.UpdateLocalState(ap.InteriorSiteID, types.StateKeyAccess+apID, manifest.HashOfData(accessData(ap)))

	links, err := b.store.ListLinksInto(ap.InteriorSiteID)
	if err != nil {
		return
	}
	for _, link := range links {
		if link.AccessPointID != apID {
			continue
		}
		b.engine.UpdateLocalState(link.ConnectingSiteID, types.StateKeyLink+link.ID,
			manifest.HashOfData(linkData(ap, link.Cost)))
	}
}

// LinkChanged 连接新增后刷新连接方站点的 link 键；
// removed 为 true 时不做任何变更，键的删除由 RemoveLinkState 完成
func (b *BridgeService) LinkChanged(linkID string, removed bool) {
	if removed {
		// 此处不处理删除，见 RemoveLinkState
		return
	}
	link, err := b.store.GetLink(linkID)
	if err != nil {
		return
	}
	ap, err := b.store.GetAccessPoint(link.AccessPointID)
	if err != nil {
		return
	}
	b.engine.UpdateLocalState(link.ConnectingSiteID, types.StateKeyLink+link.ID,
		manifest.HashOfData(linkData(ap, link.Cost)))
}

// RemoveLinkState 连接删除后从连接方清单剔除 link 键
func (b *BridgeService) RemoveLinkState(connectingSiteID, linkID string) {
	b.engine.UpdateLocalState(connectingSiteID, types.StateKeyLink+linkID, "")
}

// NewIngressAvailable 预留钩子。
// TODO: 决定新入口可用时需要重算哪些活跃站点的哈希集；
// 决议前保持空操作
func (b *BridgeService) NewIngressAvailable(backboneID string) {
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
