package service

import (
	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/rs/zerolog"
)

// DeploymentService 站点部署状态机。所有求值在调用方事务内完成，
// 无变化的写入被抑制。
type DeploymentService struct {
	logger zerolog.Logger
}

// NewDeploymentService 创建部署状态求值器
func NewDeploymentService(logger zerolog.Logger) *DeploymentService {
	return &DeploymentService{
		logger: logger.With().Str("service", "deployment").Logger(),
	}
}

// computeState 按序求值部署状态规则
func (s *DeploymentService) computeState(tx store.Store, site *types.InteriorSite) (types.DeploymentState, error) {
	// 规则1：站点已激活即视为已部署
	if site.Lifecycle == types.LifecycleActive {
		return types.DeploymentDeployed, nil
	}

	if site.Lifecycle == types.LifecycleReady {
		// 规则2：存在指向已部署站点的出向连接
		links, err := tx.ListLinksFrom(site.ID)
		if err != nil {
			return "", err
		}
		for _, lt := range links {
			if lt.TargetSite.DeploymentState == types.DeploymentDeployed {
				return types.DeploymentReadyAutomatic, nil
			}
		}

		// 规则3：站点上存在 manage 类接入点
		aps, err := tx.ListAccessPointsForSite(site.ID)
		if err != nil {
			return "", err
		}
		for _, ap := range aps {
			if ap.Kind == types.AccessPointManage {
				return types.DeploymentReadyBootstrap, nil
			}
		}
	}

	return types.DeploymentNotReady, nil
}

// EvaluateSite 重算单个站点的部署状态，无变化时不写
func (s *DeploymentService) EvaluateSite(tx store.Store, site *types.InteriorSite) (bool, error) {
	state, err := s.computeState(tx, site)
	if err != nil {
		return false, err
	}
	if state == site.DeploymentState {
		return false, nil
	}
	site.DeploymentState = state
	if err := tx.SaveInteriorSite(site); err != nil {
		return false, err
	}
	s.logger.Debug().Str("site", site.ID).Str("state", string(state)).Msg("Deployment state changed")
	return true, nil
}

// SiteLifecycleChanged 站点生命周期变化触发求值；
// 站点进入 deployed 时级联重算所有连入该站点的站点
func (s *DeploymentService) SiteLifecycleChanged(tx store.Store, siteID string) error {
	site, err := tx.GetInteriorSite(siteID)
	if err != nil {
		return err
	}
	changed, err := s.EvaluateSite(tx, site)
	if err != nil {
		return err
	}
	if changed && site.DeploymentState == types.DeploymentDeployed {
		return s.cascadeInto(tx, site.ID)
	}
	return nil
}

// cascadeInto 重算所有有连接指向 siteID 的站点
func (s *DeploymentService) cascadeInto(tx store.Store, siteID string) error {
	inbound, err := tx.ListLinksInto(siteID)
	if err != nil {
		return err
	}
	for _, link := range inbound {
		from, err := tx.GetInteriorSite(link.ConnectingSiteID)
		if err != nil {
			continue
		}
		if _, err := s.EvaluateSite(tx, from); err != nil {
			return err
		}
	}
	return nil
}

// LinkChanged 连接增删触发连接方站点求值
func (s *DeploymentService) LinkChanged(tx store.Store, connectingSiteID string) error {
	site, err := tx.GetInteriorSite(connectingSiteID)
	if err != nil {
		return err
	}
	_, err = s.EvaluateSite(tx, site)
	return err
}

// ManageAccessChanged manage 接入点增删触发所在站点求值
func (s *DeploymentService) ManageAccessChanged(tx store.Store, siteID string) error {
	site, err := tx.GetInteriorSite(siteID)
	if err != nil {
		return err
	}
	_, err = s.EvaluateSite(tx, site)
	return err
}
