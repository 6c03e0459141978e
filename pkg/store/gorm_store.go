package store

import (
	"errors"
	"fmt"
	"time"

	"van-backend/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore 通用GORM存储实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM存储实例；调用方配置连接池后需调用
// initialize 完成建表
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})

	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// initialize 初始化数据库
func (s *GormStore) initialize() error {
	err := s.db.AutoMigrate(
		&types.ManagementController{},
		&types.Backbone{},
		&types.InteriorSite{},
		&types.BackboneAccessPoint{},
		&types.InterRouterLink{},
		&types.ApplicationNetwork{},
		&types.NetworkCredential{},
		&types.MemberInvitation{},
		&types.EdgeLink{},
		&types.MemberSite{},
		&types.TlsCertificate{},
		&types.CertificateRequest{},
		&types.ConfigurationEntry{},
		&types.TargetPlatform{},
		&types.BlockType{},
		&types.InterfaceRole{},
		&types.LibraryBlock{},
		&types.Application{},
		&types.InstanceBlock{},
		&types.BindingRecord{},
		&types.DeployedApplication{},
		&types.SiteDataRecord{},
		&types.User{},
	)
	if err != nil {
		return fmt.Errorf("auto migrating tables: %w", err)
	}
	return nil
}

// Transaction 在事务内执行 fn
func (s *GormStore) Transaction(fn func(tx Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// wrapGet 统一 not-found 语义
func wrapGet(result *gorm.DB, what string) error {
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return fmt.Errorf("querying %s: %w", what, result.Error)
	}
	return nil
}

// firstOrNil 可为空的单行查询，用于各 reconciler 的候选行选择
func firstOrNil(result *gorm.DB, what string) error {
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("querying %s: %w", what, result.Error)
	}
	return nil
}

// ---- ManagementController ----

func (s *GormStore) CreateController(mc *types.ManagementController) error {
	if result := s.db.Create(mc); result.Error != nil {
		return fmt.Errorf("creating controller: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetController(id string) (*types.ManagementController, error) {
	var mc types.ManagementController
	if err := wrapGet(s.db.First(&mc, "id = ?", id), "controller"); err != nil {
		return nil, err
	}
	return &mc, nil
}

func (s *GormStore) GetControllerByName(name string) (*types.ManagementController, error) {
	var mc types.ManagementController
	if err := wrapGet(s.db.First(&mc, "name = ?", name), "controller"); err != nil {
		return nil, err
	}
	return &mc, nil
}

func (s *GormStore) SaveController(mc *types.ManagementController) error {
	if result := s.db.Save(mc); result.Error != nil {
		return fmt.Errorf("saving controller: %w", result.Error)
	}
	return nil
}

func (s *GormStore) NextNewController() (*types.ManagementController, error) {
	var mc types.ManagementController
	result := s.db.Where("lifecycle = ?", types.LifecycleNew).Order("created_at").First(&mc)
	if err := firstOrNil(result, "controller"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &mc, nil
}

// ---- Backbone ----

func (s *GormStore) CreateBackbone(bb *types.Backbone) error {
	if result := s.db.Create(bb); result.Error != nil {
		return fmt.Errorf("creating backbone: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetBackbone(id string) (*types.Backbone, error) {
	var bb types.Backbone
	if err := wrapGet(s.db.First(&bb, "id = ?", id), "backbone"); err != nil {
		return nil, err
	}
	return &bb, nil
}

func (s *GormStore) ListBackbones() ([]*types.Backbone, error) {
	var bbs []*types.Backbone
	if result := s.db.Order("created_at").Find(&bbs); result.Error != nil {
		return nil, fmt.Errorf("querying backbones: %w", result.Error)
	}
	return bbs, nil
}

func (s *GormStore) SaveBackbone(bb *types.Backbone) error {
	if result := s.db.Save(bb); result.Error != nil {
		return fmt.Errorf("saving backbone: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteBackbone(id string) error {
	result := s.db.Delete(&types.Backbone{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting backbone: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("backbone %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) NextNewBackbone() (*types.Backbone, error) {
	var bb types.Backbone
	result := s.db.Where("lifecycle = ?", types.LifecycleNew).Order("created_at").First(&bb)
	if err := firstOrNil(result, "backbone"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &bb, nil
}

func (s *GormStore) CountSitesForBackbone(backboneID string) (int64, error) {
	var count int64
	result := s.db.Model(&types.InteriorSite{}).Where("backbone_id = ?", backboneID).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting sites: %w", result.Error)
	}
	return count, nil
}

// ---- InteriorSite ----

func (s *GormStore) CreateInteriorSite(site *types.InteriorSite) error {
	if result := s.db.Create(site); result.Error != nil {
		return fmt.Errorf("creating interior site: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetInteriorSite(id string) (*types.InteriorSite, error) {
	var site types.InteriorSite
	if err := wrapGet(s.db.First(&site, "id = ?", id), "interior site"); err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *GormStore) ListInteriorSites(backboneID string) ([]*types.InteriorSite, error) {
	var sites []*types.InteriorSite
	q := s.db.Order("created_at")
	if backboneID != "" {
		q = q.Where("backbone_id = ?", backboneID)
	}
	if result := q.Find(&sites); result.Error != nil {
		return nil, fmt.Errorf("querying interior sites: %w", result.Error)
	}
	return sites, nil
}

func (s *GormStore) SaveInteriorSite(site *types.InteriorSite) error {
	if result := s.db.Save(site); result.Error != nil {
		return fmt.Errorf("saving interior site: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteInteriorSite(id string) error {
	result := s.db.Delete(&types.InteriorSite{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting interior site: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("interior site %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) NextNewInteriorSite() (*types.InteriorSite, error) {
	var site types.InteriorSite
	result := s.db.
		Where("lifecycle = ?", types.LifecycleNew).
		Where("backbone_id IN (?)", s.db.Model(&types.Backbone{}).Select("id").Where("lifecycle = ?", types.LifecycleReady)).
		Order("created_at").First(&site)
	if err := firstOrNil(result, "interior site"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &site, nil
}

// ---- BackboneAccessPoint ----

func (s *GormStore) CreateAccessPoint(ap *types.BackboneAccessPoint) error {
	if result := s.db.Create(ap); result.Error != nil {
		return fmt.Errorf("creating access point: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetAccessPoint(id string) (*types.BackboneAccessPoint, error) {
	var ap types.BackboneAccessPoint
	if err := wrapGet(s.db.First(&ap, "id = ?", id), "access point"); err != nil {
		return nil, err
	}
	return &ap, nil
}

func (s *GormStore) ListAccessPointsForSite(siteID string) ([]*types.BackboneAccessPoint, error) {
	var aps []*types.BackboneAccessPoint
	if result := s.db.Where("interior_site_id = ?", siteID).Order("created_at").Find(&aps); result.Error != nil {
		return nil, fmt.Errorf("querying access points: %w", result.Error)
	}
	return aps, nil
}

func (s *GormStore) SaveAccessPoint(ap *types.BackboneAccessPoint) error {
	if result := s.db.Save(ap); result.Error != nil {
		return fmt.Errorf("saving access point: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteAccessPoint(id string) error {
	result := s.db.Delete(&types.BackboneAccessPoint{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting access point: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("access point %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) NextNewAccessPoint() (*types.BackboneAccessPoint, error) {
	var ap types.BackboneAccessPoint
	readyBackbones := s.db.Model(&types.Backbone{}).Select("id").Where("lifecycle = ?", types.LifecycleReady)
	readySites := s.db.Model(&types.InteriorSite{}).Select("id").Where("backbone_id IN (?)", readyBackbones)
	result := s.db.
		Where("lifecycle = ?", types.LifecycleNew).
		Where("interior_site_id IN (?)", readySites).
		Order("created_at").First(&ap)
	if err := firstOrNil(result, "access point"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &ap, nil
}

func (s *GormStore) ListReadyManageAccess() ([]*ReadyManageAccess, error) {
	var aps []*types.BackboneAccessPoint
	result := s.db.
		Where("kind = ? AND lifecycle = ?", types.AccessPointManage, types.LifecycleReady).
		Order("created_at").Find(&aps)
	if result.Error != nil {
		return nil, fmt.Errorf("querying manage access points: %w", result.Error)
	}

	// 每个就绪骨干网保留一行
	seen := map[string]bool{}
	var out []*ReadyManageAccess
	for _, ap := range aps {
		if !ap.HasIngress() {
			continue
		}
		site, err := s.GetInteriorSite(ap.InteriorSiteID)
		if err != nil {
			continue
		}
		bb, err := s.GetBackbone(site.BackboneID)
		if err != nil || bb.Lifecycle != types.LifecycleReady {
			continue
		}
		if seen[bb.ID] {
			continue
		}
		seen[bb.ID] = true
		cert := ""
		if ap.CertificateID != nil {
			cert = *ap.CertificateID
		}
		out = append(out, &ReadyManageAccess{
			BackboneID:    bb.ID,
			AccessPointID: ap.ID,
			SiteID:        site.ID,
			Hostname:      *ap.Hostname,
			Port:          *ap.Port,
			CertificateID: cert,
		})
	}
	return out, nil
}

// ---- InterRouterLink ----

func (s *GormStore) CreateLink(link *types.InterRouterLink) error {
	// 不变量：接入点必须是 peer 类，且连接站点属于同一骨干网
	ap, err := s.GetAccessPoint(link.AccessPointID)
	if err != nil {
		return err
	}
	if ap.Kind != types.AccessPointPeer {
		return fmt.Errorf("link target access point %s is not peer-kind", ap.ID)
	}
	from, err := s.GetInteriorSite(link.ConnectingSiteID)
	if err != nil {
		return err
	}
	to, err := s.GetInteriorSite(ap.InteriorSiteID)
	if err != nil {
		return err
	}
	if from.BackboneID != to.BackboneID {
		return fmt.Errorf("link endpoints belong to different backbones")
	}
	if result := s.db.Create(link); result.Error != nil {
		return fmt.Errorf("creating link: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetLink(id string) (*types.InterRouterLink, error) {
	var link types.InterRouterLink
	if err := wrapGet(s.db.First(&link, "id = ?", id), "link"); err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *GormStore) ListLinksFrom(siteID string) ([]*LinkTarget, error) {
	var links []*types.InterRouterLink
	if result := s.db.Where("connecting_site_id = ?", siteID).Order("created_at").Find(&links); result.Error != nil {
		return nil, fmt.Errorf("querying links: %w", result.Error)
	}
	var out []*LinkTarget
	for _, link := range links {
		ap, err := s.GetAccessPoint(link.AccessPointID)
		if err != nil {
			return nil, err
		}
		site, err := s.GetInteriorSite(ap.InteriorSiteID)
		if err != nil {
			return nil, err
		}
		out = append(out, &LinkTarget{Link: *link, AccessPoint: *ap, TargetSite: *site})
	}
	return out, nil
}

func (s *GormStore) ListLinksInto(siteID string) ([]*types.InterRouterLink, error) {
	aps := s.db.Model(&types.BackboneAccessPoint{}).Select("id").Where("interior_site_id = ?", siteID)
	var links []*types.InterRouterLink
	if result := s.db.Where("access_point_id IN (?)", aps).Find(&links); result.Error != nil {
		return nil, fmt.Errorf("querying inbound links: %w", result.Error)
	}
	return links, nil
}

func (s *GormStore) DeleteLink(id string) error {
	result := s.db.Delete(&types.InterRouterLink{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting link: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("link %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- ApplicationNetwork ----

func (s *GormStore) CreateNetwork(van *types.ApplicationNetwork) error {
	if result := s.db.Create(van); result.Error != nil {
		return fmt.Errorf("creating network: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetNetwork(id string) (*types.ApplicationNetwork, error) {
	var van types.ApplicationNetwork
	if err := wrapGet(s.db.First(&van, "id = ?", id), "network"); err != nil {
		return nil, err
	}
	return &van, nil
}

func (s *GormStore) ListNetworks(backboneID string) ([]*types.ApplicationNetwork, error) {
	var vans []*types.ApplicationNetwork
	q := s.db.Order("created_at")
	if backboneID != "" {
		q = q.Where("backbone_id = ?", backboneID)
	}
	if result := q.Find(&vans); result.Error != nil {
		return nil, fmt.Errorf("querying networks: %w", result.Error)
	}
	return vans, nil
}

func (s *GormStore) SaveNetwork(van *types.ApplicationNetwork) error {
	if result := s.db.Save(van); result.Error != nil {
		return fmt.Errorf("saving network: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteNetwork(id string) error {
	result := s.db.Delete(&types.ApplicationNetwork{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting network: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("network %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) NextNewNetwork() (*types.ApplicationNetwork, error) {
	var van types.ApplicationNetwork
	result := s.db.
		Where("lifecycle = ?", types.LifecycleNew).
		Where("backbone_id IN (?)", s.db.Model(&types.Backbone{}).Select("id").Where("lifecycle = ?", types.LifecycleReady)).
		Order("created_at").First(&van)
	if err := firstOrNil(result, "network"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &van, nil
}

// ---- NetworkCredential ----

func (s *GormStore) CreateNetworkCredential(nc *types.NetworkCredential) error {
	if result := s.db.Create(nc); result.Error != nil {
		return fmt.Errorf("creating network credential: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetNetworkCredential(id string) (*types.NetworkCredential, error) {
	var nc types.NetworkCredential
	if err := wrapGet(s.db.First(&nc, "id = ?", id), "network credential"); err != nil {
		return nil, err
	}
	return &nc, nil
}

func (s *GormStore) SaveNetworkCredential(nc *types.NetworkCredential) error {
	if result := s.db.Save(nc); result.Error != nil {
		return fmt.Errorf("saving network credential: %w", result.Error)
	}
	return nil
}

func (s *GormStore) NextNewNetworkCredential() (*types.NetworkCredential, error) {
	var nc types.NetworkCredential
	result := s.db.
		Where("lifecycle = ?", types.LifecycleNew).
		Where("application_network_id IN (?)", s.db.Model(&types.ApplicationNetwork{}).Select("id").Where("lifecycle = ?", types.LifecycleReady)).
		Order("created_at").First(&nc)
	if err := firstOrNil(result, "network credential"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &nc, nil
}

// ---- MemberInvitation ----

func (s *GormStore) CreateInvitation(inv *types.MemberInvitation) error {
	if result := s.db.Create(inv); result.Error != nil {
		return fmt.Errorf("creating invitation: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetInvitation(id string) (*types.MemberInvitation, error) {
	var inv types.MemberInvitation
	if err := wrapGet(s.db.First(&inv, "id = ?", id), "invitation"); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *GormStore) ListInvitations(vanID string) ([]*types.MemberInvitation, error) {
	var invs []*types.MemberInvitation
	q := s.db.Order("created_at")
	if vanID != "" {
		q = q.Where("application_network_id = ?", vanID)
	}
	if result := q.Find(&invs); result.Error != nil {
		return nil, fmt.Errorf("querying invitations: %w", result.Error)
	}
	return invs, nil
}

func (s *GormStore) SaveInvitation(inv *types.MemberInvitation) error {
	if result := s.db.Save(inv); result.Error != nil {
		return fmt.Errorf("saving invitation: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteInvitation(id string) error {
	result := s.db.Delete(&types.MemberInvitation{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting invitation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("invitation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) NextNewInvitation() (*types.MemberInvitation, error) {
	var inv types.MemberInvitation
	result := s.db.
		Where("lifecycle = ?", types.LifecycleNew).
		Where("application_network_id IN (?)", s.db.Model(&types.ApplicationNetwork{}).Select("id").Where("lifecycle = ?", types.LifecycleReady)).
		Order("created_at").First(&inv)
	if err := firstOrNil(result, "invitation"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &inv, nil
}

// ---- EdgeLink ----

func (s *GormStore) CreateEdgeLink(el *types.EdgeLink) error {
	ap, err := s.GetAccessPoint(el.AccessPointID)
	if err != nil {
		return err
	}
	if ap.Kind != types.AccessPointMember {
		return fmt.Errorf("edge link access point %s is not member-kind", ap.ID)
	}
	if result := s.db.Create(el); result.Error != nil {
		return fmt.Errorf("creating edge link: %w", result.Error)
	}
	return nil
}

func (s *GormStore) ListEdgeLinksForInvitation(invitationID string) ([]*types.EdgeLink, error) {
	var els []*types.EdgeLink
	if result := s.db.Where("member_invitation_id = ?", invitationID).Order("priority").Find(&els); result.Error != nil {
		return nil, fmt.Errorf("querying edge links: %w", result.Error)
	}
	return els, nil
}

func (s *GormStore) DeleteEdgeLink(id string) error {
	result := s.db.Delete(&types.EdgeLink{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting edge link: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("edge link %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- MemberSite ----

func (s *GormStore) CreateMemberSite(ms *types.MemberSite) error {
	if result := s.db.Create(ms); result.Error != nil {
		return fmt.Errorf("creating member site: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetMemberSite(id string) (*types.MemberSite, error) {
	var ms types.MemberSite
	if err := wrapGet(s.db.First(&ms, "id = ?", id), "member site"); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (s *GormStore) ListMemberSites(vanID string) ([]*types.MemberSite, error) {
	var members []*types.MemberSite
	q := s.db.Order("created_at")
	if vanID != "" {
		q = q.Where("application_network_id = ?", vanID)
	}
	if result := q.Find(&members); result.Error != nil {
		return nil, fmt.Errorf("querying member sites: %w", result.Error)
	}
	return members, nil
}

func (s *GormStore) SaveMemberSite(ms *types.MemberSite) error {
	if result := s.db.Save(ms); result.Error != nil {
		return fmt.Errorf("saving member site: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteMemberSite(id string) error {
	result := s.db.Delete(&types.MemberSite{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting member site: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("member site %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) NextNewMemberSite() (*types.MemberSite, error) {
	var ms types.MemberSite
	result := s.db.
		Where("lifecycle = ?", types.LifecycleNew).
		Where("application_network_id IN (?)", s.db.Model(&types.ApplicationNetwork{}).Select("id").Where("lifecycle = ?", types.LifecycleReady)).
		Order("created_at").First(&ms)
	if err := firstOrNil(result, "member site"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &ms, nil
}

// ---- TlsCertificate ----

func (s *GormStore) CreateTlsCertificate(cert *types.TlsCertificate) error {
	if result := s.db.Create(cert); result.Error != nil {
		return fmt.Errorf("creating tls certificate: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetTlsCertificate(id string) (*types.TlsCertificate, error) {
	var cert types.TlsCertificate
	if err := wrapGet(s.db.First(&cert, "id = ?", id), "tls certificate"); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *GormStore) GetTlsCertificateByObjectName(name string) (*types.TlsCertificate, error) {
	var cert types.TlsCertificate
	if err := wrapGet(s.db.First(&cert, "object_name = ?", name), "tls certificate"); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *GormStore) ListTlsCertificates() ([]*types.TlsCertificate, error) {
	var certs []*types.TlsCertificate
	if result := s.db.Order("created_at").Find(&certs); result.Error != nil {
		return nil, fmt.Errorf("querying tls certificates: %w", result.Error)
	}
	return certs, nil
}

func (s *GormStore) SaveTlsCertificate(cert *types.TlsCertificate) error {
	if result := s.db.Save(cert); result.Error != nil {
		return fmt.Errorf("saving tls certificate: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteTlsCertificate(id string) error {
	result := s.db.Delete(&types.TlsCertificate{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting tls certificate: %w", result.Error)
	}
	return nil
}

// CertificateReferenced 判断凭证是否仍被任一受管实体引用
func (s *GormStore) CertificateReferenced(certID string) (bool, error) {
	models := []interface{}{
		&types.ManagementController{},
		&types.Backbone{},
		&types.InteriorSite{},
		&types.BackboneAccessPoint{},
		&types.ApplicationNetwork{},
		&types.NetworkCredential{},
		&types.MemberInvitation{},
		&types.MemberSite{},
	}
	for _, model := range models {
		var count int64
		result := s.db.Model(model).Where("certificate_id = ?", certID).Count(&count)
		if result.Error != nil {
			return false, fmt.Errorf("checking certificate references: %w", result.Error)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CertificatesSignedBy 统计由该 CA 签发的下级凭证数
func (s *GormStore) CertificatesSignedBy(certID string) (int64, error) {
	var count int64
	result := s.db.Model(&types.TlsCertificate{}).Where("signed_by_id = ?", certID).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting signed certificates: %w", result.Error)
	}
	return count, nil
}

// ---- CertificateRequest ----

func (s *GormStore) CreateCertificateRequest(req *types.CertificateRequest) error {
	if result := s.db.Create(req); result.Error != nil {
		return fmt.Errorf("creating certificate request: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetCertificateRequest(id string) (*types.CertificateRequest, error) {
	var req types.CertificateRequest
	if err := wrapGet(s.db.First(&req, "id = ?", id), "certificate request"); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *GormStore) SaveCertificateRequest(req *types.CertificateRequest) error {
	if result := s.db.Save(req); result.Error != nil {
		return fmt.Errorf("saving certificate request: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteCertificateRequest(id string) error {
	result := s.db.Delete(&types.CertificateRequest{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting certificate request: %w", result.Error)
	}
	return nil
}

func (s *GormStore) NextPendingRequest(now time.Time) (*types.CertificateRequest, error) {
	var req types.CertificateRequest
	result := s.db.
		Where("lifecycle = ? AND request_time <= ?", types.LifecycleNew, now).
		Order("created_at").First(&req)
	if err := firstOrNil(result, "certificate request"); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, nil
	}
	return &req, nil
}

// ---- Application compose ----

func (s *GormStore) CreateLibraryBlock(lb *types.LibraryBlock) error {
	if result := s.db.Create(lb); result.Error != nil {
		return fmt.Errorf("creating library block: %w", result.Error)
	}
	return nil
}

// GetLibraryBlockByName 取最高修订版本
func (s *GormStore) GetLibraryBlockByName(name string) (*types.LibraryBlock, error) {
	var lb types.LibraryBlock
	if err := wrapGet(s.db.Where("name = ?", name).Order("revision DESC").First(&lb), "library block"); err != nil {
		return nil, err
	}
	return &lb, nil
}

func (s *GormStore) ListLibraryBlocks() ([]*types.LibraryBlock, error) {
	var lbs []*types.LibraryBlock
	if result := s.db.Order("name, revision").Find(&lbs); result.Error != nil {
		return nil, fmt.Errorf("querying library blocks: %w", result.Error)
	}
	return lbs, nil
}

func (s *GormStore) GetBlockType(name string) (*types.BlockType, error) {
	var bt types.BlockType
	if err := wrapGet(s.db.First(&bt, "name = ?", name), "block type"); err != nil {
		return nil, err
	}
	return &bt, nil
}

// SeedBlockTypes 初始化块类型与接口角色
func (s *GormStore) SeedBlockTypes() error {
	blockTypes := []types.BlockType{
		{Name: "component", AllowNorth: true, AllowSouth: false, Allocation: "independent"},
		{Name: "connector", AllowNorth: true, AllowSouth: true, Allocation: "none"},
		{Name: "toplevel", AllowNorth: false, AllowSouth: true, Allocation: "none"},
		{Name: "mixed", AllowNorth: true, AllowSouth: true, Allocation: "independent"},
		{Name: "ingress", AllowNorth: false, AllowSouth: true, Allocation: "none"},
		{Name: "egress", AllowNorth: true, AllowSouth: false, Allocation: "none"},
	}
	for _, bt := range blockTypes {
		if result := s.db.Where("name = ?", bt.Name).FirstOrCreate(&bt); result.Error != nil {
			return fmt.Errorf("seeding block type %s: %w", bt.Name, result.Error)
		}
	}
	platforms := []types.TargetPlatform{
		{Name: "kube", Description: "Kubernetes"},
		{Name: "podman", Description: "Podman"},
		{Name: "docker", Description: "Docker"},
	}
	for _, tp := range platforms {
		if result := s.db.Where("name = ?", tp.Name).FirstOrCreate(&tp); result.Error != nil {
			return fmt.Errorf("seeding platform %s: %w", tp.Name, result.Error)
		}
	}
	roles := []types.InterfaceRole{
		{Name: "db", Description: "Database access"},
		{Name: "http", Description: "HTTP service"},
		{Name: "stream", Description: "Stream transport"},
	}
	for _, role := range roles {
		if result := s.db.Where("name = ?", role.Name).FirstOrCreate(&role); result.Error != nil {
			return fmt.Errorf("seeding interface role %s: %w", role.Name, result.Error)
		}
	}
	return nil
}

func (s *GormStore) CreateApplication(app *types.Application) error {
	if result := s.db.Create(app); result.Error != nil {
		return fmt.Errorf("creating application: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetApplication(id string) (*types.Application, error) {
	var app types.Application
	if err := wrapGet(s.db.First(&app, "id = ?", id), "application"); err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *GormStore) ListApplications() ([]*types.Application, error) {
	var apps []*types.Application
	if result := s.db.Order("created_at").Find(&apps); result.Error != nil {
		return nil, fmt.Errorf("querying applications: %w", result.Error)
	}
	return apps, nil
}

func (s *GormStore) SaveApplication(app *types.Application) error {
	if result := s.db.Save(app); result.Error != nil {
		return fmt.Errorf("saving application: %w", result.Error)
	}
	return nil
}

func (s *GormStore) DeleteApplication(id string) error {
	if result := s.db.Delete(&types.InstanceBlock{}, "application_id = ?", id); result.Error != nil {
		return fmt.Errorf("deleting instance blocks: %w", result.Error)
	}
	if result := s.db.Delete(&types.BindingRecord{}, "application_id = ?", id); result.Error != nil {
		return fmt.Errorf("deleting bindings: %w", result.Error)
	}
	result := s.db.Delete(&types.Application{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting application: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("application %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceInstanceBlocks 重建应用的实例与绑定记录
func (s *GormStore) ReplaceInstanceBlocks(appID string, blocks []*types.InstanceBlock, bindings []*types.BindingRecord) error {
	if result := s.db.Delete(&types.InstanceBlock{}, "application_id = ?", appID); result.Error != nil {
		return fmt.Errorf("clearing instance blocks: %w", result.Error)
	}
	if result := s.db.Delete(&types.BindingRecord{}, "application_id = ?", appID); result.Error != nil {
		return fmt.Errorf("clearing bindings: %w", result.Error)
	}
	for _, block := range blocks {
		if result := s.db.Create(block); result.Error != nil {
			return fmt.Errorf("creating instance block: %w", result.Error)
		}
	}
	for _, binding := range bindings {
		if result := s.db.Create(binding); result.Error != nil {
			return fmt.Errorf("creating binding: %w", result.Error)
		}
	}
	return nil
}

func (s *GormStore) ListInstanceBlocks(appID string) ([]*types.InstanceBlock, error) {
	var blocks []*types.InstanceBlock
	if result := s.db.Where("application_id = ?", appID).Order("path").Find(&blocks); result.Error != nil {
		return nil, fmt.Errorf("querying instance blocks: %w", result.Error)
	}
	return blocks, nil
}

func (s *GormStore) CreateDeployedApplication(da *types.DeployedApplication) error {
	if result := s.db.Create(da); result.Error != nil {
		return fmt.Errorf("creating deployed application: %w", result.Error)
	}
	return nil
}

func (s *GormStore) ListDeployedApplications(vanID string) ([]*types.DeployedApplication, error) {
	var das []*types.DeployedApplication
	q := s.db.Order("created_at")
	if vanID != "" {
		q = q.Where("application_network_id = ?", vanID)
	}
	if result := q.Find(&das); result.Error != nil {
		return nil, fmt.Errorf("querying deployed applications: %w", result.Error)
	}
	return das, nil
}

// ReplaceSiteData 重建某次部署的站点配置文档
func (s *GormStore) ReplaceSiteData(deployedAppID string, records []*types.SiteDataRecord) error {
	if result := s.db.Delete(&types.SiteDataRecord{}, "deployed_application_id = ?", deployedAppID); result.Error != nil {
		return fmt.Errorf("clearing site data: %w", result.Error)
	}
	for _, record := range records {
		if result := s.db.Create(record); result.Error != nil {
			return fmt.Errorf("creating site data: %w", result.Error)
		}
	}
	return nil
}

func (s *GormStore) ListSiteData(memberSiteID string) ([]*types.SiteDataRecord, error) {
	var records []*types.SiteDataRecord
	q := s.db
	if memberSiteID != "" {
		q = q.Where("member_site_id = ?", memberSiteID)
	}
	if result := q.Find(&records); result.Error != nil {
		return nil, fmt.Errorf("querying site data: %w", result.Error)
	}
	return records, nil
}

// ---- User ----

func (s *GormStore) CreateUser(user *types.User) error {
	if result := s.db.Create(user); result.Error != nil {
		return fmt.Errorf("creating user: %w", result.Error)
	}
	return nil
}

func (s *GormStore) GetUserByUsername(username string) (*types.User, error) {
	var user types.User
	if err := wrapGet(s.db.First(&user, "username = ?", username), "user"); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormStore) CheckUserExists(username string) (bool, error) {
	var count int64
	result := s.db.Model(&types.User{}).Where("username = ?", username).Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("checking user existence: %w", result.Error)
	}
	return count > 0, nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}
