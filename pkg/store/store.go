package store

import (
	"errors"
	"fmt"
	"time"

	"van-backend/pkg/types"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// ReadyManageAccess 就绪骨干网上的 manage 接入点，每个骨干网一行
type ReadyManageAccess struct {
	BackboneID    string
	AccessPointID string
	SiteID        string
	Hostname      string
	Port          string
	CertificateID string
}

// LinkTarget 站点出向连接及其目标接入点信息
type LinkTarget struct {
	Link       types.InterRouterLink
	AccessPoint types.BackboneAccessPoint
	TargetSite types.InteriorSite
}

// Store 定义存储接口，所有写操作在事务内执行
type Store interface {
	// Transaction 在单个事务内执行 fn，出错时回滚
	Transaction(fn func(tx Store) error) error

	// ManagementController operations
	CreateController(mc *types.ManagementController) error
	GetController(id string) (*types.ManagementController, error)
	GetControllerByName(name string) (*types.ManagementController, error)
	SaveController(mc *types.ManagementController) error
	NextNewController() (*types.ManagementController, error)

	// Backbone operations
	CreateBackbone(bb *types.Backbone) error
	GetBackbone(id string) (*types.Backbone, error)
	ListBackbones() ([]*types.Backbone, error)
	SaveBackbone(bb *types.Backbone) error
	DeleteBackbone(id string) error
	NextNewBackbone() (*types.Backbone, error)
	CountSitesForBackbone(backboneID string) (int64, error)

	// InteriorSite operations
	CreateInteriorSite(site *types.InteriorSite) error
	GetInteriorSite(id string) (*types.InteriorSite, error)
	ListInteriorSites(backboneID string) ([]*types.InteriorSite, error)
	SaveInteriorSite(site *types.InteriorSite) error
	DeleteInteriorSite(id string) error
	NextNewInteriorSite() (*types.InteriorSite, error)

	// BackboneAccessPoint operations
	CreateAccessPoint(ap *types.BackboneAccessPoint) error
	GetAccessPoint(id string) (*types.BackboneAccessPoint, error)
	ListAccessPointsForSite(siteID string) ([]*types.BackboneAccessPoint, error)
	SaveAccessPoint(ap *types.BackboneAccessPoint) error
	DeleteAccessPoint(id string) error
	NextNewAccessPoint() (*types.BackboneAccessPoint, error)
	ListReadyManageAccess() ([]*ReadyManageAccess, error)

	// InterRouterLink operations
	CreateLink(link *types.InterRouterLink) error
	GetLink(id string) (*types.InterRouterLink, error)
	ListLinksFrom(siteID string) ([]*LinkTarget, error)
	ListLinksInto(siteID string) ([]*types.InterRouterLink, error)
	DeleteLink(id string) error

	// ApplicationNetwork operations
	CreateNetwork(van *types.ApplicationNetwork) error
	GetNetwork(id string) (*types.ApplicationNetwork, error)
	ListNetworks(backboneID string) ([]*types.ApplicationNetwork, error)
	SaveNetwork(van *types.ApplicationNetwork) error
	DeleteNetwork(id string) error
	NextNewNetwork() (*types.ApplicationNetwork, error)

	// NetworkCredential operations
	CreateNetworkCredential(nc *types.NetworkCredential) error
	GetNetworkCredential(id string) (*types.NetworkCredential, error)
	SaveNetworkCredential(nc *types.NetworkCredential) error
	NextNewNetworkCredential() (*types.NetworkCredential, error)

	// MemberInvitation operations
	CreateInvitation(inv *types.MemberInvitation) error
	GetInvitation(id string) (*types.MemberInvitation, error)
	ListInvitations(vanID string) ([]*types.MemberInvitation, error)
	SaveInvitation(inv *types.MemberInvitation) error
	DeleteInvitation(id string) error
	NextNewInvitation() (*types.MemberInvitation, error)

	// EdgeLink operations
	CreateEdgeLink(el *types.EdgeLink) error
	ListEdgeLinksForInvitation(invitationID string) ([]*types.EdgeLink, error)
	DeleteEdgeLink(id string) error

	// MemberSite operations
	CreateMemberSite(ms *types.MemberSite) error
	GetMemberSite(id string) (*types.MemberSite, error)
	ListMemberSites(vanID string) ([]*types.MemberSite, error)
	SaveMemberSite(ms *types.MemberSite) error
	DeleteMemberSite(id string) error
	NextNewMemberSite() (*types.MemberSite, error)

	// TlsCertificate operations
	CreateTlsCertificate(cert *types.TlsCertificate) error
	GetTlsCertificate(id string) (*types.TlsCertificate, error)
	GetTlsCertificateByObjectName(name string) (*types.TlsCertificate, error)
	ListTlsCertificates() ([]*types.TlsCertificate, error)
	SaveTlsCertificate(cert *types.TlsCertificate) error
	DeleteTlsCertificate(id string) error
	CertificateReferenced(certID string) (bool, error)
	CertificatesSignedBy(certID string) (int64, error)

	// CertificateRequest operations
	CreateCertificateRequest(req *types.CertificateRequest) error
	GetCertificateRequest(id string) (*types.CertificateRequest, error)
	SaveCertificateRequest(req *types.CertificateRequest) error
	DeleteCertificateRequest(id string) error
	NextPendingRequest(now time.Time) (*types.CertificateRequest, error)

	// Application compose operations
	CreateLibraryBlock(lb *types.LibraryBlock) error
	GetLibraryBlockByName(name string) (*types.LibraryBlock, error)
	ListLibraryBlocks() ([]*types.LibraryBlock, error)
	GetBlockType(name string) (*types.BlockType, error)
	SeedBlockTypes() error
	CreateApplication(app *types.Application) error
	GetApplication(id string) (*types.Application, error)
	ListApplications() ([]*types.Application, error)
	SaveApplication(app *types.Application) error
	DeleteApplication(id string) error
	ReplaceInstanceBlocks(appID string, blocks []*types.InstanceBlock, bindings []*types.BindingRecord) error
	ListInstanceBlocks(appID string) ([]*types.InstanceBlock, error)
	CreateDeployedApplication(da *types.DeployedApplication) error
	ListDeployedApplications(vanID string) ([]*types.DeployedApplication, error)
	ReplaceSiteData(deployedAppID string, records []*types.SiteDataRecord) error
	ListSiteData(memberSiteID string) ([]*types.SiteDataRecord, error)

	// User operations
	CreateUser(user *types.User) error
	GetUserByUsername(username string) (*types.User, error)
	CheckUserExists(username string) (bool, error)

	// Maintenance
	Close() error
}

// Config 存储配置
type Config struct {
	Type     string         `json:"type"` // 存储类型：sqlite, postgres
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path string `json:"path"` // 数据库文件路径
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// NewStore 创建存储实例
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(&cfg.SQLite)
	case "postgres":
		return NewPostgresStore(&cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
