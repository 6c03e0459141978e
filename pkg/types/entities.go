package types

import (
	"time"
)

// ManagementController 管理控制器记录
type ManagementController struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	Name          string    `json:"name" gorm:"uniqueIndex"`
	Lifecycle     Lifecycle `json:"lifecycle"`
	Failure       string    `json:"failure,omitempty"`
	CertificateID *string   `json:"certificate_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (ManagementController) TableName() string { return "ManagementControllers" }

// Backbone 骨干网，内部路由站点的管理分组
type Backbone struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	Name          string    `json:"name" gorm:"uniqueIndex"`
	Lifecycle     Lifecycle `json:"lifecycle"`
	Failure       string    `json:"failure,omitempty"`
	CertificateID *string   `json:"certificate_id,omitempty"` // CA 凭证
	Management    bool      `json:"management"`               // 至多一个管理骨干网
	CreatedAt     time.Time `json:"created_at"`
}

func (Backbone) TableName() string { return "Backbones" }

// InteriorSite 参与骨干网的路由器站点
type InteriorSite struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	Name            string          `json:"name"`
	BackboneID      string          `json:"backbone_id" gorm:"index"`
	Lifecycle       Lifecycle       `json:"lifecycle"`
	Failure         string          `json:"failure,omitempty"`
	CertificateID   *string         `json:"certificate_id,omitempty"`
	DeploymentState DeploymentState `json:"deployment_state"`
	Platform        string          `json:"platform"` // kube / podman / docker
	Metadata        string          `json:"metadata,omitempty"`
	FirstActiveTime *time.Time      `json:"first_active_time,omitempty"`
	LastHeartbeat   *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (InteriorSite) TableName() string { return "InteriorSites" }

// BackboneAccessPoint 站点上的接入点
// 生命周期从 partial 开始，host/port 齐备后进入 new
type BackboneAccessPoint struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	Name           string          `json:"name"`
	InteriorSiteID string          `json:"interior_site_id" gorm:"index"`
	Kind           AccessPointKind `json:"kind"`
	Lifecycle      Lifecycle       `json:"lifecycle"`
	Failure        string          `json:"failure,omitempty"`
	CertificateID  *string         `json:"certificate_id,omitempty"` // 服务端凭证
	Hostname       *string         `json:"hostname,omitempty"`
	Port           *string         `json:"port,omitempty"`
	BindHost       *string         `json:"bind_host,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (BackboneAccessPoint) TableName() string { return "BackboneAccessPoints" }

// HasIngress 判断 host/port 是否齐备
func (ap *BackboneAccessPoint) HasIngress() bool {
	return ap.Hostname != nil && *ap.Hostname != "" && ap.Port != nil && *ap.Port != ""
}

// InterRouterLink 从站点指向 peer 类接入点的有向边
type InterRouterLink struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	ConnectingSiteID string    `json:"connecting_site_id" gorm:"index"`
	AccessPointID    string    `json:"access_point_id" gorm:"index"`
	Cost             int       `json:"cost"`
	CreatedAt        time.Time `json:"created_at"`
}

func (InterRouterLink) TableName() string { return "InterRouterLinks" }

// ApplicationNetwork 叠加在骨干网上的租户网络 (VAN)
type ApplicationNetwork struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	Name          string     `json:"name"`
	BackboneID    string     `json:"backbone_id" gorm:"index"`
	Lifecycle     Lifecycle  `json:"lifecycle"`
	Failure       string     `json:"failure,omitempty"`
	CertificateID *string    `json:"certificate_id,omitempty"` // CA 凭证
	VanID         string     `json:"van_id"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Connected     bool       `json:"connected"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (ApplicationNetwork) TableName() string { return "ApplicationNetworks" }

// NetworkCredential VAN 加入管理骨干网使用的客户端凭证
type NetworkCredential struct {
	ID                   string    `json:"id" gorm:"primaryKey"`
	Name                 string    `json:"name"`
	ApplicationNetworkID string    `json:"application_network_id" gorm:"index"`
	Lifecycle            Lifecycle `json:"lifecycle"`
	Failure              string    `json:"failure,omitempty"`
	CertificateID        *string   `json:"certificate_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

func (NetworkCredential) TableName() string { return "NetworkCredentials" }

// MemberInvitation 成员站点接入邀请
type MemberInvitation struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	Name                 string     `json:"name"`
	ApplicationNetworkID string     `json:"application_network_id" gorm:"index"`
	Lifecycle            Lifecycle  `json:"lifecycle"`
	Failure              string     `json:"failure,omitempty"`
	CertificateID        *string    `json:"certificate_id,omitempty"` // claim 凭证
	ClaimAccessPointID   string     `json:"claim_access_point_id"`
	JoinDeadline         *time.Time `json:"join_deadline,omitempty"`
	MemberClasses        string     `json:"member_classes,omitempty"` // JSON 列表
	InstanceLimit        *int       `json:"instance_limit,omitempty"`
	InstanceCount        int        `json:"instance_count"`
	FetchCount           int        `json:"fetch_count"`
	MemberNamePrefix     string     `json:"member_name_prefix,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func (MemberInvitation) TableName() string { return "MemberInvitations" }

// EdgeLink 邀请与 member 类接入点的带优先级关联
type EdgeLink struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	MemberInvitationID string    `json:"member_invitation_id" gorm:"index"`
	AccessPointID      string    `json:"access_point_id" gorm:"index"`
	Priority           int       `json:"priority"`
	CreatedAt          time.Time `json:"created_at"`
}

func (EdgeLink) TableName() string { return "EdgeLinks" }

// MemberSite 通过邀请接入的成员站点
type MemberSite struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	Name                 string     `json:"name"`
	ApplicationNetworkID string     `json:"application_network_id" gorm:"index"`
	MemberInvitationID   string     `json:"member_invitation_id" gorm:"index"`
	Lifecycle            Lifecycle  `json:"lifecycle"`
	Failure              string     `json:"failure,omitempty"`
	CertificateID        *string    `json:"certificate_id,omitempty"`
	SiteClasses          string     `json:"site_classes,omitempty"` // JSON 列表
	Metadata             string     `json:"metadata,omitempty"`
	FirstActiveTime      *time.Time `json:"first_active_time,omitempty"`
	LastHeartbeat        *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func (MemberSite) TableName() string { return "MemberSites" }

// TlsCertificate 凭证记录，SignedBy 链构成以外部根签发者(NULL)为根的信任森林
type TlsCertificate struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	ObjectName  string     `json:"object_name" gorm:"uniqueIndex"` // 集群侧对象名
	IsCA        bool       `json:"is_ca"`
	Expiration  *time.Time `json:"expiration,omitempty"`
	RenewalTime *time.Time `json:"renewal_time,omitempty"`
	SignedByID  *string    `json:"signed_by_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (TlsCertificate) TableName() string { return "TlsCertificates" }

// CertificateRequest 排队中的证书签发任务
type CertificateRequest struct {
	ID           string      `json:"id" gorm:"primaryKey"`
	Kind         RequestKind `json:"kind"`
	TargetID     string      `json:"target_id" gorm:"index"`
	IssuerCertID *string     `json:"issuer_cert_id,omitempty"` // 为空表示外部根签发者
	IsCA         bool        `json:"is_ca"`
	DNSName      string      `json:"dns_name,omitempty"`
	DurationDays int         `json:"duration_days"`
	Lifecycle    Lifecycle   `json:"lifecycle"`
	RequestTime  time.Time   `json:"request_time"` // not-before
	CreatedAt    time.Time   `json:"created_at"`
}

func (CertificateRequest) TableName() string { return "CertificateRequests" }

// ConfigurationEntry 全局配置键值
type ConfigurationEntry struct {
	Key   string `json:"key" gorm:"primaryKey"`
	Value string `json:"value"`
}

func (ConfigurationEntry) TableName() string { return "Configuration" }

// TargetPlatform 站点可选的部署平台
type TargetPlatform struct {
	Name        string `json:"name" gorm:"primaryKey"`
	Description string `json:"description,omitempty"`
}

func (TargetPlatform) TableName() string { return "TargetPlatforms" }

// BlockType 编排块类型及其极性约束
type BlockType struct {
	Name       string `json:"name" gorm:"primaryKey"`
	AllowNorth bool   `json:"allow_north"`
	AllowSouth bool   `json:"allow_south"`
	Allocation string `json:"allocation"` // independent / none
}

func (BlockType) TableName() string { return "BlockTypes" }

// InterfaceRole 接口角色
type InterfaceRole struct {
	Name        string `json:"name" gorm:"primaryKey"`
	Description string `json:"description,omitempty"`
}

func (InterfaceRole) TableName() string { return "InterfaceRoles" }

// LibraryBlock 库中某命名块的一个修订版本
type LibraryBlock struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Name       string    `json:"name" gorm:"index:idx_lib_name_rev,unique"`
	Revision   int       `json:"revision" gorm:"index:idx_lib_name_rev,unique"`
	TypeName   string    `json:"type_name"`
	Format     string    `json:"format"` // simple / composite
	BodyYAML   string    `json:"body_yaml"`
	IfacesYAML string    `json:"ifaces_yaml"`
	ConfigYAML string    `json:"config_yaml,omitempty"` // 默认配置
	CreatedAt  time.Time `json:"created_at"`
}

func (LibraryBlock) TableName() string { return "LibraryBlocks" }

// Application 一次声明式编排
type Application struct {
	ID        string               `json:"id" gorm:"primaryKey"`
	Name      string               `json:"name"`
	RootBlock string               `json:"root_block"`
	Lifecycle ApplicationLifecycle `json:"lifecycle"`
	BuildLog  string               `json:"build_log,omitempty"`
	DeployLog string               `json:"deploy_log,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

func (Application) TableName() string { return "Applications" }

// InstanceBlock 库块在应用内的实例化
type InstanceBlock struct {
	ID             string `json:"id" gorm:"primaryKey"`
	ApplicationID  string `json:"application_id" gorm:"index"`
	Path           string `json:"path"` // 自根开始的 / 分隔路径
	LibraryBlockID string `json:"library_block_id"`
	ConfigYAML     string `json:"config_yaml,omitempty"`
	AllocateToSite bool   `json:"allocate_to_site"`
	SiteClasses    string `json:"site_classes,omitempty"` // JSON 列表
}

func (InstanceBlock) TableName() string { return "InstanceBlocks" }

// BindingRecord 相反极性接口的配对
type BindingRecord struct {
	ID             string `json:"id" gorm:"primaryKey"`
	ApplicationID  string `json:"application_id" gorm:"index"`
	Role           string `json:"role"`
	NorthInstance  string `json:"north_instance"`
	NorthInterface string `json:"north_interface"`
	SouthInstance  string `json:"south_instance"`
	SouthInterface string `json:"south_interface"`
}

func (BindingRecord) TableName() string { return "Bindings" }

// DeployedApplication 应用到 VAN 的部署
type DeployedApplication struct {
	ID                   string    `json:"id" gorm:"primaryKey"`
	ApplicationID        string    `json:"application_id" gorm:"index"`
	ApplicationNetworkID string    `json:"application_network_id" gorm:"index"`
	CreatedAt            time.Time `json:"created_at"`
}

func (DeployedApplication) TableName() string { return "DeployedApplications" }

// SiteDataRecord 按成员站点展开后的配置文档
type SiteDataRecord struct {
	ID                    string `json:"id" gorm:"primaryKey"`
	MemberSiteID          string `json:"member_site_id" gorm:"index"`
	DeployedApplicationID string `json:"deployed_application_id" gorm:"index"`
	DataYAML              string `json:"data_yaml"`
}

func (SiteDataRecord) TableName() string { return "SiteData" }

// User 管理面账号
type User struct {
	ID       int    `json:"id" gorm:"primaryKey;autoIncrement"`
	Username string `json:"username" gorm:"uniqueIndex"`
	Password string `json:"-"`
}

func (User) TableName() string { return "Users" }
