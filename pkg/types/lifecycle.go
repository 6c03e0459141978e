package types

// Lifecycle 实体生命周期状态
type Lifecycle string

const (
	LifecyclePartial     Lifecycle = "partial"
	LifecycleNew         Lifecycle = "new"
	LifecycleCRCreated   Lifecycle = "skx_cr_created"
	LifecycleCertCreated Lifecycle = "cm_cert_created"
	LifecycleReady       Lifecycle = "ready"
	LifecycleActive      Lifecycle = "active"
	LifecycleExpired     Lifecycle = "expired"
	LifecycleFailed      Lifecycle = "failed"
)

// DeploymentState 站点部署状态
type DeploymentState string

const (
	DeploymentNotReady       DeploymentState = "not-ready"
	DeploymentReadyBootstrap DeploymentState = "ready-bootstrap"
	DeploymentReadyAutomatic DeploymentState = "ready-automatic"
	DeploymentDeployed       DeploymentState = "deployed"
)

// AccessPointKind 接入点类型
type AccessPointKind string

const (
	AccessPointClaim  AccessPointKind = "claim"
	AccessPointPeer   AccessPointKind = "peer"
	AccessPointMember AccessPointKind = "member"
	AccessPointManage AccessPointKind = "manage"
	AccessPointVan    AccessPointKind = "van"
)

// PeerClass 对端节点类别，决定桥接层使用哪组处理器
type PeerClass string

const (
	ClassManagement PeerClass = "management"
	ClassBackbone   PeerClass = "backbone"
	ClassMember     PeerClass = "member"
)

// RequestKind 证书请求针对的实体类型
type RequestKind string

const (
	RequestManagementController RequestKind = "mgmtcontroller"
	RequestBackbone             RequestKind = "backbone"
	RequestAccessPoint          RequestKind = "accesspoint"
	RequestApplicationNetwork   RequestKind = "van"
	RequestInteriorSite         RequestKind = "interiorsite"
	RequestNetworkCredential    RequestKind = "netcredential"
	RequestMemberInvitation     RequestKind = "invitation"
	RequestMemberSite           RequestKind = "membersite"
)

// ApplicationLifecycle 应用编排生命周期
type ApplicationLifecycle string

const (
	AppCreated       ApplicationLifecycle = "created"
	AppBuilt         ApplicationLifecycle = "built"
	AppBuildWarnings ApplicationLifecycle = "build-warnings"
	AppBuildErrors   ApplicationLifecycle = "build-errors"
	AppDeployed      ApplicationLifecycle = "deployed"
	AppDeployErrors  ApplicationLifecycle = "deploy-errors"
)

// ValidTransition 校验生命周期推进是否合法
func ValidTransition(from, to Lifecycle) bool {
	switch from {
	case LifecyclePartial:
		return to == LifecycleNew || to == LifecycleFailed
	case LifecycleNew:
		return to == LifecycleCRCreated || to == LifecycleFailed
	case LifecycleCRCreated:
		return to == LifecycleCertCreated || to == LifecycleFailed
	case LifecycleCertCreated:
		return to == LifecycleReady || to == LifecycleFailed
	case LifecycleReady:
		return to == LifecycleActive || to == LifecycleExpired || to == LifecycleFailed
	case LifecycleActive:
		return to == LifecycleExpired || to == LifecycleFailed
	}
	return false
}
