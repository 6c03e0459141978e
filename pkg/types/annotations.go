package types

// 集群对象上读写的注解键
const (
	AnnotationControlled = "controlled" // 由控制器管理
	AnnotationStateDir   = "state-dir"  // remote
	AnnotationStateKey   = "state-key"
	AnnotationStateHash  = "state-hash"
	AnnotationStateType  = "state-type" // link / accesspoint
	AnnotationStateID    = "state-id"
	AnnotationTlsInject  = "tls-inject" // site / accesspoint
	AnnotationDBLink     = "skx-dblink" // 所属 CertificateRequests.Id
	AnnotationIssuerLink = "skx-issuerlink" // 上级 TlsCertificate.Id 或 "root"
)

// 注解取值
const (
	StateDirRemote       = "remote"
	StateTypeLink        = "link"
	StateTypeAccessPoint = "accesspoint"
	TlsInjectSite        = "site"
	TlsInjectAccessPoint = "accesspoint"
	IssuerRoot           = "root"
)

// 状态键前缀
const (
	StateKeyTlsSite      = "tls-site-"
	StateKeyTlsServer    = "tls-server-"
	StateKeyAccess       = "access-"
	StateKeyAccessStatus = "accessstatus-"
	StateKeyLink         = "link-"
	StateKeyComponent    = "component-"
	StateKeyInterface    = "iface-"
)
