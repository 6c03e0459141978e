package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 线上协议版本
const ProtocolVersion = 1

// 线上操作码
const (
	OpHeartbeat = "HB"
	OpGet       = "GET"
	OpClaim     = "CLAIM"
)

// 固定接收地址
const (
	ClaimAddress          = "skx/claim"
	MgmtControllerAddress = "skx/sync/mgmtcontroller"
)

var (
	ErrUnknownOp  = errors.New("unknown op")
	ErrBadVersion = errors.New("unsupported protocol version")
)

// ProtocolError 协议层错误，GET 非 200 应答也归入此类
type ProtocolError struct {
	Code        int
	Description string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Description)
}

// Heartbeat 心跳消息，HashSet 为 nil 表示仅信标。
// 空清单与缺失清单在线上有区别，不能用 omitempty
type Heartbeat struct {
	Version int               `json:"version"`
	Op      string            `json:"op"`
	Site    string            `json:"site"`
	Class   PeerClass         `json:"sclass"`
	Address string            `json:"address"`
	HashSet map[string]string `json:"hashset"`
}

// GetRequest 状态拉取请求
type GetRequest struct {
	Version  int    `json:"version"`
	Op       string `json:"op"`
	Site     string `json:"site"`
	StateKey string `json:"statekey"`
}

// GetResponse 状态拉取应答，200 以外的状态码上抛为 ProtocolError
type GetResponse struct {
	StatusCode        int            `json:"statusCode"`
	StatusDescription string         `json:"statusDescription,omitempty"`
	StateKey          string         `json:"statekey"`
	Hash              string         `json:"hash,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

// ClaimRequest 邀请断言请求
type ClaimRequest struct {
	Version int    `json:"version"`
	Op      string `json:"op"`
	Claim   string `json:"claim"`
	Name    string `json:"name"`
}

// OutgoingLink 成员站点的出向连接描述，附带状态键与哈希
type OutgoingLink struct {
	StateKey string `json:"stateKey"`
	Hash     string `json:"hash"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Cost     string `json:"cost"`
}

// SiteClient 成员站点的客户端凭证包
type SiteClient struct {
	StateKey string            `json:"stateKey"`
	Hash     string            `json:"hash"`
	Secret   map[string]string `json:"secret"`
}

// ClaimResponse 邀请断言应答
type ClaimResponse struct {
	StatusCode        int            `json:"statusCode"`
	StatusDescription string         `json:"statusDescription,omitempty"`
	SiteID            string         `json:"siteId,omitempty"`
	OutgoingLinks     []OutgoingLink `json:"outgoingLinks,omitempty"`
	SiteClient        *SiteClient    `json:"siteClient,omitempty"`
}

// envelope 仅用于取出 version/op 以便分发
type envelope struct {
	Version int    `json:"version"`
	Op      string `json:"op"`
}

// NewHeartbeat 构造心跳消息
func NewHeartbeat(site string, class PeerClass, address string, hashset map[string]string) Heartbeat {
	return Heartbeat{
		Version: ProtocolVersion,
		Op:      OpHeartbeat,
		Site:    site,
		Class:   class,
		Address: address,
		HashSet: hashset,
	}
}

// NewGetRequest 构造状态拉取请求
func NewGetRequest(site, stateKey string) GetRequest {
	return GetRequest{Version: ProtocolVersion, Op: OpGet, Site: site, StateKey: stateKey}
}

// NewClaimRequest 构造邀请断言请求
func NewClaimRequest(claim, name string) ClaimRequest {
	return ClaimRequest{Version: ProtocolVersion, Op: OpClaim, Claim: claim, Name: name}
}

// DispatchMessage 校验版本并按操作码分发
func DispatchMessage(body []byte, onHeartbeat func(Heartbeat) error, onGet func(GetRequest) error, onClaim func(ClaimRequest) error) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, env.Version)
	}

	switch env.Op {
	case OpHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(body, &hb); err != nil {
			return fmt.Errorf("decoding heartbeat: %w", err)
		}
		return onHeartbeat(hb)
	case OpGet:
		var get GetRequest
		if err := json.Unmarshal(body, &get); err != nil {
			return fmt.Errorf("decoding get: %w", err)
		}
		return onGet(get)
	case OpClaim:
		var claim ClaimRequest
		if err := json.Unmarshal(body, &claim); err != nil {
			return fmt.Errorf("decoding claim: %w", err)
		}
		return onClaim(claim)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, env.Op)
	}
}
