package sync

import (
	"time"

	"van-backend/pkg/types"
)

// StateChange 对端状态变更事件；Deleted 为 true 时 Hash/Data 为零值
type StateChange struct {
	Key     string
	Hash    string
	Data    map[string]any
	Deleted bool
}

// PeerEvents 嵌入方实现的回调接口，按对端类别分派
type PeerEvents interface {
	// OnNewPeer 首次发现对端，返回初始本地/远端状态清单
	OnNewPeer(peerID string) (local map[string]string, remote map[string]string, err error)
	// OnPing 收到已知对端的心跳
	OnPing(peerID string)
	// OnStateChange 远端状态拉取成功或键被删除
	OnStateChange(peerID string, change StateChange) error
	// OnStateRequest 对端拉取我方状态
	OnStateRequest(peerID, key string) (hash string, data map[string]any, err error)
}

// PeerInfo 对端概要，用于状态上报
type PeerInfo struct {
	ID            string          `json:"id"`
	Class         types.PeerClass `json:"class"`
	Address       string          `json:"address"`
	LocalKeys     int             `json:"local_keys"`
	RemoteKeys    int             `json:"remote_keys"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

// peerState 引擎内部的对端记录
type peerState struct {
	id      string
	class   types.PeerClass
	address string
	connKey string

	local  map[string]string
	remote map[string]string

	// 对端消息严格串行：FIFO 队列加 processing 标志
	queue      []func()
	processing bool

	hbTimer  *time.Timer
	lastSeen time.Time
}

// enqueue 入队一个工作项；返回 true 表示需要启动排水协程
func (p *peerState) enqueue(work func()) bool {
	p.queue = append(p.queue, work)
	if p.processing {
		return false
	}
	p.processing = true
	return true
}

// dequeue 取下一个工作项；队列耗尽时清除 processing 标志
func (p *peerState) dequeue() (func(), bool) {
	if len(p.queue) == 0 {
		p.processing = false
		return nil, false
	}
	work := p.queue[0]
	p.queue = p.queue[1:]
	return work, true
}
