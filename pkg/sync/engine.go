package sync

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"van-backend/pkg/transport"
	"van-backend/pkg/types"

	"github.com/rs/zerolog"
)

// 连接表中管理骨干网之外会话的哨兵键
const NetConnection = "net"

// Config 引擎配置
type Config struct {
	Class        types.PeerClass
	ID           string
	LocalAddress string // 为空时使用动态接收地址

	BeaconInterval  time.Duration
	HeartbeatPeriod time.Duration
	HeartbeatWindow time.Duration
	RequestTimeout  time.Duration
}

// DefaultConfig 默认定时参数
func DefaultConfig(class types.PeerClass, id string) Config {
	return Config{
		Class:           class,
		ID:              id,
		BeaconInterval:  5 * time.Second,
		HeartbeatPeriod: 10 * time.Second,
		HeartbeatWindow: 5 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

// Engine 对端状态清单同步引擎
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	handlers    map[types.PeerClass]PeerEvents
	conns       map[string]transport.Session
	peers       map[string]*peerState
	targets     []string
	advertised  string
	receivedAny bool
	stopCh      chan struct{}
	started     bool
}

// NewEngine 创建同步引擎
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = 5 * time.Second
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = 10 * time.Second
	}
	if cfg.HeartbeatWindow == 0 {
		cfg.HeartbeatWindow = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "sync").Str("site", cfg.ID).Logger(),
		handlers: make(map[types.PeerClass]PeerEvents),
		conns:    make(map[string]transport.Session),
		peers:    make(map[string]*peerState),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandlers 按对端类别注册回调
func (e *Engine) RegisterHandlers(class types.PeerClass, events PeerEvents) {
	e.mu.Lock()
	e.handlers[class] = events
	e.mu.Unlock()
}

// AddTarget 登记不可自动发现的对端地址，信标阶段向其发送空心跳
func (e *Engine) AddTarget(address string) {
	e.mu.Lock()
	e.targets = append(e.targets, address)
	e.mu.Unlock()
}

// Start 启动信标协程
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	go e.beaconLoop()
}

// Stop 停止引擎并取消所有心跳定时器
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mu.Lock()
	for _, p := range e.peers {
		if p.hbTimer != nil {
			p.hbTimer.Stop()
		}
	}
	e.mu.Unlock()
}

// AddConnection 登记一条会话，backboneID 为空时记入哨兵键 net
func (e *Engine) AddConnection(backboneID string, sess transport.Session) error {
	key := backboneID
	if key == "" {
		key = NetConnection
	}

	recv, err := sess.OpenReceiver(e.cfg.LocalAddress, e.receiverFor(key))
	if err != nil {
		return fmt.Errorf("opening sync receiver: %w", err)
	}

	e.mu.Lock()
	e.conns[key] = sess
	// 首个动态地址成为对外通告的应答地址
	if e.advertised == "" {
		e.advertised = recv.Address()
	}
	e.mu.Unlock()
	return nil
}

// DeleteConnection 移除会话，对端记录保留
func (e *Engine) DeleteConnection(backboneID string) {
	key := backboneID
	if key == "" {
		key = NetConnection
	}
	e.mu.Lock()
	delete(e.conns, key)
	e.mu.Unlock()
}

// UpdateLocalState 更新本地清单并立即向对端发心跳；hash 为空表示删除该键
func (e *Engine) UpdateLocalState(peerID, key, hash string) {
	e.mu.Lock()
	p, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if hash == "" {
		delete(p.local, key)
	} else {
		p.local[key] = hash
	}
	if p.hbTimer != nil {
		p.hbTimer.Stop()
	}
	e.mu.Unlock()

	e.sendHeartbeat(p)
	e.scheduleHeartbeat(p)
}

// Peers 返回对端概要
func (e *Engine) Peers() []PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, PeerInfo{
			ID:            p.id,
			Class:         p.class,
			Address:       p.address,
			LocalKeys:     len(p.local),
			RemoteKeys:    len(p.remote),
			LastHeartbeat: p.lastSeen,
		})
	}
	return out
}

// beaconLoop 在收到任何心跳之前周期性向额外目标发送空心跳
func (e *Engine) beaconLoop() {
	ticker := time.NewTicker(e.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			done := e.receivedAny
			advertised := e.advertised
			targets := append([]string(nil), e.targets...)
			sess := e.conns[NetConnection]
			e.mu.Unlock()

			if done {
				return
			}
			// 接收地址未知时推迟信标
			if advertised == "" || sess == nil {
				continue
			}
			hb := types.NewHeartbeat(e.cfg.ID, e.cfg.Class, advertised, nil)
			body, _ := json.Marshal(hb)
			for _, target := range targets {
				if err := sess.SendMessage(target, body, nil); err != nil {
					e.logger.Debug().Str("target", target).Err(err).Msg("Beacon send failed")
				}
			}
		}
	}
}

// receiverFor 构造某条连接的接收回调
func (e *Engine) receiverFor(connKey string) transport.Handler {
	return func(d *transport.Delivery) {
		err := types.DispatchMessage(d.Body,
			func(hb types.Heartbeat) error {
				e.handleHeartbeat(connKey, hb)
				return nil
			},
			func(get types.GetRequest) error {
				e.handleGet(get, d)
				return nil
			},
			func(types.ClaimRequest) error {
				// 邀请断言走专用地址，不在同步接收者上处理
				body, _ := json.Marshal(types.ClaimResponse{
					StatusCode:        http.StatusBadRequest,
					StatusDescription: "claims not accepted on sync address",
				})
				return d.Reply(body, nil)
			},
		)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Protocol error on sync receiver")
		}
	}
}

// handleHeartbeat 将心跳入队到对端的 FIFO 队列
func (e *Engine) handleHeartbeat(connKey string, hb types.Heartbeat) {
	e.mu.Lock()
	e.receivedAny = true
	p, known := e.peers[hb.Site]
	if !known {
		p = &peerState{
			id:      hb.Site,
			class:   hb.Class,
			address: hb.Address,
			connKey: connKey,
			local:   map[string]string{},
			remote:  map[string]string{},
		}
		e.peers[hb.Site] = p
	} else {
		if hb.Address != "" {
			p.address = hb.Address
		}
		p.connKey = connKey
	}
	p.lastSeen = time.Now()

	start := p.enqueue(func() { e.processHeartbeat(p, hb, !known) })
	e.mu.Unlock()

	if start {
		go e.drain(p)
	}
}

// handleGet 服务对端的状态拉取；与心跳同队列，保持每对端串行
func (e *Engine) handleGet(get types.GetRequest, d *transport.Delivery) {
	e.mu.Lock()
	p, known := e.peers[get.Site]
	var start bool
	if known {
		start = p.enqueue(func() { e.serveGet(p, get, d) })
	}
	e.mu.Unlock()

	if !known {
		body, _ := json.Marshal(types.GetResponse{
			StatusCode:        http.StatusNotFound,
			StatusDescription: "unknown peer",
			StateKey:          get.StateKey,
		})
		if err := d.Reply(body, nil); err != nil {
			e.logger.Debug().Err(err).Msg("Get reply failed")
		}
		return
	}
	if start {
		go e.drain(p)
	}
}

// drain 排空对端队列，任一时刻每对端至多一个在处理
func (e *Engine) drain(p *peerState) {
	for {
		e.mu.Lock()
		work, ok := p.dequeue()
		e.mu.Unlock()
		if !ok {
			return
		}
		work()
	}
}

// processHeartbeat 处理一次心跳：新对端初始化或清单调和
func (e *Engine) processHeartbeat(p *peerState, hb types.Heartbeat, isNew bool) {
	events := e.eventsFor(p.class)
	if events == nil {
		e.logger.Warn().Str("class", string(p.class)).Msg("No handlers for peer class")
		return
	}

	if isNew {
		local, remote, err := events.OnNewPeer(p.id)
		if err != nil {
			e.logger.Error().Str("peer", p.id).Err(err).Msg("New peer rejected")
			e.mu.Lock()
			delete(e.peers, p.id)
			e.mu.Unlock()
			return
		}
		e.mu.Lock()
		if local == nil {
			local = map[string]string{}
		}
		if remote == nil {
			remote = map[string]string{}
		}
		p.local = local
		p.remote = remote
		e.mu.Unlock()

		// 立即回送携带本地清单的心跳
		e.sendHeartbeat(p)
		e.scheduleHeartbeat(p)

		if hb.HashSet != nil {
			e.reconcile(p, hb.HashSet, events)
		}
		return
	}

	events.OnPing(p.id)
	if hb.HashSet != nil {
		e.reconcile(p, hb.HashSet, events)
	}
}

// reconcile 调和远端清单：缺失键为删除，哈希不同为拉取
func (e *Engine) reconcile(p *peerState, hashset map[string]string, events PeerEvents) {
	e.mu.Lock()
	var deletions []string
	for key := range p.remote {
		if _, ok := hashset[key]; !ok {
			deletions = append(deletions, key)
		}
	}
	var pulls []string
	for key, hash := range hashset {
		if p.remote[key] != hash {
			pulls = append(pulls, key)
		}
	}
	sess := e.conns[p.connKey]
	address := p.address
	e.mu.Unlock()

	for _, key := range deletions {
		if err := events.OnStateChange(p.id, StateChange{Key: key, Deleted: true}); err != nil {
			e.logger.Warn().Str("peer", p.id).Str("key", key).Err(err).Msg("State deletion failed")
			continue
		}
		e.mu.Lock()
		delete(p.remote, key)
		e.mu.Unlock()
	}

	if sess == nil || address == "" {
		return
	}
	for _, key := range pulls {
		// 拉取失败仅记录；哈希仍不一致时下一次心跳重试
		if err := e.pull(p, sess, address, key, hashset[key], events); err != nil {
			e.logger.Warn().Str("peer", p.id).Str("key", key).Err(err).Msg("State pull failed")
		}
	}
}

// pull 执行一次 GET 并分发状态变更
func (e *Engine) pull(p *peerState, sess transport.Session, address, key, advertisedHash string, events PeerEvents) error {
	req := types.NewGetRequest(e.cfg.ID, key)
	body, _ := json.Marshal(req)
	_, respBody, err := sess.Request(address, body, nil, e.cfg.RequestTimeout)
	if err != nil {
		return err
	}

	var resp types.GetResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("decoding get response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &types.ProtocolError{Code: resp.StatusCode, Description: resp.StatusDescription}
	}

	hash := resp.Hash
	if hash == "" {
		hash = advertisedHash
	}
	if err := events.OnStateChange(p.id, StateChange{Key: key, Hash: hash, Data: resp.Data}); err != nil {
		return err
	}
	e.mu.Lock()
	p.remote[key] = hash
	e.mu.Unlock()
	return nil
}

// serveGet 服务一次状态拉取
func (e *Engine) serveGet(p *peerState, get types.GetRequest, d *transport.Delivery) {
	events := e.eventsFor(p.class)
	resp := types.GetResponse{StateKey: get.StateKey}
	if events == nil {
		resp.StatusCode = http.StatusInternalServerError
		resp.StatusDescription = "no handlers for peer class"
	} else {
		hash, data, err := events.OnStateRequest(p.id, get.StateKey)
		if err != nil {
			resp.StatusCode = http.StatusNotFound
			resp.StatusDescription = err.Error()
		} else {
			resp.StatusCode = http.StatusOK
			resp.Hash = hash
			resp.Data = data
		}
	}
	body, _ := json.Marshal(resp)
	if err := d.Reply(body, nil); err != nil {
		e.logger.Debug().Err(err).Msg("Get reply failed")
	}
}

// sendHeartbeat 向对端发送携带本地清单的心跳；发送失败直接丢弃
func (e *Engine) sendHeartbeat(p *peerState) {
	e.mu.Lock()
	sess := e.conns[p.connKey]
	address := p.address
	advertised := e.advertised
	if advertised == "" {
		advertised = e.cfg.LocalAddress
	}
	hashset := make(map[string]string, len(p.local))
	for k, v := range p.local {
		hashset[k] = v
	}
	e.mu.Unlock()

	if sess == nil || address == "" {
		return
	}
	hb := types.NewHeartbeat(e.cfg.ID, e.cfg.Class, advertised, hashset)
	body, _ := json.Marshal(hb)
	if err := sess.SendMessage(address, body, nil); err != nil {
		e.logger.Debug().Str("peer", p.id).Err(err).Msg("Heartbeat send failed")
	}
}

// scheduleHeartbeat 调度下一次心跳：now + uniform(0, window) + period
func (e *Engine) scheduleHeartbeat(p *peerState) {
	delay := e.cfg.HeartbeatPeriod + time.Duration(rand.Float64()*float64(e.cfg.HeartbeatWindow))
	e.mu.Lock()
	if p.hbTimer != nil {
		p.hbTimer.Stop()
	}
	p.hbTimer = time.AfterFunc(delay, func() {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.sendHeartbeat(p)
		e.scheduleHeartbeat(p)
	})
	e.mu.Unlock()
}

func (e *Engine) eventsFor(class types.PeerClass) PeerEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[class]
}
