package sync

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"van-backend/pkg/transport"
	"van-backend/pkg/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ctrlAddress = "sync/ctrl-test"

// recordingEvents 记录回调调用的测试桩
type recordingEvents struct {
	mu      sync.Mutex
	local   map[string]string
	remote  map[string]string
	changes []StateChange
	pings   int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	pingDelay   time.Duration
}

func (r *recordingEvents) OnNewPeer(peerID string) (map[string]string, map[string]string, error) {
	local := map[string]string{}
	for k, v := range r.local {
		local[k] = v
	}
	remote := map[string]string{}
	for k, v := range r.remote {
		remote[k] = v
	}
	return local, remote, nil
}

func (r *recordingEvents) OnPing(peerID string) {
	cur := r.inFlight.Add(1)
	for {
		max := r.maxInFlight.Load()
		if cur <= max || r.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if r.pingDelay > 0 {
		time.Sleep(r.pingDelay)
	}
	r.inFlight.Add(-1)

	r.mu.Lock()
	r.pings++
	r.mu.Unlock()
}

func (r *recordingEvents) OnStateChange(peerID string, change StateChange) error {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
	return nil
}

func (r *recordingEvents) OnStateRequest(peerID, key string) (string, map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash, ok := r.local[key]
	if !ok {
		return "", nil, assert.AnError
	}
	return hash, map[string]any{"key": key}, nil
}

func (r *recordingEvents) changeList() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

// fakePeer 模拟对端：接收心跳并应答 GET
type fakePeer struct {
	sess       transport.Session
	address    string
	heartbeats chan types.Heartbeat
	getHash    string
	getData    map[string]any
}

func newFakePeer(t *testing.T, hub *transport.Hub, address string) *fakePeer {
	p := &fakePeer{
		sess:       hub.Session(),
		address:    address,
		heartbeats: make(chan types.Heartbeat, 64),
	}
	_, err := p.sess.OpenReceiver(address, func(d *transport.Delivery) {
		_ = types.DispatchMessage(d.Body,
			func(hb types.Heartbeat) error {
				p.heartbeats <- hb
				return nil
			},
			func(get types.GetRequest) error {
				resp := types.GetResponse{
					StatusCode: http.StatusOK,
					StateKey:   get.StateKey,
					Hash:       p.getHash,
					Data:       p.getData,
				}
				body, _ := json.Marshal(resp)
				return d.Reply(body, nil)
			},
			func(types.ClaimRequest) error { return nil },
		)
	})
	require.NoError(t, err)
	return p
}

func (p *fakePeer) sendHeartbeat(t *testing.T, site string, hashset map[string]string) {
	hb := types.NewHeartbeat(site, types.ClassBackbone, p.address, hashset)
	body, err := json.Marshal(hb)
	require.NoError(t, err)
	require.NoError(t, p.sess.SendMessage(ctrlAddress, body, nil))
}

func newTestEngine(t *testing.T, hub *transport.Hub, events PeerEvents) *Engine {
	cfg := Config{
		Class:           types.ClassManagement,
		ID:              "ctrl",
		LocalAddress:    ctrlAddress,
		BeaconInterval:  50 * time.Millisecond,
		HeartbeatPeriod: 200 * time.Millisecond,
		HeartbeatWindow: 50 * time.Millisecond,
		RequestTimeout:  time.Second,
	}
	engine := NewEngine(cfg, zerolog.Nop())
	engine.RegisterHandlers(types.ClassBackbone, events)
	require.NoError(t, engine.AddConnection("", hub.Session()))
	return engine
}

func TestNewPeerSendsImmediateHeartbeat(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{local: map[string]string{"tls-site-s1": "aaa", "access-ap1": "bbb"}}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	peer := newFakePeer(t, hub, "peer/s1")
	peer.sendHeartbeat(t, "s1", nil)

	// 新对端立即收到携带本地清单的心跳
	select {
	case hb := <-peer.heartbeats:
		assert.Equal(t, "ctrl", hb.Site)
		assert.Equal(t, types.ClassManagement, hb.Class)
		assert.Equal(t, map[string]string{"tls-site-s1": "aaa", "access-ap1": "bbb"}, hb.HashSet)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestHeartbeatReconciliation(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{
		local:  map[string]string{"x": "1"},
		remote: map[string]string{"link-L1": "H0"},
	}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	peer := newFakePeer(t, hub, "peer/s1")
	peer.getHash = "H1"
	peer.getData = map[string]any{"host": "h", "port": "p"}

	// 对端通告 link-L1=H1，我方记录为 H0：应触发一次 GET 拉取
	peer.sendHeartbeat(t, "s1", map[string]string{"link-L1": "H1"})

	require.Eventually(t, func() bool {
		return len(events.changeList()) > 0
	}, 3*time.Second, 10*time.Millisecond)

	changes := events.changeList()
	require.Len(t, changes, 1)
	assert.Equal(t, "link-L1", changes[0].Key)
	assert.Equal(t, "H1", changes[0].Hash)
	assert.False(t, changes[0].Deleted)
	assert.Equal(t, "h", changes[0].Data["host"])

	// 远端清单更新后，同哈希心跳不再触发拉取
	peer.sendHeartbeat(t, "s1", map[string]string{"link-L1": "H1"})
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, events.changeList(), 1)
}

func TestHeartbeatDeletion(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{remote: map[string]string{"link-L1": "H0"}}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	peer := newFakePeer(t, hub, "peer/s1")
	peer.sendHeartbeat(t, "s1", nil)
	// 等对端建立
	select {
	case <-peer.heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("peer not established")
	}

	// 远端存在但通告中缺失的键是删除
	peer.sendHeartbeat(t, "s1", map[string]string{})

	require.Eventually(t, func() bool {
		for _, change := range events.changeList() {
			if change.Deleted && change.Key == "link-L1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPerPeerSerialProcessing(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{pingDelay: 20 * time.Millisecond}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	peer := newFakePeer(t, hub, "peer/s1")
	peer.sendHeartbeat(t, "s1", nil)
	select {
	case <-peer.heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("peer not established")
	}

	// 同一对端的消息严格串行处理
	for i := 0; i < 10; i++ {
		peer.sendHeartbeat(t, "s1", nil)
	}
	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return events.pings >= 10
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), events.maxInFlight.Load())
}

func TestServeGet(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{local: map[string]string{"tls-site-s1": "aaa"}}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	peer := newFakePeer(t, hub, "peer/s1")
	peer.sendHeartbeat(t, "s1", nil)
	select {
	case <-peer.heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("peer not established")
	}

	// 对端拉取我方状态
	req := types.NewGetRequest("s1", "tls-site-s1")
	body, _ := json.Marshal(req)
	_, respBody, err := peer.sess.Request(ctrlAddress, body, nil, 2*time.Second)
	require.NoError(t, err)

	var resp types.GetResponse
	require.NoError(t, json.Unmarshal(respBody, &resp))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "aaa", resp.Hash)
}

func TestUpdateLocalStateForcesHeartbeat(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{local: map[string]string{"k": "v1"}}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	peer := newFakePeer(t, hub, "peer/s1")
	peer.sendHeartbeat(t, "s1", nil)
	select {
	case <-peer.heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("peer not established")
	}

	engine.UpdateLocalState("s1", "k", "v2")

	// 立即收到携带新哈希的心跳
	deadline := time.After(2 * time.Second)
	for {
		select {
		case hb := <-peer.heartbeats:
			if hb.HashSet["k"] == "v2" {
				return
			}
		case <-deadline:
			t.Fatal("updated heartbeat not received")
		}
	}
}

func TestBeaconPhase(t *testing.T) {
	hub := transport.NewHub(zerolog.Nop())
	events := &recordingEvents{}
	engine := newTestEngine(t, hub, events)
	defer engine.Stop()

	beacons := make(chan types.Heartbeat, 4)
	target := hub.Session()
	_, err := target.OpenReceiver("sync/mgmt-target", func(d *transport.Delivery) {
		_ = types.DispatchMessage(d.Body,
			func(hb types.Heartbeat) error { beacons <- hb; return nil },
			func(types.GetRequest) error { return nil },
			func(types.ClaimRequest) error { return nil },
		)
	})
	require.NoError(t, err)

	engine.AddTarget("sync/mgmt-target")
	engine.Start()

	// 信标是不带 hashset 的心跳
	select {
	case hb := <-beacons:
		assert.Nil(t, hb.HashSet)
		assert.Equal(t, "ctrl", hb.Site)
	case <-time.After(2 * time.Second):
		t.Fatal("no beacon received")
	}
}
