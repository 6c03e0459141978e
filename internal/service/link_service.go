package service

import (
	"sync"
	"time"

	"van-backend/pkg/store"
	"van-backend/pkg/transport"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	linkReconcileEvery = 30 * time.Second
	linkRetryDelay     = 10 * time.Second
)

// LinkObserver 骨干连接观察者
type LinkObserver interface {
	OnLinkAdded(backboneID string, sess transport.Session)
	OnLinkDeleted(backboneID string)
}

// DialFunc 按 manage 接入点建立会话；standalone 模式下由
// 服务器注入进程内会话工厂
type DialFunc func(access *store.ReadyManageAccess) (transport.Session, error)

// LinkManager 维护 backboneId → 会话映射：每个可达的 manage
// 接入点恰好一条会话，增删同步发布给订阅者
type LinkManager struct {
	store          store.Store
	logger         zerolog.Logger
	dial           DialFunc
	controllerName string

	mu        sync.Mutex
	sessions  map[string]transport.Session
	observers []LinkObserver

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLinkManager 创建骨干连接管理器
func NewLinkManager(st store.Store, dial DialFunc, controllerName string, logger zerolog.Logger) *LinkManager {
	return &LinkManager{
		store:          st,
		logger:         logger.With().Str("service", "links").Logger(),
		dial:           dial,
		controllerName: controllerName,
		sessions:       make(map[string]transport.Session),
		stopCh:         make(chan struct{}),
	}
}

// Register 订阅连接事件；已打开的会话同步回放
func (m *LinkManager) Register(observer LinkObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, observer)
	snapshot := make(map[string]transport.Session, len(m.sessions))
	for id, sess := range m.sessions {
		snapshot[id] = sess
	}
	m.mu.Unlock()

	for id, sess := range snapshot {
		observer.OnLinkAdded(id, sess)
	}
}

// Session 按骨干网取会话
func (m *LinkManager) Session(backboneID string) (transport.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[backboneID]
	return sess, ok
}

// Start 启动引导与调和循环
func (m *LinkManager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop 停止并关闭全部会话
func (m *LinkManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]transport.Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// run 先等控制器行就绪，然后周期调和会话集合
func (m *LinkManager) run() {
	defer m.wg.Done()

	for !m.bootstrapController() {
		select {
		case <-m.stopCh:
			return
		case <-time.After(linkRetryDelay):
		}
	}

	for {
		delay := linkReconcileEvery
		if err := m.reconcile(); err != nil {
			m.logger.Error().Err(err).Msg("Link reconcile failed")
			delay = linkRetryDelay
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// bootstrapController 确保控制器行存在；返回 true 表示已就绪
func (m *LinkManager) bootstrapController() bool {
	ready := false
	err := m.store.Transaction(func(tx store.Store) error {
		mc, err := tx.GetControllerByName(m.controllerName)
		if err != nil {
			// 缺失时插入，等 reconciler 推进到 ready
			mc = &types.ManagementController{
				ID:        uuid.NewString(),
				Name:      m.controllerName,
				Lifecycle: types.LifecycleNew,
				CreatedAt: time.Now(),
			}
			return tx.CreateController(mc)
		}
		ready = mc.Lifecycle == types.LifecycleReady
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Controller bootstrap failed")
		return false
	}
	if !ready {
		m.logger.Debug().Str("controller", m.controllerName).Msg("Waiting for controller to become ready")
	}
	return ready
}

// reconcile 将会话集合对齐到就绪 manage 接入点集合
func (m *LinkManager) reconcile() error {
	rows, err := m.store.ListReadyManageAccess()
	if err != nil {
		return err
	}

	desired := make(map[string]*store.ReadyManageAccess, len(rows))
	for _, row := range rows {
		desired[row.BackboneID] = row
	}

	m.mu.Lock()
	var toOpen []*store.ReadyManageAccess
	var toClose []string
	for id, row := range desired {
		if _, ok := m.sessions[id]; !ok {
			toOpen = append(toOpen, row)
		}
	}
	for id := range m.sessions {
		if _, ok := desired[id]; !ok {
			toClose = append(toClose, id)
		}
	}
	m.mu.Unlock()

	for _, row := range toOpen {
		sess, err := m.dial(row)
		if err != nil {
			m.logger.Warn().Str("backbone", row.BackboneID).Err(err).Msg("Backbone session dial failed")
			continue
		}
		m.mu.Lock()
		m.sessions[row.BackboneID] = sess
		observers := append([]LinkObserver(nil), m.observers...)
		m.mu.Unlock()
		m.logger.Info().Str("backbone", row.BackboneID).Str("host", row.Hostname).Msg("Backbone session open")
		for _, observer := range observers {
			observer.OnLinkAdded(row.BackboneID, sess)
		}
	}

	for _, id := range toClose {
		m.mu.Lock()
		sess := m.sessions[id]
		delete(m.sessions, id)
		observers := append([]LinkObserver(nil), m.observers...)
		m.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		m.logger.Info().Str("backbone", id).Msg("Backbone session closed")
		for _, observer := range observers {
			observer.OnLinkDeleted(id)
		}
	}
	return nil
}
