package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"van-backend/pkg/config"
	"van-backend/pkg/manifest"
	syncpkg "van-backend/pkg/sync"
	"van-backend/pkg/transport"
	"van-backend/pkg/types"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Agent 站点代理：同步协议的对端实现。
// 成员站点首次启动时先断言邀请换取站点身份与凭证，
// 之后向管理控制器信标并持续同步状态
type Agent struct {
	config *config.AgentConfig
	logger zerolog.Logger

	session *transport.ClientSession
	engine  *syncpkg.Engine
	siteID  string

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建站点代理
func New(cfg *config.AgentConfig, logger zerolog.Logger) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config: cfg,
		logger: logger.With().Str("component", "agent").Logger(),
		siteID: cfg.SiteID,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start 启动代理
func (a *Agent) Start() error {
	if err := a.connect(); err != nil {
		return fmt.Errorf("connecting to controller: %w", err)
	}

	// 成员站点首次接入：断言邀请
	if a.siteID == "" && a.config.Claim.ID != "" {
		if err := a.assertClaim(); err != nil {
			return fmt.Errorf("asserting claim: %w", err)
		}
	}

	engineCfg := syncpkg.DefaultConfig(types.PeerClass(a.config.Class), a.siteID)
	a.engine = syncpkg.NewEngine(engineCfg, a.logger)
	a.engine.RegisterHandlers(types.ClassManagement, &controllerEvents{agent: a})

	if err := a.engine.AddConnection("", a.session); err != nil {
		return fmt.Errorf("attaching session: %w", err)
	}
	// 管理控制器不可自动发现，作为额外目标信标
	a.engine.AddTarget(types.MgmtControllerAddress)
	a.engine.Start()

	go a.statusLoop()

	a.logger.Info().Str("site", a.siteID).Str("class", a.config.Class).Msg("Agent started")
	return nil
}

// Stop 停止代理
func (a *Agent) Stop() error {
	a.cancel()
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

// connect 建立到控制器的传输会话
func (a *Agent) connect() error {
	var tlsConf *tls.Config
	if a.config.Server.TLS.Enabled {
		conf, err := a.loadTLS()
		if err != nil {
			return err
		}
		tlsConf = conf
	}

	sess, err := transport.Dial(a.config.Server.Address, tlsConf, a.logger)
	if err != nil {
		return err
	}
	a.session = sess
	return nil
}

// loadTLS 从文件装配 TLS 配置
func (a *Agent) loadTLS() (*tls.Config, error) {
	conf := &tls.Config{}
	if a.config.Server.TLS.CACert != "" {
		caPEM, err := os.ReadFile(a.config.Server.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parsing CA bundle")
		}
		conf.RootCAs = pool
	}
	if a.config.Server.TLS.Cert != "" && a.config.Server.TLS.Key != "" {
		pair, err := tls.LoadX509KeyPair(a.config.Server.TLS.Cert, a.config.Server.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("loading keypair: %w", err)
		}
		conf.Certificates = []tls.Certificate{pair}
	}
	return conf, nil
}

// assertClaim 向 claim 地址断言邀请，落盘凭证与出向连接
func (a *Agent) assertClaim() error {
	req := types.NewClaimRequest(a.config.Claim.ID, a.config.Claim.Name)
	body, _ := json.Marshal(req)

	_, respBody, err := a.session.Request(types.ClaimAddress, body, nil, 90*time.Second)
	if err != nil {
		return err
	}
	var resp types.ClaimResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("decoding claim response: %w", err)
	}
	if resp.StatusCode != 200 {
		return &types.ProtocolError{Code: resp.StatusCode, Description: resp.StatusDescription}
	}

	a.siteID = resp.SiteID
	if resp.SiteClient != nil {
		if err := a.writeState(resp.SiteClient.StateKey, toAny(resp.SiteClient.Secret)); err != nil {
			return err
		}
	}
	for _, link := range resp.OutgoingLinks {
		data := map[string]any{"host": link.Host, "port": link.Port, "cost": link.Cost}
		if err := a.writeState(link.StateKey, data); err != nil {
			return err
		}
	}

	a.logger.Info().Str("site", a.siteID).Int("links", len(resp.OutgoingLinks)).Msg("Claim accepted")
	return nil
}

// writeState 将一份状态落盘到数据目录
func (a *Agent) writeState(key string, data map[string]any) error {
	if a.config.Runtime.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.config.Runtime.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state %s: %w", key, err)
	}
	path := filepath.Join(a.config.Runtime.DataDir, sanitizeKey(key)+".json")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("writing state %s: %w", key, err)
	}
	return nil
}

// statusLoop 周期记录本机负载
func (a *Agent) statusLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			event := a.logger.Info()
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				event = event.Float64("cpu", percents[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				event = event.Float64("memory", vm.UsedPercent)
			}
			event.Msg("Agent status")
		}
	}
}

// controllerEvents 面向管理控制器的同步回调
type controllerEvents struct {
	agent *Agent
}

// OnNewPeer 本地清单：骨干代理上报各接入点的实际入口
func (e *controllerEvents) OnNewPeer(peerID string) (map[string]string, map[string]string, error) {
	a := e.agent
	local := map[string]string{}
	if types.PeerClass(a.config.Class) == types.ClassBackbone {
		for apID, ingress := range a.config.Ingress {
			data := map[string]string{"host": ingress.Host, "port": ingress.Port}
			local[types.StateKeyAccessStatus+apID] = manifest.HashOfData(data)
		}
	}
	a.logger.Info().Str("controller", peerID).Msg("Controller discovered")
	return local, map[string]string{}, nil
}

func (e *controllerEvents) OnPing(peerID string) {}

// OnStateChange 控制器下发的状态落盘；删除时移除文件
func (e *controllerEvents) OnStateChange(peerID string, change syncpkg.StateChange) error {
	a := e.agent
	if change.Deleted {
		if a.config.Runtime.DataDir == "" {
			return nil
		}
		path := filepath.Join(a.config.Runtime.DataDir, sanitizeKey(change.Key)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		a.logger.Info().Str("key", change.Key).Msg("State removed")
		return nil
	}
	a.logger.Info().Str("key", change.Key).Str("hash", change.Hash).Msg("State received")
	return a.writeState(change.Key, change.Data)
}

// OnStateRequest 控制器拉取代理侧状态
func (e *controllerEvents) OnStateRequest(peerID, key string) (string, map[string]any, error) {
	a := e.agent
	if strings.HasPrefix(key, types.StateKeyAccessStatus) {
		apID := strings.TrimPrefix(key, types.StateKeyAccessStatus)
		ingress, ok := a.config.Ingress[apID]
		if !ok {
			return "", nil, fmt.Errorf("unknown access point %q", apID)
		}
		data := map[string]string{"host": ingress.Host, "port": ingress.Port}
		return manifest.HashOfData(data), map[string]any{"host": ingress.Host, "port": ingress.Port}, nil
	}
	return "", nil, fmt.Errorf("unknown state key %q", key)
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

func toAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
