package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"van-backend/internal/api"
	"van-backend/internal/api/handlers"
	"van-backend/internal/cluster"
	"van-backend/internal/service"
	"van-backend/pkg/config"
	"van-backend/pkg/logger"
	"van-backend/pkg/server/middleware"
	"van-backend/pkg/store"
	syncpkg "van-backend/pkg/sync"
	"van-backend/pkg/transport"
	"van-backend/pkg/types"
)

// Server 控制器进程：一个监听端口由 cmux 拆分为
// gRPC 传输通道与 HTTP 管理面
type Server struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store

	// 子系统
	cluster     cluster.Client
	hub         *transport.Hub
	engine      *syncpkg.Engine
	deployment  *service.DeploymentService
	compose     *service.ComposeService
	bridge      *service.BridgeService
	certService *service.CertificateService
	claims      *service.ClaimService
	links       *service.LinkManager

	// 服务器实例
	listener   net.Listener
	mux        cmux.CMux
	grpcServer *grpc.Server
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New 创建控制器实例
func New(cfg *config.ServerConfig, log *logger.Logger) (*Server, error) {
	logcomp := log.GetLogger("server")

	// 创建存储实例
	st, err := store.NewStore(&store.Config{
		Type:   cfg.Storage.Type,
		SQLite: store.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		Postgres: store.PostgresConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			DBName:   cfg.Storage.Postgres.DBName,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := seedStore(st); err != nil {
		return nil, err
	}

	// 集群协作方：集群内实现由部署侧链接，这里只支持 standalone
	if !cfg.Cluster.Standalone {
		return nil, fmt.Errorf("in-cluster collaborator not linked; set %s to run standalone", config.EnvStandaloneNamespace)
	}
	cl := cluster.NewStandalone(cfg.Cluster.Namespace, log.GetLogger("cluster"))

	middleware.InitAuth(cfg.Auth.JWTSecret)

	// 传输中枢与同步引擎
	hub := transport.NewHub(log.GetLogger("transport"))
	engineCfg := syncpkg.Config{
		Class:           types.ClassManagement,
		ID:              cfg.Controller.Name,
		LocalAddress:    types.MgmtControllerAddress,
		BeaconInterval:  time.Duration(cfg.Sync.BeaconInterval) * time.Second,
		HeartbeatPeriod: time.Duration(cfg.Sync.HeartbeatPeriod) * time.Second,
		HeartbeatWindow: time.Duration(cfg.Sync.HeartbeatWindow) * time.Second,
		RequestTimeout:  time.Duration(cfg.Sync.RequestTimeout) * time.Second,
	}
	engine := syncpkg.NewEngine(engineCfg, log.GetLogger("sync"))

	// 服务装配
	deployment := service.NewDeploymentService(log.GetLogger("deployment"))
	compose := service.NewComposeService(st, log.GetLogger("compose"))
	bridge := service.NewBridgeService(st, cl, compose, deployment, engine, log.GetLogger("bridge"))
	certService := service.NewCertificateService(st, cl, deployment, log.GetLogger("certificate"))
	claims := service.NewClaimService(st, cl, log.GetLogger("claim"))
	certService.SetNotifier(bridge)
	certService.SetCompleter(claims)

	srv := &Server{
		config:      cfg,
		logger:      logcomp,
		store:       st,
		cluster:     cl,
		hub:         hub,
		engine:      engine,
		deployment:  deployment,
		compose:     compose,
		bridge:      bridge,
		certService: certService,
		claims:      claims,
	}

	links := service.NewLinkManager(st, srv.dialBackbone, cfg.Controller.Name, log.GetLogger("links"))
	srv.links = links

	// 管理面会话直接挂接中枢
	if err := engine.AddConnection("", hub.Session()); err != nil {
		return nil, fmt.Errorf("attaching management session: %w", err)
	}

	// 订阅骨干连接：claim 服务与同步引擎各持一份
	links.Register(claims)
	links.Register(&engineLinkObserver{engine: engine, logger: log.GetLogger("links")})

	// 创建基础TCP监听器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	// 创建多路复用器
	mux := cmux.New(listener)

	// gRPC 服务器强制 JSON 编解码，承载传输通道
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(transport.JSONCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    10 * time.Second,
			Timeout: 5 * time.Second,
		}),
	}
	if cfg.Server.TLS.Enabled {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("loading TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(opts...)
	hub.Register(grpcServer)

	// HTTP 管理面
	backboneHandler := handlers.NewBackboneHandler(st, cl, deployment, bridge, log.GetLogger("api"))
	vanHandler := handlers.NewVanHandler(st, log.GetLogger("api"))
	appHandler := handlers.NewApplicationHandler(st, compose, log.GetLogger("api"))
	statusHandler := handlers.NewStatusHandler(engine, log.GetLogger("api"))
	userHandler := handlers.NewUserHandler(st, log.GetLogger("api"))
	router := api.NewRouter(backboneHandler, vanHandler, appHandler, statusHandler, userHandler, log)

	srv.listener = listener
	srv.mux = mux
	srv.grpcServer = grpcServer
	srv.httpServer = &http.Server{Handler: router}

	return srv, nil
}

// seedStore 初始化静态数据
func seedStore(st store.Store) error {
	return st.Transaction(func(tx store.Store) error {
		return tx.SeedBlockTypes()
	})
}

// engineLinkObserver 把骨干连接事件转给同步引擎
type engineLinkObserver struct {
	engine *syncpkg.Engine
	logger zerolog.Logger
}

func (o *engineLinkObserver) OnLinkAdded(backboneID string, sess transport.Session) {
	if err := o.engine.AddConnection(backboneID, sess); err != nil {
		o.logger.Error().Str("backbone", backboneID).Err(err).Msg("Attaching backbone session failed")
	}
}

func (o *engineLinkObserver) OnLinkDeleted(backboneID string) {
	o.engine.DeleteConnection(backboneID)
}

// dialBackbone 按 manage 接入点建立骨干会话。
// standalone 模式下接入点就在本进程，直接挂接中枢；
// 集群模式用控制器凭证建立 TLS 会话
func (s *Server) dialBackbone(access *store.ReadyManageAccess) (transport.Session, error) {
	if s.config.Cluster.Standalone {
		return s.hub.Session(), nil
	}

	tlsConf, err := s.controllerTLS()
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s:%s", access.Hostname, access.Port)
	return transport.Dial(target, tlsConf, s.logger)
}

// controllerTLS 从管理控制器凭证装配客户端 TLS 配置
func (s *Server) controllerTLS() (*tls.Config, error) {
	mc, err := s.store.GetControllerByName(s.config.Controller.Name)
	if err != nil {
		return nil, err
	}
	if mc.CertificateID == nil {
		return nil, fmt.Errorf("controller %s has no credential", mc.Name)
	}
	cert, err := s.store.GetTlsCertificate(*mc.CertificateID)
	if err != nil {
		return nil, err
	}
	secret, err := s.cluster.LoadSecret(cert.ObjectName)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair([]byte(secret.Data["tls.crt"]), []byte(secret.Data["tls.key"]))
	if err != nil {
		return nil, fmt.Errorf("loading controller keypair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(secret.Data["ca.crt"])) {
		return nil, fmt.Errorf("loading controller CA bundle")
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, RootCAs: pool}, nil
}

// Start 启动服务器与全部后台循环
func (s *Server) Start() error {
	// 设置 gRPC 匹配器
	grpcL := s.mux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"),
	)

	// 设置 HTTP 匹配器
	httpL := s.mux.Match(cmux.HTTP1Fast())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(grpcL); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpL); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil {
			s.logger.Error().Err(err).Msg("cmux server error")
		}
	}()

	// 后台循环
	s.certService.Start()
	s.links.Start()
	s.engine.Start()

	s.logger.Info().
		Str("address", fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)).
		Bool("tls", s.config.Server.TLS.Enabled).
		Str("controller", s.config.Controller.Name).
		Msg("Server started")

	return nil
}

// Stop 优雅停机
func (s *Server) Stop() error {
	s.engine.Stop()
	s.links.Stop()
	s.certService.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	s.grpcServer.GracefulStop()

	if err := s.listener.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing listener")
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing store")
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}
