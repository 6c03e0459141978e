package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// gRPC 服务描述，手工注册，不经 protoc
const (
	serviceName   = "skx.Transport"
	channelMethod = "/skx.Transport/Channel"
)

var channelStreamDesc = grpc.StreamDesc{
	StreamName:    "Channel",
	ServerStreams: true,
	ClientStreams: true,
}

// Hub 帧路由中枢，按地址在已接入会话间转发
type Hub struct {
	logger zerolog.Logger

	mu     sync.Mutex
	routes map[string]func(*Frame) error

	nextCorr atomic.Uint64
}

// NewHub 创建路由中枢
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "transport").Logger(),
		routes: make(map[string]func(*Frame) error),
	}
}

// ServiceDesc 返回注册到 gRPC 服务器的服务描述
func (h *Hub) ServiceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Channel",
				Handler:       h.handleChannel,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "skx/transport",
	}
}

// Register 将传输服务注册到 gRPC 服务器
func (h *Hub) Register(server *grpc.Server) {
	server.RegisterService(h.ServiceDesc(), h)
}

func (h *Hub) addRoute(address string, deliver func(*Frame) error) {
	h.mu.Lock()
	h.routes[address] = deliver
	h.mu.Unlock()
}

func (h *Hub) removeRoute(address string) {
	h.mu.Lock()
	delete(h.routes, address)
	h.mu.Unlock()
}

// route 按地址投递帧
func (h *Hub) route(f *Frame) error {
	h.mu.Lock()
	deliver, ok := h.routes[f.To]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no route for address %q", f.To)
	}
	return deliver(f)
}

// handleChannel 处理一条双向流：订阅控制帧建立路由，其余帧转发
func (h *Hub) handleChannel(_ interface{}, stream grpc.ServerStream) error {
	out := make(chan *Frame, 64)
	done := make(chan struct{})
	var subscribed []string

	defer func() {
		close(done)
		h.mu.Lock()
		for _, addr := range subscribed {
			delete(h.routes, addr)
		}
		h.mu.Unlock()
	}()

	// 写出协程，流的 SendMsg 不可并发
	go func() {
		for {
			select {
			case f := <-out:
				if err := stream.SendMsg(f); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	enqueue := func(f *Frame) error {
		select {
		case out <- f:
			return nil
		case <-done:
			return ErrClosed
		}
	}

	for {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			h.logger.Debug().Err(err).Msg("Channel closed")
			return nil
		}

		if f.AppProps[propOp] == opSubscribe {
			addr := f.AppProps[propAddress]
			if addr == "" {
				// 动态地址
				addr = "_reply/" + uuid.NewString()
			}
			h.addRoute(addr, enqueue)
			subscribed = append(subscribed, addr)
			reply := &Frame{
				CorrelationID: f.CorrelationID,
				Reply:         true,
				AppProps:      map[string]string{propOp: opSubscribed, propAddress: addr},
			}
			if err := enqueue(reply); err != nil {
				return nil
			}
			continue
		}

		frame := f
		if err := h.route(&frame); err != nil {
			// 发送失败直接丢弃，下一次心跳即重试
			h.logger.Debug().Str("to", f.To).Err(err).Msg("Dropping unroutable frame")
		}
	}
}

// LocalSession 控制器进程内会话，直接挂接路由表
type LocalSession struct {
	hub      *Hub
	requests *requestTable

	mu        sync.Mutex
	receivers []string
	replyAddr string
	closed    bool
}

// Session 创建进程内会话
func (h *Hub) Session() *LocalSession {
	return &LocalSession{hub: h, requests: newRequestTable()}
}

// OpenReceiver 打开接收者，address 为空时分配动态地址
func (s *LocalSession) OpenReceiver(address string, handler Handler) (*Receiver, error) {
	if address == "" {
		address = "_local/" + uuid.NewString()
	}
	s.hub.addRoute(address, func(f *Frame) error {
		d := &Delivery{
			Body:          f.Body,
			AppProps:      f.AppProps,
			ReplyTo:       f.ReplyTo,
			CorrelationID: f.CorrelationID,
			send:          s.hub.route,
		}
		go handler(d)
		return nil
	})
	s.mu.Lock()
	s.receivers = append(s.receivers, address)
	s.mu.Unlock()
	return &Receiver{address: address}, nil
}

// ensureReplyAddress 懒打开动态应答接收者
func (s *LocalSession) ensureReplyAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyAddr != "" {
		return s.replyAddr
	}
	addr := "_local/" + uuid.NewString()
	s.hub.addRoute(addr, func(f *Frame) error {
		if f.Reply {
			s.requests.resolve(f)
		}
		return nil
	})
	s.receivers = append(s.receivers, addr)
	s.replyAddr = addr
	return addr
}

// SendMessage 单向发送
func (s *LocalSession) SendMessage(to string, body []byte, props map[string]string) error {
	return s.hub.route(&Frame{To: to, AppProps: props, Body: body})
}

// Request 请求-应答
func (s *LocalSession) Request(to string, body []byte, props map[string]string, timeout time.Duration) (map[string]string, []byte, error) {
	replyAddr := s.ensureReplyAddress()
	corr := s.hub.nextCorr.Add(1)
	ch := s.requests.add(corr)

	err := s.hub.route(&Frame{
		To:            to,
		ReplyTo:       replyAddr,
		CorrelationID: corr,
		AppProps:      props,
		Body:          body,
	})
	if err != nil {
		s.requests.remove(corr)
		return nil, nil, err
	}

	f, err := s.requests.await(corr, ch, timeout)
	if err != nil {
		return nil, nil, err
	}
	return f.AppProps, f.Body, nil
}

// OpenSender 打开生产者；进程内会话始终可发送
func (s *LocalSession) OpenSender(to string) (*Sender, error) {
	s.ensureReplyAddress()
	return &Sender{session: s, to: to}, nil
}

// Close 撤销会话的全部路由
func (s *LocalSession) Close() error {
	s.mu.Lock()
	receivers := s.receivers
	s.receivers = nil
	s.closed = true
	s.mu.Unlock()
	for _, addr := range receivers {
		s.hub.removeRoute(addr)
	}
	return nil
}
