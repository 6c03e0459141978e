package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientSession 经 gRPC 双向流接入中枢的会话
type ClientSession struct {
	logger zerolog.Logger

	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu   sync.Mutex
	requests *requestTable
	nextCorr atomic.Uint64

	mu        sync.Mutex
	handlers  map[string]Handler
	replyAddr string
	closed    bool

	// 应答地址就绪后关闭，生产者在此之前不可发送
	sendable chan struct{}
}

// Dial 建立客户端会话；tlsConf 为 nil 时走明文
func Dial(target string, tlsConf *tls.Config, logger zerolog.Logger) (*ClientSession, error) {
	var creds grpc.DialOption
	if tlsConf != nil {
		creds = grpc.WithTransportCredentials(credentials.NewTLS(tlsConf))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(target,
		creds,
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, &channelStreamDesc, channelMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	s := &ClientSession{
		logger:   logger.With().Str("component", "session").Str("target", target).Logger(),
		conn:     conn,
		stream:   stream,
		cancel:   cancel,
		requests: newRequestTable(),
		handlers: make(map[string]Handler),
		sendable: make(chan struct{}),
	}

	go s.receiveLoop()

	// 每个会话自带一个动态应答接收者
	if err := s.openReplyReceiver(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// receiveLoop 接收分发：应答帧进在途表，其余按地址派发
func (s *ClientSession) receiveLoop() {
	for {
		var f Frame
		if err := s.stream.RecvMsg(&f); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Debug().Err(err).Msg("Session stream closed")
			}
			return
		}

		if f.Reply && f.CorrelationID != 0 {
			if s.requests.resolve(&f) {
				continue
			}
		}

		s.mu.Lock()
		handler, ok := s.handlers[f.To]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug().Str("to", f.To).Msg("Dropping frame with no receiver")
			continue
		}

		frame := f
		d := &Delivery{
			Body:          frame.Body,
			AppProps:      frame.AppProps,
			ReplyTo:       frame.ReplyTo,
			CorrelationID: frame.CorrelationID,
			send:          s.sendFrame,
		}
		go handler(d)
	}
}

func (s *ClientSession) sendFrame(f *Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.SendMsg(f); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// subscribe 向中枢登记接收地址；address 为空时由中枢分配
func (s *ClientSession) subscribe(address string, timeout time.Duration) (string, error) {
	corr := s.nextCorr.Add(1)
	ch := s.requests.add(corr)
	err := s.sendFrame(&Frame{
		CorrelationID: corr,
		AppProps:      map[string]string{propOp: opSubscribe, propAddress: address},
	})
	if err != nil {
		s.requests.remove(corr)
		return "", err
	}
	f, err := s.requests.await(corr, ch, timeout)
	if err != nil {
		return "", fmt.Errorf("subscribing %q: %w", address, err)
	}
	return f.AppProps[propAddress], nil
}

// openReplyReceiver 打开会话的动态应答接收者
func (s *ClientSession) openReplyReceiver() error {
	addr, err := s.subscribe("", 10*time.Second)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.replyAddr = addr
	s.handlers[addr] = func(d *Delivery) {} // 应答帧在 receiveLoop 中先行匹配
	s.mu.Unlock()
	close(s.sendable)
	return nil
}

// OpenReceiver 打开接收者，address 为空时动态分配
func (s *ClientSession) OpenReceiver(address string, handler Handler) (*Receiver, error) {
	assigned, err := s.subscribe(address, 10*time.Second)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.handlers[assigned] = handler
	s.mu.Unlock()
	return &Receiver{address: assigned}, nil
}

// OpenSender 打开生产者，应答地址就绪后返回
func (s *ClientSession) OpenSender(to string) (*Sender, error) {
	select {
	case <-s.sendable:
	case <-time.After(10 * time.Second):
		return nil, ErrTimeout
	}
	return &Sender{session: s, to: to}, nil
}

// SendMessage 单向发送
func (s *ClientSession) SendMessage(to string, body []byte, props map[string]string) error {
	return s.sendFrame(&Frame{To: to, AppProps: props, Body: body})
}

// Request 请求-应答，超时返回 ErrTimeout 并清除在途槽位
func (s *ClientSession) Request(to string, body []byte, props map[string]string, timeout time.Duration) (map[string]string, []byte, error) {
	select {
	case <-s.sendable:
	case <-time.After(timeout):
		return nil, nil, ErrTimeout
	}

	s.mu.Lock()
	replyAddr := s.replyAddr
	s.mu.Unlock()

	corr := s.nextCorr.Add(1)
	ch := s.requests.add(corr)
	err := s.sendFrame(&Frame{
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

// Close 关闭会话
func (s *ClientSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close()
}
