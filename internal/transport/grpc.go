package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName   = "outpost.Transport"
	deliverMethod = "/outpost.Transport/Deliver"
	codecName     = "json"
)

// jsonCodec 讓 grpc 直接傳 Envelope，不需要 protobuf stub
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type delivered struct{}

type deliverServer interface {
	Deliver(ctx context.Context, env *Envelope) (*delivered, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "outpost/transport",
}

// GRPCTransport 以 gRPC unary 呼叫傳送 Envelope
type GRPCTransport struct {
	listenAddr string
	advertise  string
	timeout    time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn // 快取對每個 peer 的連線
	server   *grpc.Server
	listener net.Listener
	handler  Handler
	closed   bool
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPC 建立 transport；advertise 為空時使用實際監聽的位址
func NewGRPC(listenAddr, advertise string, timeout time.Duration, logger *slog.Logger) *GRPCTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCTransport{
		listenAddr: listenAddr,
		advertise:  advertise,
		timeout:    timeout,
		logger:     logger.With("component", "transport"),
		conns:      make(map[string]*grpc.ClientConn),
	}
}

// Listen 開始接收訊息
func (t *GRPCTransport) Listen(handler Handler) error {
	lis, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.listenAddr, err)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, t)

	t.mu.Lock()
	t.listener = lis
	t.server = srv
	t.handler = handler
	if t.advertise == "" {
		t.advertise = lis.Addr().String()
	}
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil {
			t.logger.Error("grpc server stopped", "error", err)
		}
	}()
	t.logger.Info("transport listening", "address", lis.Addr().String())
	return nil
}

// Deliver grpc 入口
func (t *GRPCTransport) Deliver(ctx context.Context, env *Envelope) (*delivered, error) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for %s", env.Type)
	}
	if err := h.Handle(ctx, *env); err != nil {
		return nil, err
	}
	return &delivered{}, nil
}

// Address 對外位址
func (t *GRPCTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advertise != "" {
		return t.advertise
	}
	return t.listenAddr
}

// Send 送出一則訊息
func (t *GRPCTransport) Send(ctx context.Context, to string, msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, t.Address(), to, payload)
	if err != nil {
		return err
	}
	conn, err := t.conn(to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reply delivered
	if err := conn.Invoke(ctx, deliverMethod, &env, &reply, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("send %s to %s: %w", msgType, to, err)
	}
	return nil
}

func (t *GRPCTransport) conn(peer string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(peer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", peer, err)
	}
	t.conns[peer] = conn
	return conn, nil
}

// Close 關閉伺服器與所有連線
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv := t.server
	conns := t.conns
	t.conns = make(map[string]*grpc.ClientConn)
	t.mu.Unlock()

	if srv != nil {
		srv.GracefulStop()
	}
	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
