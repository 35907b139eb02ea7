package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrClosed      = errors.New("transport closed")
)

// Handler 處理收到的訊息；實作不可長時間阻塞
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc 把函式轉成 Handler
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Transport 點對點送出訊息
type Transport interface {
	// Address 本端對外公布的位址，會放在每個 Envelope 的 From
	Address() string
	Send(ctx context.Context, to string, msgType MessageType, payload any) error
	Listen(handler Handler) error
	Close() error
}
