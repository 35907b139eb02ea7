package transport

import (
	"context"
	"fmt"
	"sync"
)

// Network 行程內的訊息網路，測試用
//
// 送出是同步的：Send 返回時對方的 Handler 已經處理完畢。
type Network struct {
	mu        sync.Mutex
	endpoints map[string]Handler
	filter    func(Envelope) bool
	sent      []Envelope
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]Handler)}
}

// Endpoint 建立位於 addr 的 transport
func (n *Network) Endpoint(addr string) *MemoryTransport {
	return &MemoryTransport{network: n, addr: addr}
}

// SetFilter 設定過濾器，回傳 false 的訊息會被丟棄（模擬網路分割）
func (n *Network) SetFilter(f func(Envelope) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Sent 所有送出過的訊息（包含被丟棄的）
func (n *Network) Sent() []Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Envelope(nil), n.sent...)
}

// SentOf 指定種類的訊息
func (n *Network) SentOf(msgType MessageType) []Envelope {
	var out []Envelope
	for _, env := range n.Sent() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (n *Network) deliver(ctx context.Context, env Envelope) error {
	n.mu.Lock()
	n.sent = append(n.sent, env)
	if n.filter != nil && !n.filter(env) {
		n.mu.Unlock()
		return nil
	}
	h, ok := n.endpoints[env.To]
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, env.To)
	}
	return h.Handle(ctx, env)
}

// MemoryTransport Network 上的一個端點
type MemoryTransport struct {
	network *Network
	addr    string
}

func (m *MemoryTransport) Address() string { return m.addr }

func (m *MemoryTransport) Listen(handler Handler) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	m.network.endpoints[m.addr] = handler
	return nil
}

func (m *MemoryTransport) Send(ctx context.Context, to string, msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, m.addr, to, payload)
	if err != nil {
		return err
	}
	return m.network.deliver(ctx, env)
}

func (m *MemoryTransport) Close() error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	delete(m.network.endpoints, m.addr)
	return nil
}
