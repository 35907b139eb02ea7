package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ChuLiYu/outpost/pkg/types"
)

const (
	DefaultAgentKeyPrefix = "/outpost/agents/"
	maxCASAttempts        = 3
)

// entry etcd 中每個 agent key 的內容
type entry struct {
	Status  Status    `json:"status"`
	Updated time.Time `json:"updated"`
}

// EtcdRegistry 多個 controller 共用的登錄表；每次變更都以 ModRevision 做 compare-and-swap
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdRegistry(client *clientv3.Client, prefix string) *EtcdRegistry {
	if prefix == "" {
		prefix = DefaultAgentKeyPrefix
	}
	return &EtcdRegistry{client: client, prefix: prefix}
}

var (
	_ Registry = (*EtcdRegistry)(nil)
	_ Registry = (*MemoryRegistry)(nil)
)

func (r *EtcdRegistry) key(id types.AgentID) string {
	return r.prefix + string(id)
}

func (r *EtcdRegistry) Status(ctx context.Context, id types.AgentID) (Status, error) {
	resp, err := r.client.Get(ctx, r.key(id))
	if err != nil {
		return StatusUnknown, fmt.Errorf("get agent %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return StatusUnknown, nil
	}
	var e entry
	if err := json.Unmarshal(resp.Kvs[0].Value, &e); err != nil {
		return StatusUnknown, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return e.Status, nil
}

func (r *EtcdRegistry) Admit(ctx context.Context, id types.AgentID) error {
	return r.transition(ctx, id, StatusRegistered)
}

func (r *EtcdRegistry) MarkUnreachable(ctx context.Context, id types.AgentID) error {
	return r.transition(ctx, id, StatusUnreachable)
}

func (r *EtcdRegistry) Remove(ctx context.Context, id types.AgentID) error {
	return r.transition(ctx, id, StatusRemoved)
}

func (r *EtcdRegistry) transition(ctx context.Context, id types.AgentID, to Status) error {
	key := r.key(id)
	data, err := json.Marshal(entry{Status: to, Updated: time.Now().UTC()})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		resp, err := r.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("get agent %s: %w", id, err)
		}

		// key 不存在時要求 CreateRevision 為 0，否則要求 ModRevision 沒變
		cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		if len(resp.Kvs) > 0 {
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		}

		txn, err := r.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
		if err != nil {
			return fmt.Errorf("update agent %s: %w", id, err)
		}
		if txn.Succeeded {
			return nil
		}
		log.Debug("registry compare-and-swap lost, retrying", "agent_id", id, "attempt", attempt+1)
	}
	return fmt.Errorf("%w: agent %s", ErrConflict, id)
}
