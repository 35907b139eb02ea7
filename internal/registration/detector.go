package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Detector 找出目前的 controller leader
type Detector interface {
	// Detect 阻塞到 leader 與 previous 不同為止；空字串代表目前沒有 leader
	Detect(ctx context.Context, previous string) (string, error)
}

// ============================================================================
// Standalone：固定位址，可手動改派
// ============================================================================

type Standalone struct {
	mu      sync.Mutex
	leader  string
	changed chan struct{}
}

func NewStandalone(leader string) *Standalone {
	return &Standalone{leader: leader, changed: make(chan struct{})}
}

// Appoint 換成新的 leader，喚醒所有等待中的 Detect
func (s *Standalone) Appoint(leader string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader == leader {
		return
	}
	s.leader = leader
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Standalone) Detect(ctx context.Context, previous string) (string, error) {
	for {
		s.mu.Lock()
		leader, changed := s.leader, s.changed
		s.mu.Unlock()

		if leader != previous {
			return leader, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ============================================================================
// etcd：leader 位址放在單一 key，controller 寫入、agent 監看
// ============================================================================

const DefaultLeaderKey = "/outpost/controller/leader"

// leaderRecord etcd 中 leader key 的內容
type leaderRecord struct {
	Address string    `json:"address"`
	Since   time.Time `json:"since"`
}

type EtcdDetector struct {
	client *clientv3.Client
	key    string
}

var (
	_ Detector = (*Standalone)(nil)
	_ Detector = (*EtcdDetector)(nil)
)

// NewEtcdDetector key 為空時使用 DefaultLeaderKey
func NewEtcdDetector(client *clientv3.Client, key string) *EtcdDetector {
	if key == "" {
		key = DefaultLeaderKey
	}
	return &EtcdDetector{client: client, key: key}
}

// Publish 由 controller 呼叫，宣告自己是 leader
func (d *EtcdDetector) Publish(ctx context.Context, address string) error {
	data, err := json.Marshal(leaderRecord{Address: address, Since: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = d.client.Put(ctx, d.key, string(data))
	return err
}

// Withdraw 刪除 leader key
func (d *EtcdDetector) Withdraw(ctx context.Context) error {
	_, err := d.client.Delete(ctx, d.key)
	return err
}

func (d *EtcdDetector) Detect(ctx context.Context, previous string) (string, error) {
	resp, err := d.client.Get(ctx, d.key)
	if err != nil {
		return "", fmt.Errorf("read leader key: %w", err)
	}
	current := ""
	if len(resp.Kvs) > 0 {
		current = decodeLeader(resp.Kvs[0].Value)
	}
	if current != previous {
		return current, nil
	}

	// 從 Get 之後的 revision 開始監看，避免漏掉中間的變更
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchChan := d.client.Watch(watchCtx, d.key, clientv3.WithRev(resp.Header.Revision+1))
	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			return "", fmt.Errorf("watch leader key: %w", err)
		}
		for _, ev := range watchResp.Events {
			leader := ""
			if ev.Type == clientv3.EventTypePut {
				leader = decodeLeader(ev.Kv.Value)
			}
			if leader != previous {
				return leader, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("watch leader key: channel closed")
}

// decodeLeader 壞掉的內容當成沒有 leader
func decodeLeader(value []byte) string {
	var rec leaderRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		log.Warn("malformed leader record", "error", err)
		return ""
	}
	return rec.Address
}
