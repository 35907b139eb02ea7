// ============================================================================
// Outpost Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 agent 與 controller 端的運行指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 任務 (Counter)
//      - outpost_tasks_assigned_total
//      - outpost_tasks_terminal_total{state, reason}
//
//   2. 狀態更新 (Counter)
//      - outpost_status_updates_sent_total{kind=first|retry}
//      - outpost_status_updates_acked_total
//      - outpost_status_updates_dropped_total{reason}
//
//   3. Executor (Counter)
//      - outpost_executors_launched_total
//      - outpost_executor_timeouts_total{kind=registration|reregistration|shutdown|kill}
//      - outpost_executors_removed_total
//
//   4. 註冊與存活 (Counter)
//      - outpost_registration_attempts_total{kind=register|reregister}
//      - outpost_ping_timeouts_total
//      - outpost_probes_missed_total
//      - outpost_agent_removals_cancelled_total
//      - outpost_agents_unreachable_total
//      - outpost_agents_removed_total
//
//   5. 恢復 (Gauge)
//      - outpost_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 重送比例
//   rate(outpost_status_updates_sent_total{kind="retry"}[5m])
//     / rate(outpost_status_updates_sent_total[5m])
//
//   # 各原因的失敗任務
//   sum by (reason) (rate(outpost_tasks_terminal_total{state="TASK_LOST"}[10m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/outpost/pkg/types"
)

const namespace = "outpost"

// Collector Prometheus 指標收集器
//
// 同時實作 agent、statusupdate、registration、liveness 的 Recorder 介面。
// nil *Collector 的所有方法都是 no-op。
type Collector struct {
	// 任務
	tasksAssigned prometheus.Counter
	tasksTerminal *prometheus.CounterVec

	// 狀態更新
	updatesSent    *prometheus.CounterVec
	updatesAcked   prometheus.Counter
	updatesDropped *prometheus.CounterVec

	// executor
	executorsLaunched prometheus.Counter
	executorTimeouts  *prometheus.CounterVec
	executorsRemoved  prometheus.Counter

	// 註冊與存活
	registrationAttempts *prometheus.CounterVec
	pingTimeouts         prometheus.Counter
	probesMissed         prometheus.Counter
	removalsCancelled    prometheus.Counter
	agentsUnreachable    prometheus.Counter
	agentsRemoved        prometheus.Counter

	recoveryTime prometheus.Gauge
}

// NewCollector 建立並註冊所有指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	c := &Collector{
		tasksAssigned: counter("tasks_assigned_total", "Total number of tasks accepted from the controller"),
		tasksTerminal: counterVec("tasks_terminal_total", "Total number of tasks that reached a terminal state", "state", "reason"),

		updatesSent:    counterVec("status_updates_sent_total", "Total number of status updates sent to the controller", "kind"),
		updatesAcked:   counter("status_updates_acked_total", "Total number of status updates acknowledged by the controller"),
		updatesDropped: counterVec("status_updates_dropped_total", "Total number of status updates dropped before delivery", "reason"),

		executorsLaunched: counter("executors_launched_total", "Total number of executors launched"),
		executorTimeouts:  counterVec("executor_timeouts_total", "Total number of executor timeouts", "kind"),
		executorsRemoved:  counter("executors_removed_total", "Total number of executors removed"),

		registrationAttempts: counterVec("registration_attempts_total", "Total number of registration messages sent", "kind"),
		pingTimeouts:         counter("ping_timeouts_total", "Total number of times the agent stopped hearing controller pings"),
		probesMissed:         counter("probes_missed_total", "Total number of pings an agent did not answer in time"),
		removalsCancelled:    counter("agent_removals_cancelled_total", "Total number of pending agent removals cancelled by a reply"),
		agentsUnreachable:    counter("agents_unreachable_total", "Total number of agents marked unreachable"),
		agentsRemoved:        counter("agents_removed_total", "Total number of agents that unregistered"),

		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the most recent agent recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.tasksAssigned, c.tasksTerminal,
		c.updatesSent, c.updatesAcked, c.updatesDropped,
		c.executorsLaunched, c.executorTimeouts, c.executorsRemoved,
		c.registrationAttempts, c.pingTimeouts, c.probesMissed,
		c.removalsCancelled, c.agentsUnreachable, c.agentsRemoved,
		c.recoveryTime,
	)
	return c
}

// ============================================================================
// agent
// ============================================================================

func (c *Collector) RecordTaskAssigned() {
	if c == nil {
		return
	}
	c.tasksAssigned.Inc()
}

func (c *Collector) RecordTaskTerminal(state types.TaskState, reason types.Reason) {
	if c == nil {
		return
	}
	c.tasksTerminal.WithLabelValues(string(state), string(reason)).Inc()
}

func (c *Collector) RecordExecutorLaunched() {
	if c == nil {
		return
	}
	c.executorsLaunched.Inc()
}

func (c *Collector) RecordExecutorTimeout(kind string) {
	if c == nil {
		return
	}
	c.executorTimeouts.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordExecutorRemoved() {
	if c == nil {
		return
	}
	c.executorsRemoved.Inc()
}

// RecordRecovery 設置恢復時間
func (c *Collector) RecordRecovery(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// ============================================================================
// statusupdate
// ============================================================================

func (c *Collector) RecordUpdateSent(retry bool) {
	if c == nil {
		return
	}
	kind := "first"
	if retry {
		kind = "retry"
	}
	c.updatesSent.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordUpdateAcked() {
	if c == nil {
		return
	}
	c.updatesAcked.Inc()
}

func (c *Collector) RecordUpdateDropped(reason string) {
	if c == nil {
		return
	}
	c.updatesDropped.WithLabelValues(reason).Inc()
}

// ============================================================================
// registration / liveness
// ============================================================================

func (c *Collector) RecordRegistrationAttempt(reregister bool) {
	if c == nil {
		return
	}
	kind := "register"
	if reregister {
		kind = "reregister"
	}
	c.registrationAttempts.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordPingTimeout() {
	if c == nil {
		return
	}
	c.pingTimeouts.Inc()
}

func (c *Collector) RecordProbeMissed() {
	if c == nil {
		return
	}
	c.probesMissed.Inc()
}

func (c *Collector) RecordRemovalCancelled() {
	if c == nil {
		return
	}
	c.removalsCancelled.Inc()
}

func (c *Collector) RecordAgentUnreachable() {
	if c == nil {
		return
	}
	c.agentsUnreachable.Inc()
}

func (c *Collector) RecordAgentRemoved() {
	if c == nil {
		return
	}
	c.agentsRemoved.Inc()
}

// ============================================================================
// HTTP
// ============================================================================

// Handler /metrics 的 handler；gatherer 為 nil 時使用 prometheus.DefaultGatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 HTTP 伺服器，ctx 結束時關閉
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
