// ============================================================================
// Outpost CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra 指令，組裝 agent 與 controller 端的執行環境
//
// Command Structure:
//   outpost                        # Root command
//   ├── agent                      # 啟動 agent：恢復、註冊、接收任務
//   │   ├── --work-dir            # 覆寫 agent.work_dir
//   │   └── --controller          # 覆寫 registration.controller
//   ├── monitor                    # 啟動 controller 端的存活監控
//   │   └── --listen              # 覆寫 transport.listen
//   ├── status                     # 顯示 work dir 內 checkpoint 的內容
//   │   └── --work-dir
//   └── --config, -c               # 設定檔 (default: configs/default.yaml)
//
// Signal Handling:
//   SIGINT / SIGTERM: 停止 agent，executor 繼續執行，下次啟動時重新接上
//   SIGUSR1:          先向 controller 取消註冊再停止
//
// Leader detection:
//   etcd.endpoints 有值時，agent 監看 registration.leader_key，monitor 寫入自己的位址；
//   否則 agent 直接連 registration.controller。
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ChuLiYu/outpost/internal/agent"
	"github.com/ChuLiYu/outpost/internal/checkpoint"
	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/containerizer"
	"github.com/ChuLiYu/outpost/internal/liveness"
	"github.com/ChuLiYu/outpost/internal/metrics"
	"github.com/ChuLiYu/outpost/internal/registration"
	"github.com/ChuLiYu/outpost/internal/secrets"
	"github.com/ChuLiYu/outpost/internal/server"
	"github.com/ChuLiYu/outpost/internal/storage/wal"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// Version 由 -ldflags 注入
var Version = "dev"

var configFile string

// BuildCLI 建立根指令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "outpost",
		Short:         "Outpost agent runtime",
		Long:          "Outpost runs tasks on a cluster node on behalf of a controller and keeps their status updates durable across restarts.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildMonitorCommand())
	rootCmd.AddCommand(buildStatusCommand())
	return rootCmd
}

// ============================================================================
// agent
// ============================================================================

func buildAgentCommand() *cobra.Command {
	var workDir, controller string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the agent",
		Long:  "Recover checkpointed state, register with the leading controller and run assigned tasks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			if workDir != "" {
				cfg.Agent.WorkDir = workDir
			}
			if controller != "" {
				cfg.Registration.Controller = controller
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", "", "override agent.work_dir")
	cmd.Flags().StringVar(&controller, "controller", "", "override registration.controller")
	return cmd
}

func runAgent(parent context.Context, cfg *Config) error {
	logger := newLogger(cfg.Logging, os.Stderr)
	logger.Info("starting agent", "config", configFile, "work_dir", cfg.Agent.WorkDir, "version", Version)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	containers, err := newContainerizer(cfg, logger)
	if err != nil {
		return err
	}

	var generator secrets.Generator
	if cfg.Secrets.JWTKey != "" {
		generator = secrets.NewJWTGenerator([]byte(cfg.Secrets.JWTKey), cfg.Secrets.Issuer, cfg.Secrets.TTL)
	}

	tr := transport.NewGRPC(cfg.Transport.Listen, cfg.Transport.Advertise, cfg.Transport.Timeout, logger)
	defer tr.Close()

	a, err := agent.New(cfg.agentConfig(Version), agent.Deps{
		Clock:         clock.New(),
		Containerizer: containers,
		Secrets:       generator,
		Transport:     tr,
		Recorder:      collector,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Stop()

	detector, etcdClient, err := newDetector(cfg)
	if err != nil {
		return err
	}
	if etcdClient != nil {
		defer etcdClient.Close()
	}

	reg := registration.New(cfg.registrationConfig(), a, detector, tr, clock.New(), collector)
	defer reg.Stop()

	if err := tr.Listen(server.NewAgentEndpoint(a, reg)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(orBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		state := func(ctx context.Context) (any, error) { return a.State(ctx) }
		go serveHTTP(ctx, cfg.Metrics.Addr, server.NewHTTPHandler(state, prometheus.DefaultGatherer), logger)
	}

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	reg.Start()
	logger.Info("agent started", "address", tr.Address())

	unregister := make(chan os.Signal, 1)
	signal.Notify(unregister, syscall.SIGUSR1)
	defer signal.Stop(unregister)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping agent")
	case <-unregister:
		logger.Info("received SIGUSR1, unregistering from controller")
		uctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.Timeout)
		if err := reg.Unregister(uctx); err != nil {
			logger.Warn("unregister failed", "error", err)
		}
		cancel()
	}
	return nil
}

func newContainerizer(cfg *Config, logger *slog.Logger) (containerizer.Containerizer, error) {
	switch cfg.Containerizer.Type {
	case "docker":
		return containerizer.NewDocker(cfg.Containerizer.DockerAPIVersion, logger)
	default:
		dir := cfg.Containerizer.RuntimeDir
		if dir == "" {
			dir = filepath.Join(cfg.Agent.WorkDir, "runtime")
		}
		return containerizer.NewPosix(dir, logger), nil
	}
}

func newEtcdClient(cfg *Config) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

// newDetector etcd 沒設定時回傳固定 leader
func newDetector(cfg *Config) (registration.Detector, *clientv3.Client, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return registration.NewStandalone(cfg.Registration.Controller), nil, nil
	}
	client, err := newEtcdClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return registration.NewEtcdDetector(client, cfg.Registration.LeaderKey), client, nil
}

// ============================================================================
// monitor
// ============================================================================

func buildMonitorCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start the controller-side liveness monitor",
		Long:  "Accept agent registrations, probe registered agents with pings and mark unresponsive agents unreachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Transport.Listen = listen
			}
			return runMonitor(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override transport.listen")
	return cmd
}

func runMonitor(parent context.Context, cfg *Config) error {
	logger := newLogger(cfg.Logging, os.Stderr)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	var (
		registry   liveness.Registry = liveness.NewMemoryRegistry()
		etcdClient *clientv3.Client
		err        error
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		if etcdClient, err = newEtcdClient(cfg); err != nil {
			return err
		}
		defer etcdClient.Close()
	}
	if cfg.Liveness.Registry == "etcd" {
		registry = liveness.NewEtcdRegistry(etcdClient, cfg.Liveness.AgentKeyPrefix)
	}

	tr := transport.NewGRPC(cfg.Transport.Listen, cfg.Transport.Advertise, cfg.Transport.Timeout, logger)
	defer tr.Close()

	var endpoint *server.ControllerEndpoint
	livenessCfg := cfg.livenessConfig()
	livenessCfg.OnUnreachable = func(id types.AgentID) { endpoint.AgentUnreachable(id) }

	monitor, err := liveness.New(livenessCfg, registry, tr, clock.New(), collector)
	if err != nil {
		return err
	}
	defer monitor.Stop()
	endpoint = server.NewControllerEndpoint(monitor, tr)

	if err := tr.Listen(endpoint); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(orBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if etcdClient != nil {
		detector := registration.NewEtcdDetector(etcdClient, cfg.Registration.LeaderKey)
		if err := detector.Publish(ctx, tr.Address()); err != nil {
			return fmt.Errorf("failed to publish leader address: %w", err)
		}
		defer func() {
			wctx, cancel := context.WithTimeout(context.Background(), cfg.Etcd.DialTimeout)
			defer cancel()
			if err := detector.Withdraw(wctx); err != nil {
				logger.Warn("failed to withdraw leader address", "error", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		state := func(context.Context) (any, error) { return monitor.Agents(), nil }
		go serveHTTP(ctx, cfg.Metrics.Addr, server.NewHTTPHandler(state, prometheus.DefaultGatherer), logger)
	}

	logger.Info("monitor started", "address", tr.Address(),
		"ping_timeout", livenessCfg.PingTimeout, "max_ping_timeouts", livenessCfg.MaxPingTimeouts)
	<-ctx.Done()
	logger.Info("received shutdown signal, stopping monitor")
	return nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	logger.Info("starting metrics server", "addr", addr)
	if err := metrics.Serve(ctx, addr, handler); err != nil {
		logger.Error("metrics server error", "error", err)
	}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpointed status of a work dir",
		Long:  "Read the checkpoint directory and the status update journals of a stopped or running agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workDir == "" {
				cfg, err := LoadConfig(configFile)
				if err != nil {
					return err
				}
				workDir = cfg.Agent.WorkDir
			}
			return showStatus(cmd.OutOrStdout(), workDir)
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", "", "work dir to inspect (default: agent.work_dir)")
	return cmd
}

// taskStatus 從 journal 算出的任務狀態
type taskStatus struct {
	latest  types.TaskState
	pending int
	err     error
}

func readJournal(path string) taskStatus {
	events, err := wal.ReadAll(path)
	var corrupt *wal.CorruptionError
	if err != nil && !errors.As(err, &corrupt) {
		if errors.Is(err, os.ErrNotExist) {
			return taskStatus{latest: types.TaskStaged}
		}
		return taskStatus{err: err}
	}

	st := taskStatus{latest: types.TaskStaged, err: err}
	acked := make(map[string]bool)
	for _, e := range events {
		if e.Type == wal.EventAck {
			acked[e.UUID] = true
		}
	}
	for _, e := range events {
		if e.Type != wal.EventUpdate || e.Update == nil {
			continue
		}
		st.latest = e.Update.State
		if !acked[e.UUID] {
			st.pending++
		}
	}
	return st
}

func stateColor(s types.TaskState) *color.Color {
	switch {
	case s == types.TaskFinished:
		return color.New(color.FgGreen)
	case s == types.TaskRunning:
		return color.New(color.FgCyan)
	case s.IsTerminal():
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func showStatus(out io.Writer, workDir string) error {
	state, err := checkpoint.NewManager(workDir).Recover(false)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	fmt.Fprintln(out)
	bold.Fprintf(out, "Outpost agent checkpoint: %s\n", workDir)
	if state == nil {
		faint.Fprintln(out, "  no agent checkpoint found")
		return nil
	}

	fmt.Fprintf(out, "  Agent ID:   %s\n", state.ID)
	if state.Info != nil {
		fmt.Fprintf(out, "  Hostname:   %s\n", state.Info.Hostname)
		fmt.Fprintf(out, "  Resources:  cpus=%.2f mem=%.0fMB disk=%.0fMB\n",
			state.Info.Resources.CPUs, state.Info.Resources.Mem, state.Info.Resources.Disk)
	}
	if state.Errors > 0 {
		color.New(color.FgYellow).Fprintf(out, "  Skipped:    %d corrupted records\n", state.Errors)
	}
	fmt.Fprintln(out)

	counts := make(map[types.TaskState]int)
	for _, fwID := range sortedIDs(state.Frameworks) {
		fw := state.Frameworks[fwID]
		name := ""
		if fw.Info != nil {
			name = fw.Info.Name
		}
		bold.Fprintf(out, "Framework %s", fwID)
		faint.Fprintf(out, " %s\n", name)

		for _, exID := range sortedIDs(fw.Executors) {
			ex := fw.Executors[exID]
			run := ex.LatestRun()
			if run == nil {
				fmt.Fprintf(out, "  └─ executor %s (no run)\n", exID)
				continue
			}
			runState := "running"
			if run.Completed {
				runState = "completed"
			}
			fmt.Fprintf(out, "  └─ executor %s  container=%s  pid=%d  %s\n",
				exID, run.ContainerID.String(), run.ForkedPid, runState)

			for _, taskID := range sortedIDs(run.Tasks) {
				st := readJournal(run.Tasks[taskID].UpdatesPath)
				counts[st.latest]++
				fmt.Fprintf(out, "     ├─ %-24s ", taskID)
				stateColor(st.latest).Fprintf(out, "%-16s", st.latest)
				if st.pending > 0 {
					color.New(color.FgYellow).Fprintf(out, " %d unacknowledged", st.pending)
				}
				if st.err != nil {
					color.New(color.FgRed).Fprintf(out, " journal: %v", st.err)
				}
				fmt.Fprintln(out)
			}
		}
	}

	fmt.Fprintln(out)
	bold.Fprintln(out, "Task states:")
	if len(counts) == 0 {
		faint.Fprintln(out, "  none")
	}
	for _, s := range sortedIDs(counts) {
		stateColor(s).Fprintf(out, "  %-16s %d\n", s, counts[s])
	}
	return nil
}

func sortedIDs[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
