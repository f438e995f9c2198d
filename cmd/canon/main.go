package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonical-node/canon/internal/actionrun"
	"github.com/canonical-node/canon/internal/alert"
	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonaccessor"
	"github.com/canonical-node/canon/internal/config"
	"github.com/canonical-node/canon/internal/determinism"
	"github.com/canonical-node/canon/internal/evaluator"
	"github.com/canonical-node/canon/internal/eventstream"
	"github.com/canonical-node/canon/internal/executor"
	"github.com/canonical-node/canon/internal/killswitch"
	"github.com/canonical-node/canon/internal/metrics"
	"github.com/canonical-node/canon/internal/pipeline"
	"github.com/canonical-node/canon/internal/policyengine"
	"github.com/canonical-node/canon/internal/policyfile"
	"github.com/canonical-node/canon/internal/replay"
	"github.com/canonical-node/canon/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canon",
		Short: "Node-scoped operating canon: observe, decide, act, replay",
		Long:  "canon — Observe. Decide. Act. Replay.\nAn event-sourced governance core that turns observations into policy-driven effects and auditable action runs.",
	}

	var configFile string
	var port int

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the canon node's ingest and management server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: canon.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6777)")

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Generate a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "canon.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.GenerateDefault(path); err != nil {
				return err
			}
			fmt.Printf("✓ Wrote default config to %s\n", path)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running node's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 6777, "Port the running node is listening on")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("canon %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}

	var bundleObsPath, bundleRunsPath string
	replayCmd := &cobra.Command{
		Use:   "replay [node-id]",
		Short: "Re-run a node's observation log and report divergence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundleObsPath != "" {
				return runReplayBundle(configFile, args[0], bundleObsPath, bundleRunsPath)
			}
			return runReplay(configFile, args[0])
		},
	}
	replayCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: canon.yaml)")
	replayCmd.Flags().StringVar(&bundleObsPath, "bundle-observations", "", "Replay an NDJSON observation-log bundle instead of the live store's log")
	replayCmd.Flags().StringVar(&bundleRunsPath, "bundle-action-runs", "", "NDJSON action-run log to reconcile propose_action effects against (requires --bundle-observations)")

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildNode wires up every collaborator a running canon node needs:
// storage, the CEL evaluator, the canon accessor, the policy engine, the
// action-run registry and service, the effect executor, the kill switch,
// and the pipeline orchestrator that sequences them all.
type node struct {
	cfg           *config.Config
	loader        *config.Loader
	store         *canon.SQLiteStore
	actionRuns    *actionrun.Service
	killSwitch    *killswitch.KillSwitch
	pipeline      *pipeline.Pipeline
	replay        *replay.Driver
	alerts        *alert.Manager
	policyWatcher *policyfile.Watcher
	events        *eventstream.Hub
	determinism   *determinism.Scheduler
	logger        *slog.Logger
}

func buildNode(configFile string) (*node, error) {
	logger := slog.Default()

	loader := config.NewLoader()
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}
	cfg := loader.Get()

	store, err := canon.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	for _, nc := range cfg.Nodes {
		existing, err := store.GetNode(canon.NodeID(nc.ID))
		if err != nil {
			return nil, fmt.Errorf("checking seed node %s: %w", nc.ID, err)
		}
		if existing == nil {
			n := &canon.Node{ID: canon.NodeID(nc.ID), Kind: canon.NodeKind(nc.Kind), Name: nc.Name}
			if err := store.CreateNode(n); err != nil {
				return nil, fmt.Errorf("seeding node %s: %w", nc.ID, err)
			}
			logger.Info("seeded node from config", "node_id", nc.ID, "kind", nc.Kind)
		}
	}

	if _, err := policyfile.LoadDir(store, cfg.PoliciesDir); err != nil {
		return nil, fmt.Errorf("loading policy files: %w", err)
	}

	var policyWatcher *policyfile.Watcher
	if cfg.PoliciesDir != "" {
		w, err := policyfile.NewWatcher(store, cfg.PoliciesDir, logger)
		if err != nil {
			logger.Warn("policy directory watcher disabled", "dir", cfg.PoliciesDir, "error", err)
		} else {
			policyWatcher = w
		}
	}

	eval, err := evaluator.New(logger)
	if err != nil {
		return nil, fmt.Errorf("building evaluator: %w", err)
	}

	acc := canonaccessor.New(store, logger)
	engine := policyengine.New(eval, logger)

	alerts := alert.NewManager(cfg.Alerts, logger)
	metricsReg := metrics.New(prometheus.DefaultRegisterer)

	registry := actionrun.NewRegistry()
	if err := actionrun.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("registering builtin action handlers: %w", err)
	}
	actionSvc := actionrun.New(store, registry, alerts, metricsReg, logger)
	actionSvc.AutoApproveLowRisk = cfg.ActionRun.AutoApproveLowRisk
	if cfg.ActionRun.ExecutionTimeout > 0 {
		actionSvc.ExecutionTimeout = cfg.ActionRun.ExecutionTimeout
	}

	exec := executor.New(store, actionSvc, metricsReg, logger)

	var ks *killswitch.KillSwitch
	if cfg.KillSwitch.Enabled {
		ks = killswitch.New(logger)
	}

	pl := pipeline.New(store, engine, exec, acc, ks, metricsReg, logger)
	replayDriver := replay.New(store, engine, acc, metricsReg, logger)

	var events *eventstream.Hub
	if cfg.Events.Enabled {
		events = eventstream.NewHub(logger, cfg.Events.AllowAllOrigins)
	}

	nodeIDs := make([]canon.NodeID, len(cfg.Nodes))
	for i, nc := range cfg.Nodes {
		nodeIDs[i] = canon.NodeID(nc.ID)
	}
	detSchedulerCfg := determinism.SchedulerConfig{Interval: 10 * time.Minute, PolicyTimeout: cfg.Determinism.PolicyTimeout}
	detScheduler := determinism.NewScheduler(store, eval, nodeIDs, detSchedulerCfg, func(d determinism.Drift) {
		severity := "warning"
		if d.WasVerdict && !d.NowVerdict {
			severity = "critical"
		}
		alerts.Send(alert.Alert{
			Type:     "non_deterministic_policy",
			Severity: severity,
			Title:    "Determinism drift detected",
			Message:  d.DiffSummary,
			NodeID:   string(d.NodeID),
			Details:  map[string]interface{}{"policy_id": d.PolicyID},
		})
	}, logger)

	return &node{
		cfg:           cfg,
		loader:        loader,
		store:         store,
		actionRuns:    actionSvc,
		killSwitch:    ks,
		pipeline:      pl,
		replay:        replayDriver,
		alerts:        alerts,
		policyWatcher: policyWatcher,
		events:        events,
		determinism:   detScheduler,
		logger:        logger,
	}, nil
}

func runStart(configFile string, portOverride int) error {
	n, err := buildNode(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = n.store.Close() }()

	if n.policyWatcher != nil {
		n.policyWatcher.Start()
		defer func() { _ = n.policyWatcher.Stop() }()
	}

	port := n.cfg.Server.Port
	if portOverride != 0 {
		port = portOverride
	}

	srv := server.New(n.cfg.Server, n.store, n.pipeline, n.actionRuns, n.replay, n.killSwitch, n.loader, n.events, n.logger)

	serverErr := make(chan error, 1)
	go func() {
		n.logger.Info("canon node listening", "port", port)
		serverErr <- srv.Start(fmt.Sprintf(":%d", port))
	}()

	if n.killSwitch != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				n.killSwitch.CheckFileKill()
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			n.alerts.PruneDedup()
		}
	}()

	detCtx, detCancel := context.WithCancel(context.Background())
	defer detCancel()
	if len(n.cfg.Nodes) > 0 {
		go n.determinism.Run(detCtx)
	}

	if n.events != nil {
		defer n.events.Close()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case <-stop:
	}

	n.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runStatus(port int) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/status", port))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	fmt.Printf("status: HTTP %d\n", resp.StatusCode)
	return nil
}

func runReplay(configFile, nodeID string) error {
	n, err := buildNode(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = n.store.Close() }()

	policies, err := n.store.QueryPolicies(canon.PolicyFilter{NodeID: canon.NodeID(nodeID)})
	if err != nil {
		return fmt.Errorf("loading policies for %s: %w", nodeID, err)
	}

	summary, err := n.replay.Run(context.Background(), canon.NodeID(nodeID), policies, replay.ModeEvaluateOnly, nil, nil)
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d observations in %dms\n", summary.ObservationCount, summary.TotalDurationMs)
	if len(summary.EntityDivergences) == 0 {
		fmt.Println("✓ no entity-state divergence")
	} else {
		fmt.Printf("✗ %d entities diverged from their event log\n", len(summary.EntityDivergences))
		for _, d := range summary.EntityDivergences {
			fmt.Printf("  entity %s: stored=%v replayed=%v\n", d.EntityID, d.StoredState, d.ReplayedState)
		}
	}
	return nil
}

// runReplayBundle replays an offline bundle (observation log plus action-run log) against a
// fresh scratch store rather than the node's live canon, so an auditor can
// re-check determinism from a recorded session without touching the
// node's own database. Policies still come from the live config/store,
// since the bundle format carries observations and action runs only, not
// policy definitions.
func runReplayBundle(configFile, nodeID, obsPath, runsPath string) error {
	n, err := buildNode(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = n.store.Close() }()

	obsFile, err := os.Open(obsPath)
	if err != nil {
		return fmt.Errorf("opening observation bundle: %w", err)
	}
	defer func() { _ = obsFile.Close() }()

	var runsFile *os.File
	if runsPath != "" {
		runsFile, err = os.Open(runsPath)
		if err != nil {
			return fmt.Errorf("opening action-run bundle: %w", err)
		}
		defer func() { _ = runsFile.Close() }()
	}

	var runsReader io.Reader
	if runsFile != nil {
		runsReader = runsFile
	}
	bundle, err := replay.ReadBundle(obsFile, runsReader)
	if err != nil {
		return err
	}

	scratch, err := canon.NewSQLiteStore(":memory:")
	if err != nil {
		return fmt.Errorf("opening scratch store: %w", err)
	}
	defer func() { _ = scratch.Close() }()
	if err := scratch.Initialize(); err != nil {
		return fmt.Errorf("initializing scratch store: %w", err)
	}
	if err := bundle.LoadInto(scratch); err != nil {
		return err
	}

	policies, err := n.store.QueryPolicies(canon.PolicyFilter{NodeID: canon.NodeID(nodeID)})
	if err != nil {
		return fmt.Errorf("loading policies for %s: %w", nodeID, err)
	}

	eval, err := evaluator.New(n.logger)
	if err != nil {
		return fmt.Errorf("building evaluator: %w", err)
	}
	acc := canonaccessor.New(scratch, n.logger)
	engine := policyengine.New(eval, n.logger)
	driver := replay.New(scratch, engine, acc, nil, n.logger)
	historical := replay.GroupActionRunsByObservation(bundle.ActionRuns)

	scratchExec := executor.New(scratch, nil, nil, n.logger)
	summary, err := driver.Run(context.Background(), canon.NodeID(nodeID), policies, replay.ModeExecuteInternal, scratchExec, historical)
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d bundled observations in %dms\n", summary.ObservationCount, summary.TotalDurationMs)
	fmt.Printf("reconciled %d propose_action effects against historical ActionRuns\n", len(summary.UsedHistoricalActionRuns))
	if len(summary.EntityDivergences) == 0 {
		fmt.Println("✓ no entity-state divergence")
	} else {
		fmt.Printf("✗ %d entities diverged from their event log\n", len(summary.EntityDivergences))
	}
	return nil
}

