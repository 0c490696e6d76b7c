// cmd/pan-node/serve.go
// The `pan-node serve` subcommand: the composition root that wires every
// subsystem together and runs until SIGTERM/SIGINT. Shutdown cancels both
// listeners, waits for them to return and stops the agent server's
// pending-connection sweep; bus emissions still in flight are not awaited.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jayk/pan-node/internal/agentserver"
	"github.com/jayk/pan-node/internal/authmgr"
	"github.com/jayk/pan-node/internal/bus"
	"github.com/jayk/pan-node/internal/config"
	"github.com/jayk/pan-node/internal/connection"
	"github.com/jayk/pan-node/internal/control"
	"github.com/jayk/pan-node/internal/group"
	"github.com/jayk/pan-node/internal/identity"
	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/metrics"
	"github.com/jayk/pan-node/internal/peerserver"
	"github.com/jayk/pan-node/internal/registry"
	"github.com/jayk/pan-node/internal/router"
	"github.com/jayk/pan-node/internal/spam"
	"github.com/jayk/pan-node/internal/transport"
	"github.com/jayk/pan-node/internal/trust"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node, accepting agent and peer connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.JSONLoader{}.Load(cfgFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	lg := logging.Logger()
	metrics.Register()

	// 1. Identity — every other subsystem depends on the stable node_id.
	idSvc, err := identity.New(identity.Config{
		PersistPath:    cfg.PersistPath,
		NodeIdentifier: cfg.NodeIdentifier,
		CrashOnCorrupt: cfg.CrashOnCorrupt,
	})
	if err != nil {
		return err
	}
	localNodeID := idSvc.GetNodeID()
	lg.Info("identity resolved", zap.String("node_id", localNodeID))

	// 2. Trust — one Validator per domain, disjoint policies.
	agentTrust, err := trust.New(trust.Config{
		Domain: "agent", FilePath: cfg.AgentTrust.FilePath,
		ReloadTTL: cfg.AgentTrust.ReloadTTL, Required: cfg.AgentTrust.Required,
		SharedSecret: []byte(cfg.AgentTrust.SharedSecret),
	})
	if err != nil {
		return err
	}
	peerTrust, err := trust.New(trust.Config{
		Domain: "peer", FilePath: cfg.PeerTrust.FilePath,
		ReloadTTL: cfg.PeerTrust.ReloadTTL, Required: cfg.PeerTrust.Required,
		SharedSecret: []byte(cfg.PeerTrust.SharedSecret),
	})
	if err != nil {
		return err
	}

	// 3. Auth — the local method wraps the agent-domain trust validator.
	localMethod := authmgr.NewLocalMethod(authmgr.LocalMethodConfig{
		Validator:            agentTrust,
		AllowUntrustedAgents: cfg.AllowUntrustedAgents,
	})
	authMgr := authmgr.New(authmgr.Config{
		Order: cfg.AuthOrder, MaxTries: cfg.AuthMaxTries, TimeoutMS: cfg.AuthTimeoutMS,
	}, localMethod)

	// 4. Registries, group manager, event bus, router.
	agents := registry.NewAgentRegistry[*connection.AgentConnection]()
	peers := registry.NewPeerRegistry[*peerserver.PeerConnection]()
	groups := group.New()
	eventBus := bus.New()

	// 5. Agent Server — built before its control handlers, per the
	// two-phase New/SetControl pattern (Server and Handlers need each
	// other: Handlers.Cleanup == *Server, Server.control == *Handlers).
	agentSrv := agentserver.New(agentserver.Config{
		LocalNodeID:          localNodeID,
		ResumeGraceWindow:    cfg.ResumeGrace,
		SpamGuard:            spam.Config{WindowSeconds: cfg.SpamWindowSeconds, MessageLimit: cfg.SpamMessageLimit, DisconnectThreshold: cfg.SpamDisconnectThreshold},
		AllowUntrustedAgents: cfg.AllowUntrustedAgents,
	}, authMgr, agents, groups, nil)
	route := router.New(localNodeID, groups, agentSrv, eventBus)
	agentSrv.SetRoute(route)
	ctrl := control.New(groups, eventBus, agentSrv)
	agentSrv.SetControl(ctrl)

	// 6. Peer Server.
	peerSrv := peerserver.New(peerserver.Config{LocalNodeID: localNodeID}, peerTrust, peers)

	// 7. Listeners.
	agentListener := &transport.AgentListener{Addr: cfg.AgentListenAddr, Server: agentSrv}
	peerListener := &transport.PeerListener{Addr: cfg.PeerListenAddr, Server: peerSrv}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := agentListener.ListenAndServe(runCtx); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := peerListener.ListenAndServe(runCtx); err != nil {
			errs <- err
		}
	}()

	lg.Info("pan-node serving", zap.String("agent_addr", cfg.AgentListenAddr), zap.String("peer_addr", cfg.PeerListenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		lg.Info("signal received, shutting down")
	case err := <-errs:
		lg.Error("listener failed", zap.Error(err))
	}

	// Stop accepting: cancel both listeners and wait for them to return,
	// then stop the agent server's pending-connection sweep.
	cancel()
	wg.Wait()
	agentSrv.Stop()

	var shutdownErr error
	for len(errs) > 0 {
		shutdownErr = multierr.Append(shutdownErr, <-errs)
	}
	return shutdownErr
}

