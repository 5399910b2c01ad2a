// Command coordinator runs the storecore SMP coordinator process: it owns
// the strand registry, the shared-listener cache, and the cache-manager
// action fan-out, bound to coordinator.ipc.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/squidcore/storecore/cmd/squidcore"
	"github.com/squidcore/storecore/internal/cachemgr"
	"github.com/squidcore/storecore/internal/coreconfig"
	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/coordination"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/port"
	"github.com/squidcore/storecore/internal/ipc/sharedlisten"
)

var cfg *coreconfig.Config

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the storecore SMP coordinator process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), *cfg)
	},
}

func init() {
	cfg = squidcore.RegisterFlags(rootCmd.Flags())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		corelog.Errorf(ctx, nil, "coordinator: %v", err)
		os.Exit(1)
	}
}

// delegate composes the two message families left to injected
// handlers (sharedlisten fd passing, cache-manager fan-out) into one
// port.CoordinatorDelegate. Its fields are filled in after
// port.NewCoordinator binds the socket, since the sub-services need the
// bound *transport.Endpoint and (for cm) the Coordinator's own Strands
// lookup -- both only exist once NewCoordinator returns.
type delegate struct {
	sl *sharedlisten.Coordinator
	cm *cachemgr.CoordinatorService
}

func (d *delegate) HandleSharedListenRequest(ctx context.Context, fromPath string, req msgtypes.SharedListenRequest) {
	d.sl.HandleSharedListenRequest(ctx, fromPath, req)
}

func (d *delegate) HandleCacheMgrRequest(ctx context.Context, fromPath string, req msgtypes.CacheMgrRequest) {
	d.cm.HandleCacheMgrRequest(ctx, fromPath, req)
}

func (d *delegate) HandleCacheMgrResponse(ctx context.Context, fromPath string, resp msgtypes.CacheMgrResponse) {
	d.cm.HandleCacheMgrResponse(ctx, fromPath, resp)
}

func run(ctx context.Context, cfg coreconfig.Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return errors.Wrapf(err, "coordinator: mkdir %s", cfg.StateDir)
	}
	path := filepath.Join(cfg.StateDir, "coordinator.ipc")

	d := &delegate{}
	coord, err := port.NewCoordinator(path, d)
	if err != nil {
		return errors.Wrap(err, "coordinator: bind")
	}
	defer coord.Port.Endpoint.Close()

	d.sl = sharedlisten.NewCoordinator(coord.Port.Endpoint)

	forwarderTimeout := cfg.ForwarderTimeout
	if forwarderTimeout <= 0 {
		forwarderTimeout = coordination.DefaultTimeout
	}
	inquirer := coordination.NewInquirer(coord.Port.Endpoint, forwarderTimeout)

	registry := cachemgr.NewRegistry()
	stats := cachemgr.NewStats(time.Now(), nil)
	if err := stats.OpenSnapshot(filepath.Join(cfg.StateDir, "cachemgr-stats-coordinator.boltdb")); err != nil {
		corelog.Errorf(ctx, nil, "coordinator: open cachemgr snapshot: %v", err)
	}
	defer stats.CloseSnapshot()
	offline := new(int32)
	cachemgr.RegisterBuiltins(registry, -1, stats, offline, func() []string { return registeredStrands(coord) })
	d.cm = cachemgr.NewCoordinatorService(registry, inquirer, coord.Port.Endpoint, coord.Strands)

	corelog.Infof(nil, "coordinator: listening on %s", path)
	return coord.Port.Run(ctx)
}

// registeredStrands backs the `info` action's cache_dirs field on this
// process: the coordinator owns no SwapDirs itself, so it reports the
// registered strand sockets instead.
func registeredStrands(coord *port.Coordinator) []string {
	var out []string
	for _, sc := range coord.Strands() {
		out = append(out, filepath.Base(sc.Path))
	}
	return out
}
