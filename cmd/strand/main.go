// Command strand runs one storecore worker process: it registers with
// the Coordinator, owns the storage controller and its configured
// SwapDirs, and answers the Coordinator's shared-listener and
// cache-manager traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/squidcore/storecore/cmd/squidcore"
	"github.com/squidcore/storecore/internal/cachemgr"
	"github.com/squidcore/storecore/internal/cfqueue"
	"github.com/squidcore/storecore/internal/coreconfig"
	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/diskio"
	"github.com/squidcore/storecore/internal/ipc/coordination"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/port"
	"github.com/squidcore/storecore/internal/ipc/sharedlisten"
	"github.com/squidcore/storecore/internal/store"
	"github.com/squidcore/storecore/internal/store/controller"
	"github.com/squidcore/storecore/internal/store/coss"
	"github.com/squidcore/storecore/internal/store/ufs"
)

var (
	cfg   *coreconfig.Config
	kidID int32
	tag   string
)

var rootCmd = &cobra.Command{
	Use:   "strand",
	Short: "Run one storecore worker (strand) process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), *cfg, kidID, tag)
	},
}

func init() {
	cfg = squidcore.RegisterFlags(rootCmd.Flags())
	rootCmd.Flags().Int32Var(&kidID, "kid-id", 1, "this strand's kid id, unique among the deployment's workers")
	rootCmd.Flags().StringVar(&tag, "tag", "", "optional strand tag used by FindStrand lookups")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		corelog.Errorf(ctx, nil, "strand: %v", err)
		os.Exit(1)
	}
}

// delegate composes every message family a registered Strand receives into
// handlers owned by this binary: shared-listener responses, collapsed-
// forwarding drains, and the cache-manager action framework. Disk-IO
// notifications are logged only -- the store engines' own in-process
// callbacks already drive every StoreIOState transition this binary
// performs.
type delegate struct {
	sl  *sharedlisten.Requester
	cf  *cfqueue.Set
	cm  *cachemgr.StrandService
	ctl *controller.Controller
}

func (d *delegate) HandleSharedListenResponse(ctx context.Context, m msgtypes.SharedListenResponse, fd int, hasFD bool) {
	d.sl.HandleSharedListenResponse(ctx, m, fd, hasFD)
}

func (d *delegate) HandleIpcIoNotification(ctx context.Context, m msgtypes.IpcIoNotification) {
	corelog.Debugf(nil, "strand: ipc io notification for key %x", m.Key)
}

func (d *delegate) HandleCollapsedForwardingNotification(ctx context.Context, m msgtypes.CollapsedForwardingNotification) {
	if d.cf == nil {
		return
	}
	elems, err := d.cf.Drain(m.FromKid, kidID)
	if err != nil {
		corelog.Errorf(ctx, nil, "strand: drain cf queue from kid %d: %v", m.FromKid, err)
		return
	}
	for _, el := range elems {
		d.ctl.DeliverNewData(el.EntryRef)
	}
}

func (d *delegate) HandleCacheMgrRequest(ctx context.Context, m msgtypes.CacheMgrRequest) {
	d.cm.HandleCacheMgrRequest(ctx, m)
}

func (d *delegate) HandleCacheMgrResponse(ctx context.Context, m msgtypes.CacheMgrResponse) {
	d.cm.HandleCacheMgrResponse(ctx, m)
}

func kidPath(stateDir string, kid int32) string {
	return filepath.Join(stateDir, fmt.Sprintf("kid-%d.ipc", kid))
}

// buildEngines constructs one store.Engine per configured cache_dir, in
// declaration order (dirN == index).
func buildEngines(dirs []coreconfig.CacheDirConfig, strategy *diskio.Strategy) ([]store.Engine, error) {
	engines := make([]store.Engine, 0, len(dirs))
	for i, d := range dirs {
		dirN := int32(i)
		switch d.Kind {
		case "", "ufs":
			engines = append(engines, ufs.New(dirN, ufs.Config{
				Path:          d.Path,
				SizeMB:        d.SizeMB,
				L1:            d.L1,
				L2:            d.L2,
				ReadOnly:      d.ReadOnly,
				MinObjectSize: d.MinObjectSize,
			}, strategy))
		case "coss":
			e, err := coss.New(dirN, coss.Config{
				Path:      d.Path,
				SizeMB:    d.SizeMB,
				MaxSize:   d.MaxSize,
				BlockSize: d.BlockSize,
				IOEngine:  d.IOEngine,
				ReadOnly:  d.ReadOnly,
			}, strategy)
			if err != nil {
				return nil, errors.Wrapf(err, "strand: coss cache_dir %s", d.Path)
			}
			engines = append(engines, e)
		default:
			return nil, errors.Errorf("strand: unknown cache_dir kind %q for %s", d.Kind, d.Path)
		}
	}
	return engines, nil
}

func run(ctx context.Context, cfg coreconfig.Config, kidID int32, tag string) error {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return errors.Wrapf(err, "strand: mkdir %s", cfg.StateDir)
	}
	myPath := kidPath(cfg.StateDir, kidID)
	coordPath := filepath.Join(cfg.StateDir, "coordinator.ipc")

	strategy := diskio.New(len(cfg.CacheDirs))
	engines, err := buildEngines(cfg.CacheDirs, strategy)
	if err != nil {
		return err
	}

	d := &delegate{}
	strand, err := port.NewStrand(myPath, kidID, tag, coordPath, d)
	if err != nil {
		return errors.Wrap(err, "strand: bind")
	}
	defer strand.Port.Endpoint.Close()

	d.sl = sharedlisten.NewRequester(strand.Port.Endpoint)

	cfCapacity := cfg.CollapsedForwardingCapacity
	notify := func(consumerKid, fromKid int32) {
		msg := msgtypes.CollapsedForwardingNotification{FromKid: fromKid}
		f, err := msg.Encode()
		if err != nil {
			corelog.Errorf(nil, nil, "strand: encode collapsed-forwarding notification: %v", err)
			return
		}
		if err := strand.Port.Endpoint.Send(context.Background(), kidPath(cfg.StateDir, consumerKid), f); err != nil {
			corelog.Errorf(nil, nil, "strand: notify kid %d: %v", consumerKid, err)
		}
	}
	cf := cfqueue.NewSet(cfg.StateDir, cfCapacity, notify)
	defer cf.Close()
	d.cf = cf

	workers := cfg.Workers
	if workers <= 0 {
		workers = len(cfg.CacheDirs)
	}
	peers := func() []int32 {
		var out []int32
		for i := int32(1); i <= int32(workers); i++ {
			if i != kidID {
				out = append(out, i)
			}
		}
		return out
	}
	ctl := controller.New(kidID, engines, cf, peers)
	d.ctl = ctl
	if err := ctl.Init(ctx); err != nil {
		return errors.Wrap(err, "strand: init engines")
	}

	registry := cachemgr.NewRegistry()
	stats := cachemgr.NewStats(time.Now(), func() (uint64, error) { return cf.Dropped() })
	snapshotPath := filepath.Join(cfg.StateDir, fmt.Sprintf("cachemgr-stats-kid-%d.boltdb", kidID))
	if err := stats.OpenSnapshot(snapshotPath); err != nil {
		corelog.Errorf(ctx, nil, "strand: open cachemgr snapshot: %v", err)
	}
	defer stats.CloseSnapshot()
	offline := new(int32)
	cachemgr.RegisterBuiltins(registry, kidID, stats, offline, func() []string {
		var out []string
		for _, e := range ctl.Engines() {
			out = append(out, e.CanonicalConfig())
		}
		return out
	})
	forwarder := coordination.NewForwarder(strand.Port.Endpoint, cfg.ForwarderTimeout)
	d.cm = cachemgr.NewStrandService(registry, strand.Port.Endpoint, forwarder, coordPath)

	if err := strand.Register(ctx); err != nil {
		return errors.Wrap(err, "strand: register")
	}

	corelog.Infof(nil, "strand: kid %d listening on %s", kidID, myPath)
	return strand.Port.Run(ctx)
}
