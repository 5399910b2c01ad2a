// Package squidcore holds the flag set cmd/coordinator and cmd/strand
// share: one pflag.FlagSet built once and hung off every command,
// generalized here since this module has
// two independent binaries rather than one cobra command tree).
package squidcore

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/squidcore/storecore/internal/coreconfig"
)

// cacheDirValue implements pflag.Value so --cache-dir can be repeated,
// each occurrence appending one configured SwapDir rather than
// overwriting the last.
type cacheDirValue struct {
	dirs *[]coreconfig.CacheDirConfig
}

func (v *cacheDirValue) String() string { return "" }
func (v *cacheDirValue) Type() string    { return "cache-dir" }

func (v *cacheDirValue) Set(s string) error {
	cfg, err := parseCacheDir(s)
	if err != nil {
		return err
	}
	*v.dirs = append(*v.dirs, cfg)
	return nil
}

// parseCacheDir parses one cache_dir directive: space separated "<kind>
// <path> <size-mb>..." where the trailing arguments are "<L1> <L2>" for
// ufs/aufs or "key=value" pairs for coss.
func parseCacheDir(s string) (coreconfig.CacheDirConfig, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return coreconfig.CacheDirConfig{}, errors.Errorf("squidcore: malformed --cache-dir %q", s)
	}
	cfg := coreconfig.CacheDirConfig{Kind: fields[0], Path: fields[1]}
	sizeMB, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return cfg, errors.Wrapf(err, "squidcore: cache-dir size %q", fields[2])
	}
	cfg.SizeMB = sizeMB

	switch cfg.Kind {
	case "ufs", "aufs":
		cfg.Kind = "ufs"
		if len(fields) > 3 {
			if cfg.L1, err = strconv.Atoi(fields[3]); err != nil {
				return cfg, errors.Wrapf(err, "squidcore: cache-dir L1 %q", fields[3])
			}
		}
		if len(fields) > 4 {
			if cfg.L2, err = strconv.Atoi(fields[4]); err != nil {
				return cfg, errors.Wrapf(err, "squidcore: cache-dir L2 %q", fields[4])
			}
		}
	case "coss":
		for _, kv := range fields[3:] {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			val, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return cfg, errors.Wrapf(err, "squidcore: cache-dir option %q", kv)
			}
			switch parts[0] {
			case "max-size":
				cfg.MaxSize = val
			case "block-size":
				cfg.BlockSize = val
			}
		}
	default:
		return cfg, errors.Errorf("squidcore: unknown cache_dir kind %q", cfg.Kind)
	}
	return cfg, nil
}

// RegisterFlags installs the flags shared between cmd/coordinator and
// cmd/strand onto fs and returns the Config they populate, seeded with
// coreconfig.Default().
func RegisterFlags(fs *pflag.FlagSet) *coreconfig.Config {
	cfg := coreconfig.Default()

	fs.Var(&cacheDirValue{dirs: &cfg.CacheDirs}, "cache-dir",
		"cache_dir directive, repeatable: \"<ufs|coss> <path> <size-mb> [L1 L2 | max-size=N block-size=N]\"")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of strand (worker) processes; 0 derives from --cache-dir count")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory holding coordinator.ipc / kid-N.ipc control sockets")
	fs.Int64Var(&cfg.MemoryPoolsLimit, "memory-pools-limit", cfg.MemoryPoolsLimit, "memory pool byte ceiling, 0 for unlimited")
	fs.StringVar(&cfg.AcceptFilter, "accept-filter", cfg.AcceptFilter, "accept-filter name applied to listening sockets")
	fs.IntVar(&cfg.ClientIPMaxConns, "client-ip-max-connections", cfg.ClientIPMaxConns, "per-client-IP connection ceiling, 0 for unlimited")
	fs.DurationVar(&cfg.ForwarderTimeout, "forwarder-timeout", cfg.ForwarderTimeout, "cache-manager Forwarder.Ask timeout")
	fs.DurationVar(&cfg.RegistrationTimeout, "registration-timeout", cfg.RegistrationTimeout, "strand registration timeout")
	fs.IntVar(&cfg.CollapsedForwardingCapacity, "cf-queue-capacity", cfg.CollapsedForwardingCapacity, "collapsed-forwarding ring capacity per peer pair, 0 uses the package default")

	return &cfg
}
