// Command miner is the proof-of-space-time miner binary: it manages a
// local plot fleet and drives the mining control loop against a chain
// state backed by leveldb, following the teacher's cmd-entrypoint
// style of a thin main wiring a zap logger, an ardanlabs/conf config,
// and a cobra command tree.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ardanlabs/conf/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wtran29/spacetime/foundation/blockchain/difficulty"
	"github.com/wtran29/spacetime/foundation/blockchain/genesis"
	"github.com/wtran29/spacetime/foundation/blockchain/mempool"
	"github.com/wtran29/spacetime/foundation/blockchain/miner"
	"github.com/wtran29/spacetime/foundation/blockchain/minerconfig"
	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/plotmgr"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
	"github.com/wtran29/spacetime/foundation/blockchain/state"
	"github.com/wtran29/spacetime/foundation/blockchain/storage/leveldb"
)

// build is stamped by the release pipeline; left as "develop" for a
// local build the way the teacher's main package does.
var build = "develop"

func main() {
	log, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log); err != nil {
		if errors.Is(err, errInvalidArgs) {
			log.Errorw("startup", "ERROR", err)
			os.Exit(2)
		}
		log.Errorw("startup", "ERROR", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.SugaredLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

var errInvalidArgs = errors.New("invalid arguments")

func run(log *zap.SugaredLogger) error {
	cfg, help, err := minerconfig.Parse(conf.Version{Build: build, Desc: "spacetime miner"})
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		if errors.Is(err, conf.ErrVersionWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("%w: %s", errInvalidArgs, err)
	}

	root := newRootCmd(log, cfg)
	return root.ExecuteContext(context.Background())
}

func newRootCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "miner",
		Short: "drive a proof-of-space-time plot fleet and mine against a chain",
	}

	root.AddCommand(
		newCreatePlotCmd(log, cfg),
		newListPlotsCmd(log, cfg),
		newDeletePlotCmd(log, cfg),
		newStartCmd(log, cfg),
		newStopCmd(log, cfg),
		newStatusCmd(log, cfg),
	)

	return root
}

func openPlotManager(cfg minerconfig.Config) (*plotmgr.Manager, error) {
	mgr, warnings, err := plotmgr.Open(cfg.Plots.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open plot registry: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	return mgr, nil
}

// =============================================================================
// create-plot

func newCreatePlotCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	var (
		outputPath  string
		sizeBytes   int64
		includeCache bool
		cacheLevels int
	)

	cmd := &cobra.Command{
		Use:   "create-plot",
		Short: "seal a new plot file and register it with this miner",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := loadSigner(cfg)
			if err != nil {
				return err
			}

			var seed [32]byte
			if _, err := rand.Read(seed[:]); err != nil {
				return fmt.Errorf("generate plot seed: %w", err)
			}

			plotCfg := plot.Config{
				SizeBytes:    sizeBytes,
				MinerPubKey:  pubKey32(signer.PublicKey()),
				PlotSeed:     seed,
				OutputPath:   outputPath,
				IncludeCache: includeCache,
				CacheLevels:  cacheLevels,
			}

			res, err := plot.Create(plotCfg, func(frac float64) {
				log.Infow("plotting", "progress", fmt.Sprintf("%.1f%%", frac*100))
			})
			if err != nil {
				return fmt.Errorf("create plot: %w", err)
			}

			mgr, err := openPlotManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			entry, err := mgr.AddPlot(outputPath)
			if err != nil {
				return fmt.Errorf("register plot: %w", err)
			}

			log.Infow("plot sealed", "id", entry.ID, "path", outputPath, "leaf_count", res.Header.LeafCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&outputPath, "out", "", "output path for the sealed plot file")
	cmd.Flags().Int64Var(&sizeBytes, "size-bytes", plot.MinPlotSizeBytes, "plot size in bytes")
	cmd.Flags().BoolVar(&includeCache, "include-cache", true, "write a top-level Merkle cache alongside the plot")
	cmd.Flags().IntVar(&cacheLevels, "cache-levels", 10, "number of top Merkle levels to cache")
	cmd.MarkFlagRequired("out") //nolint:errcheck

	return cmd
}

// =============================================================================
// list-plots / delete-plot

func newListPlotsCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list-plots",
		Short: "list every plot registered with this miner",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openPlotManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			for _, e := range mgr.List() {
				fmt.Printf("%s\t%s\tstatus=%s\tsize=%d\tleaves=%d\troot=%s\n", e.ID, e.Path, e.Status, e.SizeBytes, e.LeafCount, e.MerkleRoot)
			}
			return nil
		},
	}
}

func newDeletePlotCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	var (
		deleteFile bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "delete-plot [id]",
		Short: "unregister a plot by id, optionally removing its file from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteFile && !force {
				return fmt.Errorf("%w: --delete-file requires --force to confirm removing the plot file from disk", errInvalidArgs)
			}

			mgr, err := openPlotManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.DeletePlot(args[0], deleteFile); err != nil {
				return fmt.Errorf("%w: %s", errInvalidArgs, err)
			}
			log.Infow("plot unregistered", "id", args[0], "deleted_file", deleteFile)
			return nil
		},
	}

	cmd.Flags().BoolVar(&deleteFile, "delete-file", false, "also remove the plot file (and its cache file) from disk")
	cmd.Flags().BoolVar(&force, "force", false, "confirm --delete-file's destructive removal")

	return cmd
}

// =============================================================================
// start / status

func newStartCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the mining control loop until interrupted, optionally as a background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startMining(cmd.Context(), log, cfg, daemon)
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "fork into the background, tracked by a pidfile under storage.data-dir, instead of blocking in the foreground")

	return cmd
}

func newStopCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "signal a --daemon-started miner to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon(log, cfg)
		},
	}
}

// daemonPidEnvVar marks a process as the already-forked daemon child,
// so a re-exec of the same binary/args doesn't fork again.
const daemonPidEnvVar = "SPACETIME_MINER_DAEMON_CHILD"

func pidFilePath(cfg minerconfig.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "miner.pid")
}

// daemonize forks the current command into a detached background
// process tracked by a pidfile, the way a long-running service binary
// typically backgrounds itself absent a process supervisor. Called
// from the parent, it forks and reports forked=true so the caller can
// return immediately; called from the already-forked child (detected
// via daemonPidEnvVar), it is a no-op so the child runs the mining
// loop in place.
func daemonize(log *zap.SugaredLogger, cfg minerconfig.Config) (forked bool, err error) {
	if os.Getenv(daemonPidEnvVar) == "1" {
		return false, nil
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return false, fmt.Errorf("create data dir: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("resolve executable: %w", err)
	}

	logPath := filepath.Join(cfg.Storage.DataDir, "miner.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonPidEnvVar+"=1")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return false, fmt.Errorf("fork daemon: %w", err)
	}

	if err := os.WriteFile(pidFilePath(cfg), []byte(strconv.Itoa(child.Process.Pid)), 0o644); err != nil {
		return false, fmt.Errorf("write pidfile: %w", err)
	}

	log.Infow("miner daemonized", "pid", child.Process.Pid, "log", logPath, "pidfile", pidFilePath(cfg))
	return true, nil
}

// stopDaemon signals the process recorded in the pidfile and removes
// it; the daemonized process itself is responsible for exiting on
// SIGTERM via its signal.NotifyContext-derived context.
func stopDaemon(log *zap.SugaredLogger, cfg minerconfig.Config) error {
	path := pidFilePath(cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no daemonized miner is running (missing %s)", errInvalidArgs, path)
		}
		return fmt.Errorf("read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("%w: corrupt pidfile %s: %s", errInvalidArgs, path, err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal miner pid %d: %w", pid, err)
	}

	os.Remove(path) //nolint:errcheck
	log.Infow("stop signal sent", "pid", pid)
	return nil
}

func newStatusCmd(log *zap.SugaredLogger, cfg minerconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the local chain tip and plot fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := genesis.Load(cfg.Genesis.Path)
			if err != nil {
				return err
			}

			store, err := leveldb.Open(cfg.Storage.DataDir)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			st, err := newChainState(store, gen)
			if err != nil {
				return err
			}

			tipHash, height := st.Tip()
			mgr, err := openPlotManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			fmt.Printf("tip=%s height=%d plots=%d\n", tipHash, height, mgr.Count())
			return nil
		},
	}
}

func startMining(ctx context.Context, log *zap.SugaredLogger, cfg minerconfig.Config, daemon bool) error {
	if daemon {
		forked, err := daemonize(log, cfg)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if forked {
			return nil
		}
		defer os.Remove(pidFilePath(cfg)) //nolint:errcheck
	}

	gen, err := genesis.Load(cfg.Genesis.Path)
	if err != nil {
		return err
	}

	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	store, err := leveldb.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	st, err := newChainState(store, gen)
	if err != nil {
		return err
	}

	mgr, err := openPlotManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var scanCfg proof.ScanningConfig
	if cfg.Plots.QualityThresholdBits > 0 {
		bits := cfg.Plots.QualityThresholdBits
		scanCfg.QualityThresholdBits = &bits
	}
	if cfg.Plots.MaxLeavesPerScan > 0 {
		leaves := cfg.Plots.MaxLeavesPerScan
		scanCfg.MaxLeaves = &leaves
	}

	m, err := miner.New(miner.Config{
		Signer:              signer,
		AllowMockSigner:     cfg.Miner.AllowMockSigner,
		PlotManager:         mgr,
		State:               st,
		Genesis:             gen,
		ScanningConfig:      scanCfg,
		MaxConcurrentProofs: cfg.Plots.MaxConcurrentProofs,
		EvHandler: func(v string, args ...any) {
			log.Infow(fmt.Sprintf(v, args...))
		},
	})
	if err != nil {
		return fmt.Errorf("construct miner: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("miner starting", "network_id", gen.NetworkID, "plots", mgr.Count())
	if err := m.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("miner run: %w", err)
	}
	log.Infow("miner stopped")
	return nil
}

func newChainState(store *leveldb.Store, gen genesis.Genesis) (*state.State, error) {
	return state.New(state.Config{
		Storage:          store,
		Genesis:          gen,
		MempoolConfig:    mempool.DefaultConfig(),
		DifficultyConfig: difficulty.DefaultConfig(),
		MaxTxsPerBlock:   500,
		EvHandler:        func(v string, args ...any) {},
	})
}

func loadSigner(cfg minerconfig.Config) (signature.Signer, error) {
	if _, err := os.Stat(cfg.Miner.KeyPath); errors.Is(err, os.ErrNotExist) {
		if cfg.Miner.AllowMockSigner {
			return signature.MockSigner{}, nil
		}
		signer, err := signature.GenerateECDSASigner()
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return signer, nil
	}

	signer, err := signature.LoadECDSASigner(cfg.Miner.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return signer, nil
}

func pubKey32(compressed [33]byte) [32]byte {
	var out [32]byte
	copy(out[:], compressed[1:])
	return out
}
