// Package node is the main service which launches a watchtower and manages
// the lifecycle of all its associated services at runtime, such as the block
// processor, the reducer machine and the customer RPC, gracefully closing
// them if the process ends.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io/ioutil"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/PISAresearch/pisa/cmd"
	"github.com/PISAresearch/pisa/cmd/watchtower/flags"
	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/monitoring/backup"
	"github.com/PISAresearch/pisa/monitoring/clientstats"
	"github.com/PISAresearch/pisa/monitoring/prometheus"
	"github.com/PISAresearch/pisa/monitoring/tracing"
	"github.com/PISAresearch/pisa/runtime"
	"github.com/PISAresearch/pisa/runtime/prereqs"
	"github.com/PISAresearch/pisa/runtime/version"
	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/db"
	"github.com/PISAresearch/pisa/tower/db/kv"
	"github.com/PISAresearch/pisa/tower/eth1"
	"github.com/PISAresearch/pisa/tower/machine"
	"github.com/PISAresearch/pisa/tower/processor"
	"github.com/PISAresearch/pisa/tower/responder"
	"github.com/PISAresearch/pisa/tower/rpc"
	"github.com/PISAresearch/pisa/tower/watcher"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var towerVersionGauge = promauto.NewGaugeVec(prom.GaugeOpts{
	Name: "watchtower_version",
	Help: "The version of the running watchtower binary",
}, []string{"version", "commit"})

// WatchtowerNode defines a struct that handles the services running a PISA
// watchtower. It handles the lifecycle of the entire system and registers
// services to a service registry.
type WatchtowerNode struct {
	cliCtx     *cli.Context
	ctx        context.Context
	cancel     context.CancelFunc
	services   *runtime.ServiceRegistry
	lock       sync.RWMutex
	stop       chan struct{} // Channel to wait for termination notifications.
	db         db.Database
	eth1Client *eth1.RPCClient
	blocks     *blockcache.Cache
	responder  *responder.MultiResponder
	towerKey   *ecdsa.PrivateKey
	contract   common.Address
	chainID    *big.Int
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*WatchtowerNode, error) {
	if err := tracing.Setup(
		"watchtower", // service name
		cliCtx.String(cmd.TracingProcessNameFlag.Name),
		cliCtx.String(cmd.TracingEndpointFlag.Name),
		cliCtx.Float64(cmd.TraceSampleFractionFlag.Name),
		cliCtx.Bool(cmd.EnableTracingFlag.Name),
	); err != nil {
		return nil, err
	}

	// Warn if user's platform is not supported
	prereqs.WarnIfPlatformNotSupported(cliCtx.Context)

	if err := cmd.ConfigureWatchtower(cliCtx); err != nil {
		return nil, err
	}

	if cliCtx.IsSet(cmd.ChainConfigFileFlag.Name) {
		chainConfigFileName := cliCtx.String(cmd.ChainConfigFileFlag.Name)
		params.LoadTowerConfigFile(chainConfigFileName)
	}

	registry := runtime.NewServiceRegistry()

	ctx, cancel := context.WithCancel(cliCtx.Context)
	tower := &WatchtowerNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
	}

	towerVersionGauge.WithLabelValues(version.SemanticVersion(), version.GitCommit()).Set(1)

	contract := cliCtx.String(flags.TowerContractFlag.Name)
	if contract == "" {
		log.Fatal("Valid tower contract is required")
	}
	if !common.IsHexAddress(contract) {
		log.Fatalf("Invalid tower contract address given: %s", contract)
	}
	tower.contract = common.HexToAddress(contract)

	key, err := loadResponderKey(cliCtx)
	if err != nil {
		return nil, err
	}
	tower.towerKey = key

	if err := tower.startDB(cliCtx); err != nil {
		return nil, err
	}

	if err := tower.startEth1(cliCtx); err != nil {
		return nil, err
	}

	if err := tower.startBlockCache(); err != nil {
		return nil, err
	}

	if err := tower.registerProcessorService(); err != nil {
		return nil, err
	}

	if err := tower.registerMachineService(); err != nil {
		return nil, err
	}

	if err := tower.registerRPCService(); err != nil {
		return nil, err
	}

	if !cliCtx.Bool(cmd.DisableMonitoringFlag.Name) {
		if err := tower.registerPrometheusService(cliCtx); err != nil {
			return nil, err
		}
	}

	if err := tower.registerClientStatsService(); err != nil {
		return nil, err
	}

	return tower, nil
}

// Start the WatchtowerNode and kicks off every registered service.
func (w *WatchtowerNode) Start() {
	w.lock.Lock()

	log.WithFields(logrus.Fields{
		"version": version.Version(),
		"address": w.responder.Address().Hex(),
	}).Info("Starting watchtower node")

	w.services.StartAll()

	stop := w.stop
	w.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go w.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the watchtower node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (w *WatchtowerNode) Close() {
	w.lock.Lock()
	defer w.lock.Unlock()

	log.Info("Stopping watchtower node")
	w.services.StopAll()
	if err := w.db.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
	w.eth1Client.Close()
	w.cancel()
	close(w.stop)
}

// loadResponderKey resolves the tower's signing key from the CLI. A key file
// takes precedence over the raw flag so production setups keep the key off
// the command line.
func loadResponderKey(cliCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	if file := cliCtx.String(flags.ResponderKeyFileFlag.Name); file != "" {
		raw, err := ioutil.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read responder key file %s", file)
		}
		return parseResponderKey(string(raw))
	}
	if raw := cliCtx.String(flags.ResponderKeyFlag.Name); raw != "" {
		return parseResponderKey(raw)
	}
	return nil, errors.New("no responder key supplied, set --responder-key or --responder-key-file")
}

func parseResponderKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	key, err := gethcrypto.HexToECDSA(raw)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse responder key")
	}
	return key, nil
}

func (w *WatchtowerNode) startDB(cliCtx *cli.Context) error {
	baseDir := cliCtx.String(cmd.DataDirFlag.Name)
	dbPath := filepath.Join(baseDir, kv.WatchtowerDbDirName)
	clearDB := cliCtx.Bool(cmd.ClearDB.Name)
	forceClearDB := cliCtx.Bool(cmd.ForceClearDB.Name)

	log.WithField("database-path", dbPath).Info("Checking DB")

	d, err := db.NewDB(w.ctx, dbPath)
	if err != nil {
		return err
	}
	clearDBConfirmed := false
	if clearDB && !forceClearDB {
		actionText := "This will delete your watchtower database stored in your data directory. " +
			"Your database backups will not be removed - do you want to proceed? (Y/N)"
		deniedText := "Database will not be deleted. No changes have been made."
		clearDBConfirmed, err = cmd.ConfirmAction(actionText, deniedText)
		if err != nil {
			return err
		}
	}
	if clearDBConfirmed || forceClearDB {
		log.Warning("Removing database")
		if err := d.Close(); err != nil {
			return errors.Wrap(err, "could not close db prior to clearing")
		}
		if err := d.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		d, err = db.NewDB(w.ctx, dbPath)
		if err != nil {
			return errors.Wrap(err, "could not create new database")
		}
	}

	w.db = d
	return nil
}

func (w *WatchtowerNode) startEth1(cliCtx *cli.Context) error {
	endpoint := cliCtx.String(flags.HTTPWeb3ProviderFlag.Name)
	if endpoint == "" {
		log.Error("No eth1 node specified to run with the watchtower. You will need to specify --http-web3provider to attach an eth1 node.")
	}
	client, err := eth1.Dial(w.ctx, endpoint)
	if err != nil {
		return errors.Wrap(err, "could not connect to eth1 endpoint")
	}
	chainID, err := client.ChainID(w.ctx)
	if err != nil {
		return err
	}
	w.eth1Client = client
	w.chainID = chainID
	return nil
}

func (w *WatchtowerNode) startBlockCache() error {
	blocks, err := blockcache.New(w.db, params.TowerConfig().MaxBlockDepth)
	if err != nil {
		return errors.Wrap(err, "could not restore block cache")
	}
	w.blocks = blocks
	return nil
}

func (w *WatchtowerNode) registerProcessorService() error {
	maxRoutines := cmd.Get().MaxGoroutines
	svc := processor.NewService(w.ctx, &processor.Config{
		Client:      w.eth1Client,
		Blocks:      w.blocks,
		HeadDB:      w.db,
		MaxRoutines: maxRoutines,
	})
	return w.services.RegisterService(svc)
}

func (w *WatchtowerNode) registerMachineService() error {
	estimator := responder.NewGasEstimator(w.eth1Client)
	multi, err := responder.New(w.ctx, &responder.Config{
		Client:    w.eth1Client,
		Estimator: estimator,
		Heights:   w.blocks,
		Key:       w.towerKey,
		ChainID:   w.chainID,
	})
	if err != nil {
		return errors.Wrap(err, "could not initialize responder")
	}
	w.responder = multi

	if err := w.restoreResponderState(); err != nil {
		return err
	}

	var proc *processor.Service
	if err := w.services.FetchService(&proc); err != nil {
		return err
	}

	watch := watcher.New(&watcher.Config{
		Appointments: w.db,
		Blocks:       w.blocks,
		Responder:    multi,
	})

	svc, err := machine.NewService(w.ctx, &machine.Config{
		Database:   w.db,
		Blocks:     w.blocks,
		NewBlocks:  w.blocks.BlockFeed(),
		NewHeads:   proc.HeadFeed(),
		Components: []machine.Component{watch, responder.NewComponent(multi, w.blocks)},
	})
	if err != nil {
		return errors.Wrap(err, "could not register reducer machine")
	}
	return w.services.RegisterService(svc)
}

// restoreResponderState reseeds the responder's broadcast records from the
// state persisted at the last announced head, so a restart keeps reissuing
// transactions whose nonces it already holds.
func (w *WatchtowerNode) restoreResponderState() error {
	info, err := w.db.HeadInfo(w.ctx)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	val, ok := w.db.BlockItem(info.Hash, machine.StateKey(responder.ComponentName))
	if !ok {
		return nil
	}
	st, ok := val.(*responder.State)
	if !ok {
		return errors.Errorf("unexpected responder state type %T", val)
	}
	w.responder.Restore(st)
	return nil
}

func (w *WatchtowerNode) registerRPCService() error {
	host := w.cliCtx.String(flags.RPCHost.Name)
	port := w.cliCtx.Int(flags.RPCPort.Name)
	allowedOrigins := strings.Split(w.cliCtx.String(flags.RPCCorsDomain.Name), ",")
	svc := rpc.NewService(w.ctx, &rpc.Config{
		Host:           host,
		Port:           port,
		Appointments:   w.db,
		Blocks:         w.blocks,
		TowerKey:       w.towerKey,
		TowerContract:  w.contract,
		AllowedOrigins: allowedOrigins,
	})
	return w.services.RegisterService(svc)
}

func (w *WatchtowerNode) registerPrometheusService(cliCtx *cli.Context) error {
	var additionalHandlers []prometheus.Handler
	if cliCtx.IsSet(cmd.EnableBackupWebhookFlag.Name) {
		additionalHandlers = append(
			additionalHandlers,
			prometheus.Handler{
				Path:    "/db/backup",
				Handler: backup.Handler(w.db, cliCtx.String(cmd.BackupWebhookOutputDir.Name)),
			},
		)
	}

	service := prometheus.NewService(
		fmt.Sprintf("%s:%d", cliCtx.String(cmd.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name)),
		w.services,
		additionalHandlers...,
	)
	hook := prometheus.NewLogrusCollector()
	logrus.AddHook(hook)
	return w.services.RegisterService(service)
}

func (w *WatchtowerNode) registerClientStatsService() error {
	if !w.cliCtx.IsSet(flags.ClientStatsAPIURLFlag.Name) {
		return nil
	}
	scrapeURL := fmt.Sprintf(
		"http://%s:%d/metrics",
		w.cliCtx.String(cmd.MonitoringHostFlag.Name),
		w.cliCtx.Int(flags.MonitoringPortFlag.Name),
	)
	svc := clientstats.NewService(w.ctx, &clientstats.Config{
		ScrapeURL: scrapeURL,
		APIURL:    w.cliCtx.String(flags.ClientStatsAPIURLFlag.Name),
		Interval:  w.cliCtx.Duration(flags.ScrapeIntervalFlag.Name),
	})
	return w.services.RegisterService(svc)
}
