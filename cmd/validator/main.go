// Command validator starts a full DAG-BFT validator node: primary,
// worker, BFT engine, ledger materializer, gateway, and syncer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/dagbft/bft"
	"github.com/tolelom/dagbft/config"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/gateway"
	"github.com/tolelom/dagbft/internal/nodeinit"
	"github.com/tolelom/dagbft/ledger"
	"github.com/tolelom/dagbft/pool"
	"github.com/tolelom/dagbft/primary"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/syncer"
	"github.com/tolelom/dagbft/validator"
	"github.com/tolelom/dagbft/worker"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	privateKeyHex := flag.String("private-key", "", "hex-encoded ed25519 private key (falls back to DAGBFT_PRIVATE_KEY)")
	network := flag.Uint("network", 0, "network id (0 keeps the config file's value)")
	dev := flag.Int("dev", -1, "devnet instance discriminator (-1 keeps the config file's value)")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit")
	validators := flag.String("validator", "", "comma-separated validator addresses to dial on startup, in addition to the config's seed_peers")
	flag.Parse()

	cfg, err := nodeinit.LoadConfig(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("validator: load config")
	}
	if *network != 0 {
		cfg.NetworkID = uint16(*network)
	}
	if *dev >= 0 {
		cfg.DevID = *dev
	}
	for _, addr := range strings.Split(*validators, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.SeedPeers = append(cfg.SeedPeers, config.SeedPeer{ID: addr, Addr: addr})
		}
	}

	if *genCerts != "" {
		if err := runGenCerts(cfg, *genCerts); err != nil {
			logrus.WithError(err).Fatal("validator: gencerts")
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("validator: invalid config")
	}

	privKey, err := nodeinit.LoadPrivateKey("DAGBFT_PRIVATE_KEY", *privateKeyHex)
	if err != nil {
		logrus.WithError(err).Fatal("validator: load private key")
	}
	address := privKey.Public().Hex()
	if _, ok := cfg.ValidatorForAddress(address); !ok {
		logrus.WithField("address", address).Fatal("validator: this key's address is not in genesis.validators")
	}

	genesisCommittee, err := config.BuildGenesisCommittee(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("validator: build genesis committee")
	}
	committeeSource := validator.NewStaticCommitteeSource(genesisCommittee)

	ledgerDir := nodeinit.ResolveLedgerDir("DAGBFT_LEDGER_DIR", cfg.DataDir)
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		logrus.WithError(err).Fatal("validator: create ledger dir")
	}
	db, err := storage.NewLevelDB(ledgerDir + "/chain")
	if err != nil {
		logrus.WithError(err).Fatal("validator: open storage")
	}
	defer db.Close()

	dag, err := storage.NewDAG(db, committeeSource)
	if err != nil {
		logrus.WithError(err).Fatal("validator: open DAG")
	}
	blockStore := storage.NewBlockStore(db)

	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventBlockMaterialized, func(ev events.Event) {
		logrus.WithFields(logrus.Fields{"height": ev.Height, "data": ev.Data}).Info("block materialized")
	})
	emitter.Subscribe(events.EventEquivocation, func(ev events.Event) {
		logrus.WithField("data", ev.Data).Warn("equivocation detected")
	})

	transmissionPool := pool.New()

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		logrus.WithError(err).Fatal("validator: load TLS config")
	}

	listenAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := gateway.NewNode(address, "validator", listenAddr, cfg.NetworkID, privKey, tlsCfg)
	adapter := validator.NewGatewayAdapter(node)

	w := worker.New(address, privKey, transmissionPool, adapter, adapter)

	cachePath := proposalCachePath(ledgerDir, cfg.NetworkID, cfg.DevID)
	cache, err := loadProposalCache(cachePath, address)
	if err != nil {
		logrus.WithError(err).Fatal("validator: load proposal cache")
	}
	pr := primary.New(address, privKey, dag, w, transmissionPool, adapter, emitter, committeeSource, cfg.RoundDelta, cache)
	pr.SetPersister(&fileCachePersister{path: cachePath})

	engine := bft.New(dag, emitter)
	mockLedger := ledger.NewMockLedgerService(genesisCommittee)
	materializer := ledger.New(blockStore, dag, mockLedger, w, privKey, emitter, cfg.GCDepth)
	if err := materializer.Init(); err != nil {
		logrus.WithError(err).Fatal("validator: init materializer")
	}

	sync := syncer.New(node, dag, blockStore, dag, committeeSource)

	v := validator.New(address, adapter, dag, w, pr, engine, materializer, committeeSource, cfg.RoundDelta, emitter, transmissionPool, sync)

	startRound := uint64(1)
	lastBlockHash := ""
	if tip := materializer.Tip(); tip != nil {
		startRound = tip.Header.Round + 2
		lastBlockHash = tip.Hash
	}
	v.Resume(startRound, lastBlockHash)

	if err := node.Start(); err != nil {
		logrus.WithError(err).Fatal("validator: start gateway")
	}
	defer node.Stop()
	logrus.WithField("addr", listenAddr).Info("gateway listening")

	for _, sp := range cfg.SeedPeers {
		if _, err := node.Dial(sp.Addr); err != nil {
			logrus.WithField("peer", sp.Addr).WithError(err).Warn("validator: seed dial failed")
			continue
		}
		logrus.WithField("peer", sp.Addr).Info("connected to seed peer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := v.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("validator: round loop exited unexpectedly")
		}
	}()
	logrus.WithField("address", address).Info("validator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutting down")
	cancel()
	<-runDone
	logrus.Info("shutdown complete")
}
