// Command nonvalidator runs a full node that follows the chain without
// participating in consensus: it only runs the gateway, the syncer, and
// the ledger. No primary, worker, BFT engine, or private key is needed.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/dagbft/config"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/gateway"
	"github.com/tolelom/dagbft/internal/nodeinit"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/syncer"
	"github.com/tolelom/dagbft/validator"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	network := flag.Uint("network", 0, "network id (0 keeps the config file's value)")
	flag.Parse()

	cfg, err := nodeinit.LoadConfig(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("nonvalidator: load config")
	}
	if *network != 0 {
		cfg.NetworkID = uint16(*network)
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("nonvalidator: invalid config")
	}

	ledgerDir := nodeinit.ResolveLedgerDir("DAGBFT_LEDGER_DIR", cfg.DataDir)
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		logrus.WithError(err).Fatal("nonvalidator: create ledger dir")
	}
	db, err := storage.NewLevelDB(ledgerDir + "/chain")
	if err != nil {
		logrus.WithError(err).Fatal("nonvalidator: open storage")
	}
	defer db.Close()

	genesisCommittee, err := config.BuildGenesisCommittee(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("nonvalidator: build genesis committee")
	}
	committeeSource := validator.NewStaticCommitteeSource(genesisCommittee)

	dag, err := storage.NewDAG(db, committeeSource)
	if err != nil {
		logrus.WithError(err).Fatal("nonvalidator: open DAG")
	}
	blockStore := storage.NewBlockStore(db)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		logrus.WithError(err).Fatal("nonvalidator: load TLS config")
	}

	// An observer still needs a keypair to identify itself on the wire,
	// but it is never a genesis committee member and never signs a
	// proposal; a fresh ephemeral identity is generated each start.
	ephemeralKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		logrus.WithError(err).Fatal("nonvalidator: generate gossip identity")
	}

	listenAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := gateway.NewNode(ephemeralKey.Public().Hex(), "non_validator", listenAddr, cfg.NetworkID, ephemeralKey, tlsCfg)

	sync := syncer.New(node, dag, blockStore, dag, committeeSource)
	sync.SetBlockApplier(blockStore)

	if err := node.Start(); err != nil {
		logrus.WithError(err).Fatal("nonvalidator: start gateway")
	}
	defer node.Stop()
	logrus.WithField("addr", listenAddr).Info("gateway listening")

	tipHash, _ := blockStore.GetTip()
	startHeight := int64(1)
	if tipHash != "" {
		if tip, err := blockStore.GetBlock(tipHash); err == nil {
			startHeight = tip.Header.Height + 1
		}
	}
	for _, sp := range cfg.SeedPeers {
		peer, err := node.Dial(sp.Addr)
		if err != nil {
			logrus.WithField("peer", sp.Addr).WithError(err).Warn("nonvalidator: seed dial failed")
			continue
		}
		logrus.WithField("peer", sp.Addr).Info("connected to seed peer")
		end := startHeight + syncer.MaxBlockSyncCount
		if err := peer.Send(gateway.MsgBlockRequest, gateway.BlockRequestPayload{Start: startHeight, End: end}); err != nil {
			logrus.WithField("peer", sp.Addr).WithError(err).Warn("nonvalidator: initial block request failed")
		}
	}

	logrus.Info("nonvalidator running")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutdown complete")
}
