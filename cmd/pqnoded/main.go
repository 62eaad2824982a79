// Command pqnoded runs a full pqnode validating and (optionally) mining
// node: it wires config, storage, chain state, mempool, the miner, p2p
// transport and sync/relay together behind the node facade.
package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/chain"
	"github.com/pqcoin/pqnode/config"
	"github.com/pqcoin/pqnode/crypto"
	"github.com/pqcoin/pqnode/logger"
	"github.com/pqcoin/pqnode/mempool"
	"github.com/pqcoin/pqnode/node"
	"github.com/pqcoin/pqnode/p2ptransport"
	"github.com/pqcoin/pqnode/snapshot"
	"github.com/pqcoin/pqnode/storage"
	"github.com/pqcoin/pqnode/txmodel"
)

var log = logger.Subsystem("MAIN")

// protocolVersion is the wire/handshake version this build speaks.
const protocolVersion = 1

// maxInitialDials caps how many address-book candidates pqnoded dials at
// startup, ahead of any addr-gossip driven dialing the sync layer may do.
const maxInitialDials = 8

func main() {
	if err := run(); err != nil {
		logger.Fatalf("%+v", err)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return errors.Wrap(err, "failed to parse configuration")
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "failed to open storage")
	}
	defer store.Close()

	wallet, err := loadOrCreateWallet(store)
	if err != nil {
		return errors.Wrap(err, "failed to load wallet")
	}

	snap, err := loadSnapshot(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to load snapshot")
	}

	chainState, genesis, err := bootstrapChain(cfg, store, snap, wallet)
	if err != nil {
		return errors.Wrap(err, "failed to bootstrap chain")
	}

	pool := mempool.New()
	n := node.New(chainState, pool, genesis, chain.StartingDifficulty, protocolVersion)

	transport := p2ptransport.New(p2ptransport.Config{
		ListenAddr:  cfg.P2PListenAddr(),
		LocalMode:   cfg.Local,
		GenesisHash: genesis.Hash,
		Version:     protocolVersion,
		Store:       store,
	}, chainState.Height)
	n.SetTransport(transport)
	seedAddressBook(transport, cfg, store)

	if err := n.Start(); err != nil {
		return errors.Wrap(err, "failed to start p2p transport")
	}
	log.Infof("pqnoded listening on %s, height %d, wallet %x", transport.ListenAddr(), chainState.Height(), wallet.Address)

	var dialGroup errgroup.Group
	dialKnownPeers(&dialGroup, transport)

	if cfg.Mine {
		log.Infof("mining enabled, paying to %x", wallet.Address)
		n.StartMining(wallet.Address)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Infof("shutting down")
	if err := n.Stop(); err != nil {
		log.Warnf("error stopping node: %v", err)
	}
	return dialGroup.Wait()
}

// loadOrCreateWallet returns the node's persisted PQ identity, generating
// and saving a fresh one on first run.
func loadOrCreateWallet(store *storage.Store) (*txmodel.Wallet, error) {
	pub, priv, found, err := store.LoadWallet()
	if err != nil {
		return nil, err
	}
	if found {
		return &txmodel.Wallet{
			KeyPair: &crypto.PQKeyPair{PublicKey: pub, PrivateKey: priv},
			Address: crypto.DeriveAddress(pub),
		}, nil
	}

	wallet, err := txmodel.NewWallet()
	if err != nil {
		return nil, err
	}
	if err := store.SaveWallet(wallet.KeyPair.PublicKey, wallet.KeyPair.PrivateKey); err != nil {
		return nil, err
	}
	return wallet, nil
}

// loadSnapshot reads the frozen-UTXO snapshot named by --snapshot, or
// returns nil when --simulate was given instead.
func loadSnapshot(cfg *config.Config) (*snapshot.Snapshot, error) {
	if cfg.SnapshotNDJSON == "" {
		return nil, nil
	}

	hashBytes, err := hex.DecodeString(cfg.SnapshotBtcHash)
	if err != nil || len(hashBytes) != 32 {
		return nil, errors.New("--snapshot-btc-hash must be 64 hex characters")
	}
	var btcHash [32]byte
	copy(btcHash[:], hashBytes)

	f, err := os.Open(cfg.SnapshotNDJSON)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot file")
	}
	defer f.Close()

	return snapshot.LoadNDJSON(f, cfg.SnapshotBtcHeight, btcHash)
}

// bootstrapChain reconstructs genesis deterministically from wallet and
// cfg, then replays any persisted block log on top of it. Difficulty is
// never trusted from the stored metadata on restart (spec requires it be
// regenerated so independently-restarted nodes converge); replay against a
// store-less State achieves that while avoiding re-appending blocks already
// on disk, and SetStorage attaches the live store only once replay is done.
func bootstrapChain(cfg *config.Config, store *storage.Store, snap *snapshot.Snapshot, wallet *txmodel.Wallet) (*chain.State, *block.Block, error) {
	genesisVersion := uint32(1)
	if cfg.Simulate {
		genesisVersion = 2
	}
	genesis := chain.BuildGenesis(wallet.Address, chain.GenesisTimestamp, chain.StartingDifficulty, genesisVersion)

	meta, found, err := store.ReadMetadata()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read chain metadata")
	}
	if found && meta.GenesisHash != genesis.Hash {
		return nil, nil, errors.New("stored chain's genesis does not match this node's wallet/configuration; refusing to start against a foreign chain")
	}

	raw, err := store.LoadBlocks()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load block log")
	}

	st, err := chain.NewState(genesis, chain.StartingDifficulty, snap, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to construct chain state")
	}
	for _, rb := range raw {
		b, err := rb.ToBlock()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to reconstruct block at height %d", rb.Height)
		}
		if recomputed := b.Header.Hash(); recomputed != b.Hash {
			return nil, nil, errors.Errorf("block log integrity check failed at height %d", rb.Height)
		}
		if err := st.AddBlock(b); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to replay persisted block at height %d", rb.Height)
		}
	}
	st.SetStorage(store)

	return st, genesis, nil
}

// seedAddressBook loads dial candidates from --seeds and the persisted
// anchor list into transport's address book.
func seedAddressBook(transport *p2ptransport.Transport, cfg *config.Config, store *storage.Store) {
	book := transport.AddressBook()
	book.AddMany(cfg.Seeds)

	anchors, err := store.Anchors()
	if err != nil {
		log.Warnf("failed to load peer anchors: %v", err)
		return
	}
	addrs := make([]string, len(anchors))
	for i, a := range anchors {
		addrs[i] = a.Address
	}
	book.AddMany(addrs)
}

// dialKnownPeers dials up to maxInitialDials address-book candidates in
// background goroutines supervised by g. Dial failures are logged, not
// propagated, so one unreachable seed can't bring down the rest; g.Wait at
// shutdown simply waits for every dial's peer loop to return once Stop
// closes the connections.
func dialKnownPeers(g *errgroup.Group, transport *p2ptransport.Transport) {
	book := transport.AddressBook()
	inUse := make(map[string]struct{})
	for i := 0; i < maxInitialDials; i++ {
		addr, ok := book.NextDialCandidate(inUse)
		if !ok {
			break
		}
		inUse[addr] = struct{}{}
		g.Go(func() error {
			if err := transport.Dial(addr); err != nil {
				log.Debugf("dial %s failed: %v", addr, err)
			}
			return nil
		})
	}
}
