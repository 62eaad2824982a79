// Package config defines the daemon's command-line flags, following the
// teacher's cmd/*/config.go convention of a single go-flags struct parsed
// once at startup.
package config

import (
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/pqcoin/pqnode/logger"
)

const (
	appDirName  = "pqnode"
	logFilename = "pqnoded.log"
)

// Config holds every flag the pqnoded entry point understands.
type Config struct {
	DataDir           string   `long:"datadir" description:"Directory to store the block log, metadata, and wallet"`
	Port              string   `long:"port" description:"Port the external HTTP read API would listen on (not served by this process)" default:"8332"`
	P2PPort           string   `long:"p2p-port" description:"Port to listen on for peer connections" default:"8333"`
	Seeds             []string `long:"seeds" description:"host:port of a peer to dial at startup; may be given multiple times"`
	SnapshotNDJSON    string   `long:"snapshot" description:"Path to the frozen-UTXO snapshot NDJSON file"`
	SnapshotBtcHeight uint64   `long:"snapshot-btc-height" description:"Bitcoin block height the snapshot was taken at"`
	SnapshotBtcHash   string   `long:"snapshot-btc-hash" description:"Bitcoin block hash the snapshot was taken at, 64-hex"`
	Mine              bool     `long:"mine" description:"Start mining immediately to the node's own wallet address"`
	Local             bool     `long:"local" description:"Bind only to loopback and accept private/loopback peer addresses, for single-host testing"`
	Simulate          bool     `long:"simulate" description:"Build a version-2 genesis and skip the snapshot requirement, for local demos"`
	LogLevel          string   `long:"loglevel" description:"Logging level: trace, debug, info, warn, error, critical" default:"info"`
}

// Parse parses os.Args into a Config, applying datadir-derived defaults
// the struct tags can't express (they depend on DataDir itself).
func Parse() (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve default data directory")
		}
		cfg.DataDir = dir
	}

	if !cfg.Simulate && cfg.SnapshotNDJSON == "" {
		return nil, errors.New("--snapshot is required unless --simulate is given")
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid --loglevel")
	}
	logger.SetLogLevels(level)

	if err := logger.InitLogRotator(filepath.Join(cfg.DataDir, logFilename), 3); err != nil {
		return nil, errors.Wrap(err, "failed to init log rotator")
	}

	return cfg, nil
}

// P2PListenAddr returns the address the transport should bind to.
func (c *Config) P2PListenAddr() string {
	host := "0.0.0.0"
	if c.Local {
		host = "127.0.0.1"
	}
	return host + ":" + c.P2PPort
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "."+appDirName), nil
}
