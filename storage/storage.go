// Package storage implements the crash-safe persistence layer from spec
// §4.9: an append-only block log plus a bbolt-backed store for metadata,
// the ban list, and the peer anchor list.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/logger"
	"github.com/pqcoin/pqnode/txmodel"
)

var log = logger.Subsystem("STOR")

var (
	metaBucket    = []byte("metadata")
	bannedBucket  = []byte("banned")
	anchorBucket  = []byte("anchors")
	walletBucket  = []byte("wallet")
)

const (
	metaKey     = "chain"
	walletKey   = "keys"
	banTTL      = 24 * time.Hour
	maxAnchors  = 10
	blockLogName = "blocks.log"
	dbName       = "pqnode.db"
)

// Metadata is the small record overwritten atomically after every block.
type Metadata struct {
	Height      uint64   `json:"height"`
	Difficulty  [32]byte `json:"difficulty"`
	GenesisHash [32]byte `json:"genesisHash"`
}

// Anchor is a previously-connected outbound peer, kept to bootstrap future
// startups without a DNS seed round-trip.
type Anchor struct {
	Address  string    `json:"address"`
	LastSeen time.Time `json:"lastSeen"`
}

// Store implements chain.Storage plus the ban-list/anchor-list/wallet
// surfaces the p2p transport and node facade need.
type Store struct {
	dataDir string
	db      *bolt.DB
	logFile *os.File
}

// Open opens (creating if absent) the storage directory's bbolt database
// and block log, pruning expired bans on load per spec §4.9.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}

	db, err := bolt.Open(filepath.Join(dataDir, dbName), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bbolt database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{metaBucket, bannedBucket, anchorBucket, walletBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize buckets")
	}

	logFile, err := os.OpenFile(filepath.Join(dataDir, blockLogName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to open block log")
	}

	s := &Store{dataDir: dataDir, db: db, logFile: logFile}
	if err := s.pruneExpiredBans(); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "failed to prune expired bans")
	}
	return s, nil
}

// Close releases the underlying database and log file handles.
func (s *Store) Close() error {
	var firstErr error
	if err := s.logFile.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AppendBlock writes one length-prefixed JSON record to the block log.
// Implements chain.Storage.
func (s *Store) AppendBlock(b *block.Block) error {
	record, err := json.Marshal(blockRecord{
		Header:       b.Header.Serialize(),
		Hash:         b.Hash,
		Height:       b.Height,
		Transactions: b.Transactions,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal block record")
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(record)))

	if _, err := s.logFile.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "failed to write block record length")
	}
	if _, err := s.logFile.Write(record); err != nil {
		return errors.Wrap(err, "failed to write block record")
	}
	return s.logFile.Sync()
}

// blockRecord is the on-disk shape of a single block-log entry. The header
// is kept pre-serialized so LoadBlocks never needs to guess field order.
type blockRecord struct {
	Header       []byte                  `json:"header"`
	Hash         [32]byte                `json:"hash"`
	Height       uint64                  `json:"height"`
	Transactions []*txmodel.Transaction  `json:"transactions"`
}

// LoadBlocks replays the block log from the beginning, stopping (without
// error) at the first short or corrupt trailing record, per spec §4.9's
// "truncated at the last known good offset" recovery rule.
func (s *Store) LoadBlocks() ([]RawBlock, error) {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to seek block log")
	}
	defer s.logFile.Seek(0, io.SeekEnd)

	var out []RawBlock
	var offset int64
	for {
		var lenPrefix [4]byte
		n, err := io.ReadFull(s.logFile, lenPrefix[:])
		if err == io.EOF {
			break
		}
		if err != nil || n != 4 {
			log.Warnf("block log truncated at offset %d reading length prefix, stopping replay", offset)
			break
		}
		recLen := binary.BigEndian.Uint32(lenPrefix[:])

		buf := make([]byte, recLen)
		n, err = io.ReadFull(s.logFile, buf)
		if err != nil || uint32(n) != recLen {
			log.Warnf("block log truncated at offset %d reading record body, stopping replay", offset)
			break
		}

		var rec blockRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			log.Warnf("block log corrupt record at offset %d, stopping replay", offset)
			break
		}

		out = append(out, RawBlock{Header: rec.Header, Hash: rec.Hash, Height: rec.Height, Transactions: rec.Transactions})
		offset += int64(4 + recLen)
	}

	if err := s.logFile.Truncate(offset); err != nil {
		return nil, errors.Wrap(err, "failed to truncate block log to last good record")
	}
	return out, nil
}

// RawBlock is the decoded-but-not-reconstructed form LoadBlocks returns;
// the caller (chain package, at startup) is responsible for turning this
// back into a *block.Block and re-deriving its hash for verification.
type RawBlock struct {
	Header       []byte
	Hash         [32]byte
	Height       uint64
	Transactions []*txmodel.Transaction
}

// ToBlock reconstructs a *block.Block from a RawBlock, re-deriving the
// header from its serialized bytes. Callers should compare the result's
// computed hash against b.Hash as a load-time integrity check.
func (b RawBlock) ToBlock() (*block.Block, error) {
	h, err := block.DeserializeHeader(b.Header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deserialize block header")
	}
	return &block.Block{Header: *h, Hash: b.Hash, Transactions: b.Transactions, Height: b.Height}, nil
}

// WriteMetadata atomically overwrites the chain metadata record via
// bbolt's transactional update (bbolt itself does the fsync-on-commit
// atomicity the spec asks for). Implements chain.Storage.
func (s *Store) WriteMetadata(height uint64, difficulty [32]byte, genesisHash [32]byte) error {
	m := Metadata{Height: height, Difficulty: difficulty, GenesisHash: genesisHash}
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(metaKey), data)
	})
}

// ReadMetadata loads the last-written chain metadata record, if any.
func (s *Store) ReadMetadata() (Metadata, bool, error) {
	var m Metadata
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get([]byte(metaKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return Metadata{}, false, errors.Wrap(err, "failed to read metadata")
	}
	return m, found, nil
}

// Ban records a peer IP as banned until expiry, spec §4.10's 24h TTL.
func (s *Store) Ban(ip string) error {
	expiry := time.Now().Add(banTTL)
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(expiry.UnixMilli()))
		return tx.Bucket(bannedBucket).Put([]byte(ip), buf[:])
	})
}

// IsBanned reports whether ip is currently under an unexpired ban.
func (s *Store) IsBanned(ip string) (bool, error) {
	var banned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bannedBucket).Get([]byte(ip))
		if data == nil {
			return nil
		}
		expiryMs := binary.BigEndian.Uint64(data)
		banned = time.Now().UnixMilli() < int64(expiryMs)
		return nil
	})
	return banned, errors.Wrap(err, "failed to check ban status")
}

// pruneExpiredBans removes ban records whose TTL has elapsed, per spec
// §4.9 ("pruned on load").
func (s *Store) pruneExpiredBans() error {
	now := time.Now().UnixMilli()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bannedBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			expiryMs := binary.BigEndian.Uint64(v)
			if now >= int64(expiryMs) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordAnchor upserts a successfully-connected outbound peer into the
// anchor list, keeping only the maxAnchors most-recently-seen, spec §4.9.
func (s *Store) RecordAnchor(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(anchorBucket)

		anchors, err := readAnchorsLocked(b)
		if err != nil {
			return err
		}

		now := time.Now()
		filtered := anchors[:0]
		for _, a := range anchors {
			if a.Address != address {
				filtered = append(filtered, a)
			}
		}
		filtered = append(filtered, Anchor{Address: address, LastSeen: now})
		sortAnchorsNewestFirst(filtered)
		if len(filtered) > maxAnchors {
			filtered = filtered[:maxAnchors]
		}

		return writeAnchorsLocked(b, filtered)
	})
}

// Anchors returns up to maxAnchors most-recently-seen outbound peers,
// newest first, used to bootstrap future starts.
func (s *Store) Anchors() ([]Anchor, error) {
	var out []Anchor
	err := s.db.View(func(tx *bolt.Tx) error {
		anchors, err := readAnchorsLocked(tx.Bucket(anchorBucket))
		out = anchors
		return err
	})
	return out, errors.Wrap(err, "failed to read anchors")
}

const anchorListKey = "list"

func readAnchorsLocked(b *bolt.Bucket) ([]Anchor, error) {
	data := b.Get([]byte(anchorListKey))
	if data == nil {
		return nil, nil
	}
	var anchors []Anchor
	if err := json.Unmarshal(data, &anchors); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal anchor list")
	}
	return anchors, nil
}

func writeAnchorsLocked(b *bolt.Bucket, anchors []Anchor) error {
	data, err := json.Marshal(anchors)
	if err != nil {
		return errors.Wrap(err, "failed to marshal anchor list")
	}
	return b.Put([]byte(anchorListKey), data)
}

func sortAnchorsNewestFirst(anchors []Anchor) {
	for i := 1; i < len(anchors); i++ {
		for j := i; j > 0 && anchors[j].LastSeen.After(anchors[j-1].LastSeen); j-- {
			anchors[j], anchors[j-1] = anchors[j-1], anchors[j]
		}
	}
}

// SaveWallet persists the miner's PQ key pair, spec §4.9's optional
// wallet.json.
func (s *Store) SaveWallet(publicKey, privateKey []byte) error {
	data, err := json.Marshal(walletRecord{PublicKey: publicKey, PrivateKey: privateKey})
	if err != nil {
		return errors.Wrap(err, "failed to marshal wallet")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(walletBucket).Put([]byte(walletKey), data)
	})
}

// LoadWallet returns the persisted miner key pair, if one was saved.
func (s *Store) LoadWallet() (publicKey, privateKey []byte, found bool, err error) {
	var rec walletRecord
	dbErr := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(walletBucket).Get([]byte(walletKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if dbErr != nil {
		return nil, nil, false, errors.Wrap(dbErr, "failed to load wallet")
	}
	return rec.PublicKey, rec.PrivateKey, found, nil
}

type walletRecord struct {
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}
