// Package store persists the lending ledger: accounts, pending
// credits, the event log, and node metadata. One committed transition
// becomes one atomic batch write.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"

	"github.com/luxfi/lend/pkg/lend"
)

// Key layout. Account and pending records are fixed-width binary;
// events are keyed by their big-endian sequence so replay is a dense
// sequence of point reads.
var (
	accountPrefix = []byte("account:")
	pendingPrefix = []byte("pending:")
	eventPrefix   = []byte("event:")
	indexKey      = []byte("meta:accounts")
	lastSeqKey    = []byte("meta:last_seq")
	heightKey     = []byte("meta:height")
)

const (
	addrLen    = 20
	amountLen  = 32
	accountLen = 2 * amountLen
	eventLen   = 8 + 1 + addrLen + amountLen
)

// AccountRecord is one persisted account with its pending credit.
type AccountRecord struct {
	Address    ids.ShortID
	Collateral *uint256.Int
	Debt       *uint256.Int
	Pending    *uint256.Int
}

// Store wraps the node database. Not safe for concurrent use; the
// node's serialized apply path is the only writer.
type Store struct {
	db database.Database

	// Addresses already present in the account index.
	known map[ids.ShortID]bool
}

// Open creates a store over db and loads the account index.
func Open(db database.Database) (*Store, error) {
	s := &Store{
		db:    db,
		known: make(map[ids.ShortID]bool),
	}
	raw, err := db.Get(indexKey)
	if err != nil {
		if err == database.ErrNotFound {
			return s, nil
		}
		return nil, fmt.Errorf("failed to load account index: %w", err)
	}
	if len(raw)%addrLen != 0 {
		return nil, fmt.Errorf("corrupt account index: %d bytes", len(raw))
	}
	for off := 0; off < len(raw); off += addrLen {
		id, err := ids.ToShortID(raw[off : off+addrLen])
		if err != nil {
			return nil, fmt.Errorf("corrupt account index: %w", err)
		}
		s.known[id] = true
	}
	return s, nil
}

func accountKey(id ids.ShortID) []byte {
	return append(append([]byte{}, accountPrefix...), id.Bytes()...)
}

func pendingKey(id ids.ShortID) []byte {
	return append(append([]byte{}, pendingPrefix...), id.Bytes()...)
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

func encodeAccount(collateral, debt *uint256.Int) []byte {
	buf := make([]byte, accountLen)
	c := collateral.Bytes32()
	d := debt.Bytes32()
	copy(buf[:amountLen], c[:])
	copy(buf[amountLen:], d[:])
	return buf
}

func encodeEvent(ev lend.Event) []byte {
	buf := make([]byte, eventLen)
	binary.BigEndian.PutUint64(buf[:8], ev.Sequence)
	buf[8] = byte(ev.Kind)
	copy(buf[9:9+addrLen], ev.Account.Bytes())
	a := ev.Amount.Bytes32()
	copy(buf[9+addrLen:], a[:])
	return buf
}

func decodeEvent(buf []byte) (lend.Event, error) {
	if len(buf) != eventLen {
		return lend.Event{}, fmt.Errorf("corrupt event record: %d bytes", len(buf))
	}
	addr, err := ids.ToShortID(buf[9 : 9+addrLen])
	if err != nil {
		return lend.Event{}, err
	}
	return lend.Event{
		Sequence: binary.BigEndian.Uint64(buf[:8]),
		Kind:     lend.EventKind(buf[8]),
		Account:  addr,
		Amount:   new(uint256.Int).SetBytes(buf[9+addrLen:]),
	}, nil
}

// CommitTransition persists one committed transition atomically: the
// account's new balances, its pending credit, the event, the sequence
// cursor, and (on first touch) the account index entry.
func (s *Store) CommitTransition(ev lend.Event, snap lend.AccountSnapshot) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(accountKey(snap.Address), encodeAccount(snap.Collateral, snap.Debt)); err != nil {
		return err
	}
	pending := snap.Pending.Bytes32()
	if err := batch.Put(pendingKey(snap.Address), pending[:]); err != nil {
		return err
	}
	if err := batch.Put(eventKey(ev.Sequence), encodeEvent(ev)); err != nil {
		return err
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, ev.Sequence)
	if err := batch.Put(lastSeqKey, seqBytes); err != nil {
		return err
	}

	if !s.known[snap.Address] {
		if err := batch.Put(indexKey, s.indexWith(snap.Address)); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.known[snap.Address] = true
	return nil
}

// indexWith returns the serialized account index including addr.
func (s *Store) indexWith(addr ids.ShortID) []byte {
	buf := make([]byte, 0, (len(s.known)+1)*addrLen)
	for id := range s.known {
		buf = append(buf, id.Bytes()...)
	}
	return append(buf, addr.Bytes()...)
}

// LastSequence returns the sequence of the most recently committed
// event, zero on a fresh database.
func (s *Store) LastSequence() (uint64, error) {
	raw, err := s.db.Get(lastSeqKey)
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt sequence cursor: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// PutHeight records the checkpoint height.
func (s *Store) PutHeight(height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return s.db.Put(heightKey, buf)
}

// Height returns the last checkpoint height, zero on a fresh database.
func (s *Store) Height() (uint64, error) {
	raw, err := s.db.Get(heightKey)
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt height record: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// LoadAccounts reads every persisted account through the index.
func (s *Store) LoadAccounts() ([]AccountRecord, error) {
	records := make([]AccountRecord, 0, len(s.known))
	for id := range s.known {
		raw, err := s.db.Get(accountKey(id))
		if err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", lend.FormatIdentity(id), err)
		}
		if len(raw) != accountLen {
			return nil, fmt.Errorf("corrupt account record for %s: %d bytes", lend.FormatIdentity(id), len(raw))
		}
		rec := AccountRecord{
			Address:    id,
			Collateral: new(uint256.Int).SetBytes(raw[:amountLen]),
			Debt:       new(uint256.Int).SetBytes(raw[amountLen:]),
			Pending:    uint256.NewInt(0),
		}
		if praw, err := s.db.Get(pendingKey(id)); err == nil {
			rec.Pending.SetBytes(praw)
		} else if err != database.ErrNotFound {
			return nil, fmt.Errorf("failed to load pending credit for %s: %w", lend.FormatIdentity(id), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadEvents replays the full event log in commit order.
func (s *Store) LoadEvents() ([]lend.Event, error) {
	last, err := s.LastSequence()
	if err != nil {
		return nil, err
	}
	events := make([]lend.Event, 0, last)
	for seq := uint64(1); seq <= last; seq++ {
		raw, err := s.db.Get(eventKey(seq))
		if err != nil {
			return nil, fmt.Errorf("failed to load event %d: %w", seq, err)
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Events returns up to limit decoded events with Sequence > since.
func (s *Store) Events(since uint64, limit int) ([]lend.Event, error) {
	last, err := s.LastSequence()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	events := make([]lend.Event, 0, limit)
	for seq := since + 1; seq <= last && len(events) < limit; seq++ {
		raw, err := s.db.Get(eventKey(seq))
		if err != nil {
			return nil, fmt.Errorf("failed to load event %d: %w", seq, err)
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
