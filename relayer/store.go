package relayer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCursor     = []byte("cursor")
	bucketDeliveries = []byte("deliveries")

	cursorKey = []byte("stream")
)

// Delivery outcomes recorded per source transaction.
const (
	DeliveryCompleted = "completed"
	DeliverySkipped   = "skipped"
)

// DeliveryState is the terminal outcome for one source transaction. Each
// transaction is written at most once; after a restart the stream replay
// consults this record instead of resubmitting.
type DeliveryState struct {
	TxnID     string    `json:"txnId"`
	Status    string    `json:"status"`
	Sequence  uint64    `json:"sequence"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists the stream cursor and per-transaction delivery outcomes.
type Store struct {
	db *bolt.DB
}

// NewStore initialises (and migrates) the BoltDB-backed relay journal.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCursor, bucketDeliveries} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Cursor returns the highest stream sequence already applied.
func (s *Store) Cursor() (uint64, error) {
	var cursor uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursor).Get(cursorKey)
		if len(raw) == 8 {
			cursor = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return cursor, err
}

// SetCursor advances the persisted cursor. Lower sequences are ignored so a
// replayed backlog cannot move the cursor backwards.
func (s *Store) SetCursor(sequence uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCursor)
		if raw := bucket.Get(cursorKey); len(raw) == 8 && binary.BigEndian.Uint64(raw) >= sequence {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, sequence)
		return bucket.Put(cursorKey, buf)
	})
}

// Delivery fetches the recorded outcome for a transaction, if present.
func (s *Store) Delivery(txnID string) (DeliveryState, bool, error) {
	var state DeliveryState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDeliveries).Get([]byte(txnID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &state)
	})
	if err != nil {
		return DeliveryState{}, false, err
	}
	if state.TxnID == "" {
		return DeliveryState{}, false, nil
	}
	return state, true, nil
}

// MarkDelivery records the outcome for a transaction. The first write wins:
// when a record already exists it is returned unchanged, so concurrent or
// replayed marks cannot flip a settled outcome.
func (s *Store) MarkDelivery(state DeliveryState) (DeliveryState, error) {
	if state.TxnID == "" {
		return DeliveryState{}, fmt.Errorf("relayer: delivery state requires a transaction id")
	}
	result := state
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		key := []byte(state.TxnID)
		if raw := bucket.Get(key); raw != nil {
			return json.Unmarshal(raw, &result)
		}
		if result.UpdatedAt.IsZero() {
			result.UpdatedAt = time.Now().UTC()
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return DeliveryState{}, err
	}
	return result, nil
}
