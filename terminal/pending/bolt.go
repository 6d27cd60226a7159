package pending

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	envelopeBucket = "envelopes"
	indexBucket    = "envelope_index"
)

// BoltBackend stores envelopes in a bbolt file so queued mutations survive a
// restart of the terminal. Envelopes are keyed by a bucket sequence number,
// which gives FIFO iteration; a second bucket maps idempotency keys to
// sequence numbers.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBoltBackend opens (or creates) the queue file at path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	b := &BoltBackend{db: db}
	if err := b.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltBackend) ensureBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{envelopeBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (b *BoltBackend) Put(ctx context.Context, env MutationEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		envelopes := tx.Bucket([]byte(envelopeBucket))
		index := tx.Bucket([]byte(indexBucket))

		seqKey := index.Get([]byte(env.IdempotencyKey))
		if seqKey == nil {
			seq, err := envelopes.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			seqKey = sequenceKey(seq)
			if err := index.Put([]byte(env.IdempotencyKey), seqKey); err != nil {
				return fmt.Errorf("index envelope: %w", err)
			}
		} else {
			// bbolt values are only valid inside the transaction.
			seqKey = append([]byte(nil), seqKey...)
		}
		return envelopes.Put(seqKey, payload)
	})
}

func (b *BoltBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(indexBucket))
		seqKey := index.Get([]byte(key))
		if seqKey == nil {
			return nil
		}
		seqKey = append([]byte(nil), seqKey...)
		if err := tx.Bucket([]byte(envelopeBucket)).Delete(seqKey); err != nil {
			return fmt.Errorf("delete envelope: %w", err)
		}
		return index.Delete([]byte(key))
	})
}

func (b *BoltBackend) List(ctx context.Context) ([]MutationEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []MutationEnvelope
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(envelopeBucket)).ForEach(func(_, v []byte) error {
			var env MutationEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("unmarshal envelope: %w", err)
			}
			out = append(out, env)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
