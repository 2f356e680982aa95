// Package offsets persists named consumer positions for a message buffer, so
// readers can resume from the last message they processed after a restart.
package offsets

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketCursors = []byte("cursors")

// Store tracks (name -> message ID) pairs in a bbolt database.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open creates or opens an offsets database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening offsets db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCursors)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing offsets db: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Save records the position of the named consumer.
func (s *Store) Save(name string, id int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(id))
		return tx.Bucket(bucketCursors).Put([]byte(name), buf)
	})
	if err != nil {
		return fmt.Errorf("saving offset for %s: %w", name, err)
	}
	s.logger.Debug("offset saved", zap.String("name", name), zap.Int64("id", id))
	return nil
}

// Load returns the saved position of the named consumer, and whether one
// exists.
func (s *Store) Load(name string) (int64, bool, error) {
	var (
		id    int64
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCursors).Get([]byte(name))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt offset entry for %s: %d bytes", name, len(v))
		}
		id = int64(binary.BigEndian.Uint64(v))
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// Delete removes the named consumer's position.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursors).Delete([]byte(name))
	})
}

// List returns all saved consumer positions.
func (s *Store) List() (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursors).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt offset entry for %s: %d bytes", k, len(v))
			}
			out[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
