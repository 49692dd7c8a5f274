package dedupe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

var badgerKeyPrefix = []byte("seen\x00")

type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens (or creates) a Badger database in dir. An empty dir
// opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db, path: dir}, nil
}

func (s *BadgerStore) Load(ctx context.Context) (SeenSet, error) {
	_ = ctx
	seen := SeenSet{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerKeyPrefix); it.ValidForPrefix(badgerKeyPrefix); it.Next() {
			item := it.Item()
			identity, channel, err := splitBadgerKey(item.Key())
			if err != nil {
				return &StoreCorruptError{Backend: "badger", Path: s.path, Err: err}
			}
			version, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			record := seen[identity]
			if record.Channels == nil {
				record.Channels = map[string]string{}
			}
			record.Channels[channel] = string(version)
			seen[identity] = record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seen, nil
}

func (s *BadgerStore) Commit(ctx context.Context, advances []Advance) error {
	if len(advances) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, adv := range advances {
			if adv.Identity == "" || adv.Channel == "" {
				continue
			}
			key := badgerKey(adv.Identity, adv.Channel)
			item, err := txn.Get(key)
			switch {
			case err == nil:
				current, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if CompareVersions(adv.Version, string(current)) < 0 {
					continue
				}
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return err
			}
			if err := txn.Set(key, []byte(adv.Version)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func badgerKey(identity, channel string) []byte {
	key := make([]byte, 0, len(badgerKeyPrefix)+len(identity)+len(channel)+1)
	key = append(key, badgerKeyPrefix...)
	key = append(key, identity...)
	key = append(key, 0)
	key = append(key, channel...)
	return key
}

func splitBadgerKey(key []byte) (string, string, error) {
	rest := bytes.TrimPrefix(key, badgerKeyPrefix)
	identity, channel, ok := bytes.Cut(rest, []byte{0})
	if !ok || len(identity) == 0 || len(channel) == 0 {
		return "", "", fmt.Errorf("malformed key %q", key)
	}
	return string(identity), string(channel), nil
}
