package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// Badger is a durable Store backed by Badger DB. Mutation notifications
// come from Badger's own update stream, so writers within the same process
// observe each other without any extra plumbing.
type Badger struct {
	db *badger.DB

	mu     sync.Mutex
	cancel map[int]context.CancelFunc
	nextID int
}

// NewBadger opens (or creates) the store at path.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil // badger's own logger is too chatty for an agent
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, cancel: make(map[int]context.CancelFunc)}, nil
}

func (b *Badger) Set(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *Badger) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Keys returns all keys under prefix, sorted. Badger iterates in key
// order already, so no extra sort is needed.
func (b *Badger) Keys(prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func (b *Badger) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *Badger) Subscribe(prefix string, fn func(Event)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.cancel[id] = cancel
	b.mu.Unlock()

	match := []pb.Match{{Prefix: []byte(prefix)}}
	go func() {
		_ = b.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				key := string(kv.Key)
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				if len(kv.Value) == 0 {
					fn(Event{Key: key, Deleted: true})
					continue
				}
				fn(Event{Key: key, Value: append([]byte(nil), kv.Value...)})
			}
			return nil
		}, match)
	}()

	return func() {
		b.mu.Lock()
		if c, ok := b.cancel[id]; ok {
			c()
			delete(b.cancel, id)
		}
		b.mu.Unlock()
	}, nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	for id, c := range b.cancel {
		c()
		delete(b.cancel, id)
	}
	b.mu.Unlock()
	return b.db.Close()
}
