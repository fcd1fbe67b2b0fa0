package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/ringdht/pkg/routing"
)

// Badger persists values on disk. TTLs are enforced by badger itself.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a store in dir. An empty dir keeps the
// database in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logrus.WithField("component", "badger")})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Store(key routing.Key, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key[:], value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) Retrieve(key routing.Key) ([]byte, error) {
	var v []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key[:])
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key.String()[:8], err)
	}
	return v, nil
}

// Sweep runs badger's value log GC once. Expired keys are already hidden
// from reads; this reclaims their space.
func (b *Badger) Sweep() int {
	if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		logrus.WithError(err).Debug("badger value log gc")
	}
	return 0
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's output through logrus, one level down so
// badger's chatter stays out of info logs.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.Entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.Entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.Entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.Entry.Tracef(f, v...) }
