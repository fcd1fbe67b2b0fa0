package dht

import (
	"time"

	"github.com/busybox42/ringdht/pkg/routing"
)

// Storage is the local key-value engine behind StorageGet/StoragePut.
type Storage interface {
	Store(key routing.Key, value []byte, ttl time.Duration) error
	Retrieve(key routing.Key) ([]byte, error)
}

// Sweeper is implemented by storages that need periodic expiry.
type Sweeper interface {
	Sweep() int
}
