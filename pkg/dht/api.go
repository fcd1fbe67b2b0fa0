package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/routing"
)

func (n *Node) replication(requested uint8) uint8 {
	if requested == 0 {
		return 1
	}
	if requested > n.config.MaxReplication {
		return n.config.MaxReplication
	}
	return requested
}

// handleDhtPut stores the value on each replica position. The API has no
// success reply for a put, so only a total failure is answered.
func (n *Node) handleDhtPut(ctx context.Context, m *protocol.DhtPut) protocol.Message {
	replicas := n.replication(m.Replication)
	stored := 0

	for i := uint8(0); i < replicas; i++ {
		put := &protocol.StoragePut{
			TTL:              m.TTL,
			ReplicationIndex: i,
			Key:              m.Key,
			Value:            m.Value,
		}
		if err := n.putReplica(ctx, put); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"key":     m.Key.String()[:8],
				"replica": i,
			}).Warn("replica put failed")
			continue
		}
		stored++
	}

	if stored == 0 {
		return &protocol.DhtFailure{Key: m.Key}
	}
	n.log.WithFields(logrus.Fields{"key": m.Key.String()[:8], "replicas": stored}).Debug("value stored")
	return nil
}

// handleDhtGet tries replica positions in order and returns the first hit.
func (n *Node) handleDhtGet(ctx context.Context, m *protocol.DhtGet) protocol.Message {
	for i := uint8(0); i < n.config.MaxReplication; i++ {
		value, err := n.getReplica(ctx, m.Key, i)
		if err == nil {
			return &protocol.DhtSuccess{Key: m.Key, Value: value}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return &protocol.DhtFailure{Key: m.Key}
}

var errReplicaMissing = errors.New("replica missing")

func (n *Node) putReplica(ctx context.Context, put *protocol.StoragePut) error {
	owner, err := n.Lookup(ctx, put.Key.ReplicaIdentifier(put.ReplicationIndex))
	if err != nil {
		return err
	}

	if owner.Identifier().Equal(n.Self().Identifier()) {
		return n.storage.Store(put.Key, put.Value, time.Duration(put.TTL)*time.Second)
	}

	reply, err := n.network.Request(ctx, owner.Address(), put)
	if err != nil {
		return err
	}
	switch r := reply.(type) {
	case *protocol.StoragePutSuccess:
		if !r.Matches(put.Value) {
			return fmt.Errorf("replica on %s acknowledged a different value", owner)
		}
		return nil
	case *protocol.StorageFailure:
		return fmt.Errorf("replica on %s: storage failure", owner)
	default:
		return fmt.Errorf("%w: %s to STORAGE_PUT", ErrUnexpectedReply, reply.Type())
	}
}

func (n *Node) getReplica(ctx context.Context, key routing.Key, index uint8) ([]byte, error) {
	owner, err := n.Lookup(ctx, key.ReplicaIdentifier(index))
	if err != nil {
		return nil, err
	}

	if owner.Identifier().Equal(n.Self().Identifier()) {
		return n.storage.Retrieve(key)
	}

	reply, err := n.network.Request(ctx, owner.Address(), &protocol.StorageGet{ReplicationIndex: index, Key: key})
	if err != nil {
		return nil, err
	}
	switch r := reply.(type) {
	case *protocol.StorageGetSuccess:
		return r.Value, nil
	case *protocol.StorageFailure:
		return nil, errReplicaMissing
	default:
		return nil, fmt.Errorf("%w: %s to STORAGE_GET", ErrUnexpectedReply, reply.Type())
	}
}
