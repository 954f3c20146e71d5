package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"

	"github.com/celestiaorg/go-pex"
)

var (
	storePrefix = datastore.NewKey("pex/peers")
	peersKey    = datastore.NewKey("peers")

	log = logging.Logger("pex/store")
)

// PeerStore is used to store/load peers to/from disk between runs.
type PeerStore struct {
	ds datastore.Datastore
}

// NewPeerStore creates a new PeerStore backed by the given datastore which is
// wrapped with `pex/peers` prefix.
func NewPeerStore(ds datastore.Datastore) *PeerStore {
	return &PeerStore{
		ds: namespace.Wrap(ds, storePrefix),
	}
}

// Load loads the peers from datastore. It returns an empty slice if nothing
// was stored yet.
func (ps *PeerStore) Load(ctx context.Context) ([]pex.Peer, error) {
	log.Debug("loading peers")

	bin, err := ps.ds.Get(ctx, peersKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return make([]pex.Peer, 0), nil
	}
	if err != nil {
		return make([]pex.Peer, 0), fmt.Errorf("peerstore: loading peers from datastore: %w", err)
	}

	var peers []pex.Peer
	err = json.Unmarshal(bin, &peers)
	if err != nil {
		return make([]pex.Peer, 0), fmt.Errorf("peerstore: unmarshalling peers: %w", err)
	}

	log.Infow("loaded peers from disk", "amount", len(peers))
	return peers, nil
}

// Put persists the given peers to the datastore replacing the stored ones.
func (ps *PeerStore) Put(ctx context.Context, peers []pex.Peer) error {
	log.Debugw("persisting peers to disk", "amount", len(peers))

	bin, err := json.Marshal(peers)
	if err != nil {
		return fmt.Errorf("peerstore: marshal peerlist: %w", err)
	}

	if err = ps.ds.Put(ctx, peersKey, bin); err != nil {
		return fmt.Errorf("peerstore: error writing to datastore: %w", err)
	}

	if err = ps.ds.Sync(ctx, peersKey); err != nil {
		return fmt.Errorf("peerstore: syncing datastore: %w", err)
	}

	log.Infow("persisted peers successfully", "amount", len(peers))
	return nil
}
