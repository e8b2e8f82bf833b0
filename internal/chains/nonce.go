package chains

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager hands out nonces per sender. The network's pending nonce is
// the floor; a locally tracked next nonce covers transactions the node has
// not surfaced yet. The zero value is ready to use.
type NonceManager struct {
	mu    sync.Mutex
	next  map[common.Address]uint64
	locks map[common.Address]*sync.Mutex
}

func (n *NonceManager) lockFor(addr common.Address) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locks == nil {
		n.locks = make(map[common.Address]*sync.Mutex)
		n.next = make(map[common.Address]uint64)
	}
	l, ok := n.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		n.locks[addr] = l
	}
	return l
}

// Acquire locks addr and returns its next nonce. The caller must call
// release exactly once, with sent=true if a transaction using the nonce
// reached the node.
func (n *NonceManager) Acquire(ctx context.Context, client Client, addr common.Address) (nonce uint64, release func(sent bool), err error) {
	l := n.lockFor(addr)
	l.Lock()

	pending, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		l.Unlock()
		return 0, nil, fmt.Errorf("failed to get nonce from network: %w", err)
	}

	n.mu.Lock()
	nonce = pending
	if local, ok := n.next[addr]; ok && local > nonce {
		nonce = local
	}
	n.mu.Unlock()

	release = func(sent bool) {
		n.mu.Lock()
		if sent {
			n.next[addr] = nonce + 1
		} else {
			delete(n.next, addr)
		}
		n.mu.Unlock()
		l.Unlock()
	}
	return nonce, release, nil
}

func (n *NonceManager) ResetNonce(addr common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.next, addr)
}
