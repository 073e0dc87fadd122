package session

import (
	"time"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
)

// maxEpochSkip bounds how far ahead of the local epoch an inbound packet
// may claim to be. Deriving candidate keys costs one KDF step per epoch,
// so the bound keeps a forged header from burning unbounded CPU.
const maxEpochSkip = 64

// epochState is the live key material of one epoch: directional keys, the
// inbound replay window, and the outbound sequence counter. A session
// holds at most two of these, the current epoch and the one it replaced.
type epochState struct {
	epoch     uint32
	keys      crypto.EpochKeys
	window    *replayWindow
	sendSeq   uint64
	startedAt time.Time
	// retireAt is set once the epoch is superseded; after it passes the
	// key material is destroyed.
	retireAt time.Time
}

func (e *epochState) destroy() {
	e.keys.Destroy()
	e.window = nil
}

// keySchedule walks the one-way epoch chain. It holds the chain value for
// nextEpoch, the first epoch whose keys have not been derived yet. Earlier
// chain values are gone: the schedule can only move forward.
type keySchedule struct {
	chain     crypto.ChainKey
	nextEpoch uint32
	initiator bool
}

func newKeySchedule(chain crypto.ChainKey, initiator bool) *keySchedule {
	return &keySchedule{chain: chain, nextEpoch: 0, initiator: initiator}
}

// derive returns the keys for epoch and advances the chain past it.
// epoch must be >= nextEpoch.
func (ks *keySchedule) derive(epoch uint32) (crypto.EpochKeys, error) {
	keys, chain, err := ks.peek(epoch)
	if err != nil {
		return crypto.EpochKeys{}, err
	}
	crypto.Wipe(ks.chain[:])
	ks.chain = chain
	ks.nextEpoch = epoch + 1
	return keys, nil
}

// peek computes the keys for epoch without advancing the schedule, so an
// inbound packet claiming a future epoch can be authenticated before any
// state is committed. It also returns the chain value that derive would
// leave behind.
func (ks *keySchedule) peek(epoch uint32) (crypto.EpochKeys, crypto.ChainKey, error) {
	if epoch < ks.nextEpoch {
		return crypto.EpochKeys{}, crypto.ChainKey{}, ErrEpochRetired
	}
	if uint64(epoch)-uint64(ks.nextEpoch) > maxEpochSkip {
		return crypto.EpochKeys{}, crypto.ChainKey{}, ErrEpochRetired
	}
	chain := ks.chain
	for e := ks.nextEpoch; e < epoch; e++ {
		chain = crypto.NextChainKey(chain)
	}
	keys, err := crypto.DeriveEpochKeys(chain, epoch, ks.initiator)
	if err != nil {
		return crypto.EpochKeys{}, crypto.ChainKey{}, err
	}
	return keys, crypto.NextChainKey(chain), nil
}

// commit applies a chain value previously produced by peek.
func (ks *keySchedule) commit(epoch uint32, chain crypto.ChainKey) {
	crypto.Wipe(ks.chain[:])
	ks.chain = chain
	ks.nextEpoch = epoch + 1
}

func (ks *keySchedule) destroy() {
	crypto.Wipe(ks.chain[:])
}
