// Package consensus holds the small pieces of block-structure validation
// that must hold even under checkpoint/milestone bypass: every other
// consensus rule (script execution, UTXO accounting) is delegated to an
// external validator, per the organizer core's scope (spec §1 Non-goals).
package consensus

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// CheckStructure validates that msg has at least one transaction, that
// the first is a coinbase, and that the header's committed merkle root
// matches the transactions actually carried.
func CheckStructure(msg *wire.MsgBlock) error {
	if len(msg.Transactions) == 0 {
		return fmt.Errorf("block has no transactions")
	}

	if !IsCoinbase(msg.Transactions[0]) {
		return fmt.Errorf("first transaction is not a coinbase")
	}

	root := MerkleRoot(msg.Transactions)
	if root != msg.Header.MerkleRoot {
		return fmt.Errorf("merkle root mismatch")
	}

	return nil
}

// IsCoinbase reports whether tx is a coinbase transaction: exactly one
// input referencing the null outpoint.
func IsCoinbase(tx *wire.MsgTx) bool {
	return len(tx.TxIn) == 1 &&
		tx.TxIn[0].PreviousOutPoint.Index == 0xffffffff &&
		tx.TxIn[0].PreviousOutPoint.Hash == chainhash.Hash{}
}

// MerkleRoot computes the merkle root of txs using the standard Bitcoin
// double-sha256 pairwise-hash construction, duplicating the last element
// of an odd-length level.
func MerkleRoot(txs []*wire.MsgTx) chainhash.Hash {
	level := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.TxHash()
	}

	if len(level) == 1 {
		return level[0]
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}

	return level[0]
}

func hashPair(a, b chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])

	return chainhash.DoubleHashH(buf[:])
}
