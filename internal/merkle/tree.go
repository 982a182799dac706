// Package merkle builds one-shot Merkle trees over receipt batches and
// produces selective disclosure proofs for individual receipts.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/receipt"
)

const none = -1

// node lives in the tree's arena. Links are arena indices so the tree owns
// every node and proofs walk upward without searching.
type node struct {
	digest string
	parent int
	left   int
	right  int
}

// Tree is immutable once built and safe for concurrent reads.
type Tree struct {
	nodes    []node
	leaves   []int
	receipts []*receipt.Receipt
	root     int
}

// Combine hashes two child digests as SHA-256("L" || left || "R" || right)
// over their hex forms.
func Combine(left, right string) string {
	h := sha256.New()
	h.Write([]byte("L"))
	h.Write([]byte(left))
	h.Write([]byte("R"))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// Build sorts receipts by package_hash (receipt_id breaks ties) and builds
// the tree bottom-up. A level with an odd node count pairs its last node
// with itself. The input slice is not modified.
func Build(receipts []*receipt.Receipt) (*Tree, error) {
	if len(receipts) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "cannot build a merkle tree without receipts")
	}
	sorted := make([]*receipt.Receipt, len(receipts))
	for i, r := range receipts {
		if r == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("receipt %d is nil", i))
		}
		if _, err := decodeDigest(r.PackageHash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
				fmt.Sprintf("receipt %s has a malformed package hash", r.ReceiptID))
		}
		sorted[i] = r
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PackageHash != sorted[j].PackageHash {
			return sorted[i].PackageHash < sorted[j].PackageHash
		}
		return sorted[i].ReceiptID < sorted[j].ReceiptID
	})

	t := &Tree{
		nodes:    make([]node, 0, 2*len(sorted)+1),
		leaves:   make([]int, len(sorted)),
		receipts: sorted,
	}
	level := make([]int, len(sorted))
	for i, r := range sorted {
		level[i] = t.add(node{digest: r.PackageHash, parent: none, left: none, right: none})
		t.leaves[i] = level[i]
	}
	for len(level) > 1 {
		next := make([]int, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			parent := t.add(node{
				digest: Combine(t.nodes[left].digest, t.nodes[right].digest),
				parent: none,
				left:   left,
				right:  right,
			})
			t.nodes[left].parent = parent
			t.nodes[right].parent = parent
			next = append(next, parent)
		}
		level = next
	}
	t.root = level[0]
	return t, nil
}

func (t *Tree) add(n node) int {
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

// RootDigest returns the root. A single-leaf tree's root is that leaf.
func (t *Tree) RootDigest() string { return t.nodes[t.root].digest }

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Receipts returns the leaves' receipts in leaf order.
func (t *Tree) Receipts() []*receipt.Receipt {
	out := make([]*receipt.Receipt, len(t.receipts))
	copy(out, t.receipts)
	return out
}

// IndexOf returns the leaf index of the receipt with the given id.
func (t *Tree) IndexOf(receiptID string) (int, bool) {
	for i, r := range t.receipts {
		if r.ReceiptID == receiptID {
			return i, true
		}
	}
	return 0, false
}

// Height returns the number of levels above the leaves.
func (t *Tree) Height() int {
	height := 0
	for idx := t.leaves[0]; t.nodes[idx].parent != none; idx = t.nodes[idx].parent {
		height++
	}
	return height
}

func (t *Tree) checkIndex(i int) error {
	if i < 0 || i >= len(t.leaves) {
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("leaf index %d out of range [0, %d)", i, len(t.leaves)))
	}
	return nil
}

func decodeDigest(digest string) ([]byte, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty digest")
	}
	return raw, nil
}
