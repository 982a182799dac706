package merkle

import (
	"ReceiptChain/internal/observability/metrics"
	"ReceiptChain/internal/receipt"
)

// Position says which child the current node was at a proof level.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// ProofStep is one level of an inclusion path.
type ProofStep struct {
	Sibling  string   `json:"sibling"`
	Position Position `json:"position"`
}

// Proof links a leaf digest to the root.
type Proof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafDigest string      `json:"leaf_digest"`
	Path       []ProofStep `json:"path"`
}

// Disclosure proves one receipt belongs to a batch without revealing the
// other leaves.
type Disclosure struct {
	Receipt    *receipt.Receipt `json:"receipt"`
	Proof      Proof            `json:"proof"`
	RootDigest string           `json:"root_digest"`
}

// GenerateProof walks from leaf i to the root through parent links.
func (t *Tree) GenerateProof(i int) (Proof, error) {
	if err := t.checkIndex(i); err != nil {
		return Proof{}, err
	}
	idx := t.leaves[i]
	proof := Proof{LeafIndex: i, LeafDigest: t.nodes[idx].digest}
	for t.nodes[idx].parent != none {
		parent := t.nodes[t.nodes[idx].parent]
		if parent.left == idx {
			proof.Path = append(proof.Path, ProofStep{Sibling: t.nodes[parent.right].digest, Position: Left})
		} else {
			proof.Path = append(proof.Path, ProofStep{Sibling: t.nodes[parent.left].digest, Position: Right})
		}
		idx = t.nodes[idx].parent
	}
	return proof, nil
}

// ProofFor returns the proof for the receipt with the given id.
func (t *Tree) ProofFor(receiptID string) (Proof, error) {
	i, ok := t.IndexOf(receiptID)
	if !ok {
		return Proof{}, t.checkIndex(-1)
	}
	return t.GenerateProof(i)
}

// Reveal returns leaf i's receipt, its proof and the root.
func (t *Tree) Reveal(i int) (Disclosure, error) {
	proof, err := t.GenerateProof(i)
	if err != nil {
		return Disclosure{}, err
	}
	return Disclosure{
		Receipt:    t.receipts[i].Clone(),
		Proof:      proof,
		RootDigest: t.RootDigest(),
	}, nil
}

// VerifyProof folds path over leafDigest and compares the result with root
// in constant time. Unknown positions never verify.
func VerifyProof(leafDigest, root string, path []ProofStep) bool {
	ok := verifyProof(leafDigest, root, path)
	metrics.ObserveVerification(metrics.StageMerkle, ok)
	return ok
}

func verifyProof(leafDigest, root string, path []ProofStep) bool {
	current := leafDigest
	for _, step := range path {
		switch step.Position {
		case Left:
			current = Combine(current, step.Sibling)
		case Right:
			current = Combine(step.Sibling, current)
		default:
			return false
		}
	}
	return receipt.EqualDigests(current, root)
}

// VerifyDisclosure checks that the disclosed receipt is the proven leaf and
// that the proof reaches the disclosed root. It does not check the receipt's
// signature or the package behind it.
func VerifyDisclosure(d Disclosure) bool {
	if d.Receipt == nil || !receipt.EqualDigests(d.Receipt.PackageHash, d.Proof.LeafDigest) {
		metrics.ObserveVerification(metrics.StageMerkle, false)
		return false
	}
	return VerifyProof(d.Proof.LeafDigest, d.RootDigest, d.Proof.Path)
}
