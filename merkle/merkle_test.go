package merkle

import (
	"testing"
)

func TestRootAndProof(t *testing.T) {
	tree, err := NewTree(3)
	if err != nil {
		t.Fatal(err)
	}

	tree.AppendLeaf(HashLeaf([]byte("leaf1")))
	tree.AppendLeaf(HashLeaf([]byte("leaf2")))
	tree.AppendLeaf(HashLeaf([]byte("leaf3")))

	root := tree.Root()

	for i := 0; i < tree.Len(); i++ {
		leaf := tree.Leaf(i)

		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("Proof(%d): %v", i, err)
		}
		if !VerifyProof(leaf, proof, i, root) {
			t.Errorf("proof for leaf %d did not verify", i)
		}

		fromLevels, err := tree.ProofFromLevels(i)
		if err != nil {
			t.Fatalf("ProofFromLevels(%d): %v", i, err)
		}
		if !VerifyProof(leaf, fromLevels, i, root) {
			t.Errorf("level-built proof for leaf %d did not verify", i)
		}

		if len(proof) != len(fromLevels) {
			t.Fatalf("proof lengths differ: %d != %d", len(proof), len(fromLevels))
		}
		for j := range proof {
			if proof[j] != fromLevels[j] {
				t.Errorf("proofs diverge at level %d", j)
			}
		}
	}
}

func TestInvalidProofFails(t *testing.T) {
	tree, err := NewTree(3)
	if err != nil {
		t.Fatal(err)
	}

	tree.AppendLeaf(HashLeaf([]byte("a")))
	tree.AppendLeaf(HashLeaf([]byte("b")))

	badLeaf := HashLeaf([]byte("c"))
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatal(err)
	}

	if VerifyProof(badLeaf, proof, 0, tree.Root()) {
		t.Error("proof verified against a leaf that is not in the tree")
	}
}

func TestEmptyTreeRoot(t *testing.T) {
	tree, err := NewTree(0)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Root() != zeroHash {
		t.Error("empty tree root should be the zero hash")
	}
}

func TestSingleLeafRoot(t *testing.T) {
	tree, err := NewTree(1)
	if err != nil {
		t.Fatal(err)
	}
	leaf := HashLeaf([]byte("only"))
	tree.AppendLeaf(leaf)
	if tree.Root() != leaf {
		t.Error("single-leaf root should equal the leaf")
	}
}

func TestDepthCap(t *testing.T) {
	if _, err := NewTree(MaxDepth + 1); err == nil {
		t.Error("expected an error for depth above the cap")
	}
	if _, err := NewTree(MaxDepth); err != nil {
		t.Errorf("depth at the cap should be accepted: %v", err)
	}
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, _ := NewTree(2)
	tree.AppendLeaf(HashLeaf([]byte("x")))

	if _, err := tree.Proof(1); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := tree.ProofFromLevels(-1); err == nil {
		t.Error("expected out of range error")
	}
}
