package cipher

import (
	"bytes"
	"testing"
)

func TestSplitBlocksSingle(t *testing.T) {
	data := []byte("blah\n" + Terminator)
	blocks := SplitBlocks(data)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if !bytes.Equal(blocks[0], data) {
		t.Errorf("block mismatch")
	}
}

func TestSplitBlocksMultiple(t *testing.T) {
	block1 := []byte("first\n" + Terminator)
	block2 := []byte("second\n" + Terminator)
	data := append(append([]byte{}, block1...), block2...)

	blocks := SplitBlocks(data)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if !bytes.Equal(blocks[0], block1) || !bytes.Equal(blocks[1], block2) {
		t.Errorf("block contents mismatch")
	}
}

func TestSplitBlocksTrailingPartial(t *testing.T) {
	block1 := []byte("first\n" + Terminator)
	trailing := []byte("garbage with no terminator")
	data := append(append([]byte{}, block1...), trailing...)

	blocks := SplitBlocks(data)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if !bytes.Equal(blocks[1], trailing) {
		t.Errorf("trailing block mismatch: got %q", blocks[1])
	}
}

func TestSplitBlocksEmpty(t *testing.T) {
	if blocks := SplitBlocks(nil); len(blocks) != 0 {
		t.Errorf("got %d blocks for empty input, want 0", len(blocks))
	}
}
