package rotation

import (
	"bytes"
	"testing"

	"github.com/ir-tunnel/ir/cryptor"
)

func newTestCryptor(t *testing.T, iv []byte) *cryptor.Cryptor {
	t.Helper()
	c, err := cryptor.New("chacha20", "shared-secret", iv)
	if err != nil {
		t.Fatalf("cryptor.New: %v", err)
	}
	return c
}

// TestExclTransitionsTable walks both roles through a full rotation cycle
// and asserts the stage/todo/cryptor transitions at each step, covering
// the handshake spec.md §4.4 describes: proposal, optimistic switch,
// confirmation, and steady state.
func TestExclTransitionsTable(t *testing.T) {
	zeroIV := make([]byte, 32)
	newIV := bytes.Repeat([]byte{0x42}, 32)

	t.Run("local", func(t *testing.T) {
		def := newTestCryptor(t, zeroIV)
		e := New(true, "chacha20", "shared-secret", def)

		if e.Stage() != StageDone {
			t.Fatalf("initial stage = %v, want DONE", e.Stage())
		}
		if !e.ShouldPropose(0, func(int) int { return 1 }) {
			t.Fatal("first use must always propose regardless of the coin flip")
		}

		if err := e.ManageIV(newIV, false); err != nil {
			t.Fatalf("ManageIV: %v", err)
		}
		if e.Stage() != StageExpectConfirm {
			t.Fatalf("stage after proposal = %v, want EXPECT_CONFIRM", e.Stage())
		}
		if e.Todo() != CmdSendIV {
			t.Fatalf("todo after proposal = %v, want CmdSendIV", e.Todo())
		}
		if !e.DefaultIVChanged() {
			t.Fatal("defaultIVChanged must be true after the first proposal")
		}
		if e.CurrentCryptor() == def {
			t.Fatal("current cryptor must optimistically switch to the candidate")
		}
		if e.OldCryptor() != def {
			t.Fatal("old cryptor must be the pre-rotation default")
		}

		iv, c := e.Select()
		if !bytes.Equal(iv, newIV) {
			t.Fatal("SEND_IV select must return the proposed iv")
		}
		if c != def {
			t.Fatal("SEND_IV select must encrypt under the old/default cryptor")
		}
		if e.Todo() != CmdTransmit {
			t.Fatal("SEND_IV is one-shot: todo must reset to CmdTransmit after Select")
		}

		iv2, c2 := e.Select()
		if iv2 != nil {
			t.Fatal("while awaiting confirm, subsequent selects must carry no iv")
		}
		if c2 != def {
			t.Fatal("while awaiting confirm, subsequent selects must still use the old/default cryptor")
		}

		if err := e.ManageIV(nil, true); err != nil {
			t.Fatalf("ManageIV confirm: %v", err)
		}
		if e.Stage() != StageDone {
			t.Fatalf("stage after confirm = %v, want DONE", e.Stage())
		}
		if e.OldCryptor() != nil || e.NCInProgress() != nil {
			t.Fatal("old/nc cryptors must be cleared once confirmed")
		}
		if e.ShouldPropose(1, func(int) int { return 1 }) {
			t.Fatal("steady state must not propose when the coin flip misses")
		}
	})

	t.Run("remote", func(t *testing.T) {
		def := newTestCryptor(t, zeroIV)
		e := New(false, "chacha20", "shared-secret", def)

		if e.ShouldPropose(0, func(int) int { return 0 }) {
			t.Fatal("the remote role must never propose a rotation itself")
		}

		if err := e.ManageIV(newIV, false); err != nil {
			t.Fatalf("ManageIV: %v", err)
		}
		if e.Stage() != StageExpectEmptyIV {
			t.Fatalf("stage after receiving new iv = %v, want EXPECT_EMPTY_IV", e.Stage())
		}
		if e.Todo() != CmdDoConfirm {
			t.Fatalf("todo = %v, want CmdDoConfirm", e.Todo())
		}

		iv, c := e.Select()
		if !bytes.Equal(iv, newIV) {
			t.Fatal("DO_CONFIRM select must echo the iv back")
		}
		if c != e.NCInProgress() {
			t.Fatal("DO_CONFIRM select must encrypt under the candidate cryptor")
		}

		if err := e.ManageIV(nil, true); err != nil {
			t.Fatalf("ManageIV confirm: %v", err)
		}
		if e.Stage() != StageDone {
			t.Fatalf("stage after confirm = %v, want DONE", e.Stage())
		}
		if e.Todo() != CmdDropOldAndSendEmptyIV {
			t.Fatalf("todo = %v, want CmdDropOldAndSendEmptyIV", e.Todo())
		}

		iv2, _ := e.Select()
		if iv2 != nil {
			t.Fatal("DROP_OLD_AND_SEND_EMPTY_IV select must carry no iv")
		}
		if e.Todo() != CmdTransmit {
			t.Fatal("DROP_OLD_AND_SEND_EMPTY_IV is one-shot: todo must reset")
		}
	})
}
