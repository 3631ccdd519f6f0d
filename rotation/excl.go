// Package rotation implements IVExclusion: the UDP cryptor-rotation state
// machine shared by every UDPHandler on a role-instance. One Excl exists
// per role (local or remote); it is read and mutated exclusively from the
// single event-loop goroutine, so it carries no locks (see SPEC_FULL.md
// §5, adapted from the concurrency notes in the teacher's
// pkg/crypto/rotation/manager.go — current/previous key plus a sequence
// counter — but dropping that file's mutex and atomic fields, which exist
// there to protect multi-goroutine callers this package deliberately does
// not have).
package rotation

import (
	"github.com/ir-tunnel/ir/cryptor"
)

// Stage is a position in the rotation handshake.
type Stage int

const (
	StageIdle Stage = iota
	StageExpectNewIV
	StageExpectConfirm
	StageExpectEmptyIV
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "IDLE"
	case StageExpectNewIV:
		return "EXPECT_NEW_IV"
	case StageExpectConfirm:
		return "EXPECT_CONFIRM"
	case StageExpectEmptyIV:
		return "EXPECT_EMPTY_IV"
	case StageDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Cmd is the next action a UDPHandler must take when building an outgoing
// packet.
type Cmd int

const (
	CmdTransmit Cmd = iota
	CmdSendIV
	CmdDoConfirm
	CmdDropOldAndSendEmptyIV
)

// Excl is the shared rotation state machine for one role-instance's UDP
// traffic.
type Excl struct {
	isLocal    bool
	cipherName string
	passwd     string

	stage Stage
	todo  Cmd
	iv    []byte

	currentCryptor *cryptor.Cryptor
	oldCryptor     *cryptor.Cryptor
	ncInProgress   *cryptor.Cryptor
	defaultCryptor *cryptor.Cryptor

	defaultIVChanged bool
}

// New constructs an Excl for the given role, starting in the DONE steady
// state with defaultCryptor as the current cryptor — so the very first
// call to ShouldPropose (local) observes stage==DONE and, combined with
// defaultIVChanged starting false, proposes a fresh IV on first use.
func New(isLocal bool, cipherName, passwd string, defaultCryptor *cryptor.Cryptor) *Excl {
	return &Excl{
		isLocal:        isLocal,
		cipherName:     cipherName,
		passwd:         passwd,
		stage:          StageDone,
		todo:           CmdTransmit,
		currentCryptor: defaultCryptor,
		defaultCryptor: defaultCryptor,
	}
}

func (e *Excl) Stage() Stage { return e.stage }
func (e *Excl) Todo() Cmd    { return e.todo }
func (e *Excl) IV() []byte   { return e.iv }

func (e *Excl) CurrentCryptor() *cryptor.Cryptor { return e.currentCryptor }
func (e *Excl) OldCryptor() *cryptor.Cryptor     { return e.oldCryptor }
func (e *Excl) NCInProgress() *cryptor.Cryptor   { return e.ncInProgress }
func (e *Excl) DefaultCryptor() *cryptor.Cryptor { return e.defaultCryptor }

func (e *Excl) DefaultIVChanged() bool { return e.defaultIVChanged }

func (e *Excl) oldOrDefault() *cryptor.Cryptor {
	if e.oldCryptor != nil {
		return e.oldCryptor
	}
	return e.defaultCryptor
}

// ShouldPropose implements the local-only gating rule from
// SPEC_FULL.md/spec.md §4.4 step 1: a fresh IV may be proposed whenever
// stage is EXPECT_NEW_IV or DONE, and either no IV has ever been changed
// yet (first use) or a biased coin (rnd) comes up heads. rnd must behave
// like Go's rand.Intn: return a uniform value in [0, n). A ceilInvRate
// below 1 leaves only the first-use proposal.
func (e *Excl) ShouldPropose(ceilInvRate int, rnd func(n int) int) bool {
	if !e.isLocal {
		return false
	}
	if e.stage != StageExpectNewIV && e.stage != StageDone {
		return false
	}
	if !e.defaultIVChanged {
		return true
	}
	if ceilInvRate < 1 {
		return false
	}
	return rnd(ceilInvRate+1) == 0
}

// ManageIV drives the rotation state machine. It is the Go counterpart of
// spec.md §6's "_local_manage_iv(iv, decrypted_by_nc=False)" — a single
// entry point used both to kick off a local proposal (iv non-empty,
// decryptedByNC ignored) and to process an incoming packet's rotation
// fields (iv possibly empty, decryptedByNC reporting whether the packet
// that carried it decrypted under ncInProgress).
func (e *Excl) ManageIV(iv []byte, decryptedByNC bool) error {
	if e.isLocal {
		return e.manageIVLocal(iv, decryptedByNC)
	}
	return e.manageIVRemote(iv, decryptedByNC)
}

func (e *Excl) manageIVLocal(iv []byte, decryptedByNC bool) error {
	switch e.stage {
	case StageDone, StageExpectNewIV:
		if len(iv) == 0 {
			return nil
		}
		nc, err := cryptor.New(e.cipherName, e.passwd, iv)
		if err != nil {
			return err
		}
		e.oldCryptor = e.currentCryptor
		e.ncInProgress = nc
		e.currentCryptor = nc // optimistic switch: the reply is tried under nc first
		e.iv = iv
		e.stage = StageExpectConfirm
		e.todo = CmdSendIV
		e.defaultIVChanged = true
	case StageExpectConfirm:
		if decryptedByNC {
			e.stage = StageDone
			e.todo = CmdTransmit
			e.oldCryptor = nil
			e.ncInProgress = nil
		}
	}
	return nil
}

func (e *Excl) manageIVRemote(iv []byte, decryptedByNC bool) error {
	switch e.stage {
	case StageIdle, StageDone:
		if len(iv) == 0 {
			return nil
		}
		nc, err := cryptor.New(e.cipherName, e.passwd, iv)
		if err != nil {
			return err
		}
		e.oldCryptor = e.currentCryptor
		e.ncInProgress = nc
		e.currentCryptor = nc
		e.iv = iv
		e.stage = StageExpectEmptyIV
		e.todo = CmdDoConfirm
	case StageExpectEmptyIV:
		if decryptedByNC {
			e.stage = StageDone
			e.todo = CmdDropOldAndSendEmptyIV
			e.oldCryptor = nil
			e.ncInProgress = nil
		}
	}
	return nil
}

// Select returns the (iv, cryptor) to use for the next outgoing packet and
// consumes any one-shot command (SEND_IV, DROP_OLD_AND_SEND_EMPTY_IV).
func (e *Excl) Select() (iv []byte, c *cryptor.Cryptor) {
	if e.isLocal {
		return e.selectLocal()
	}
	return e.selectRemote()
}

func (e *Excl) selectLocal() ([]byte, *cryptor.Cryptor) {
	if e.todo == CmdSendIV {
		e.todo = CmdTransmit
		return e.iv, e.oldCryptor
	}
	if e.stage == StageExpectNewIV || e.stage == StageExpectConfirm {
		return nil, e.oldOrDefault()
	}
	return nil, e.currentCryptor
}

func (e *Excl) selectRemote() ([]byte, *cryptor.Cryptor) {
	switch e.todo {
	case CmdDoConfirm:
		return e.iv, e.currentCryptor
	case CmdDropOldAndSendEmptyIV:
		e.todo = CmdTransmit
		return nil, e.currentCryptor
	default: // CmdTransmit
		if e.stage == StageExpectEmptyIV {
			return nil, e.oldOrDefault()
		}
		return nil, e.currentCryptor
	}
}
