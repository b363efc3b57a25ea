// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package verification

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrMalformedBlock is returned if the raw block bytes fail to decode.
	ErrMalformedBlock = errors.New("malformed block")

	// ErrInvalidNumber is returned for block numbers out of the supported range.
	ErrInvalidNumber = errors.New("block number out of range")

	// ErrTxRootMismatch is returned if the transactions do not hash to the
	// header's transaction root.
	ErrTxRootMismatch = errors.New("transaction root hash mismatch")

	// ErrUncleRootMismatch is returned if the uncles do not hash to the header's
	// uncle hash.
	ErrUncleRootMismatch = errors.New("uncle root hash mismatch")

	// ErrUnexpectedWithdrawals is returned if a body carries withdrawals.
	ErrUnexpectedWithdrawals = errors.New("withdrawals present in block body")

	// ErrParentMismatch is returned if a header does not link to its parent.
	ErrParentMismatch = errors.New("parent hash mismatch")

	// ErrInvalidTimestamp is returned if a header is older than its parent.
	ErrInvalidTimestamp = errors.New("timestamp older than parent")

	// ErrInvalidGasLimit is returned if the gas limit moved too far from the
	// parent's or left the engine bounds.
	ErrInvalidGasLimit = errors.New("invalid gas limit")

	// ErrTooManyUncles is returned if a block includes more uncles than allowed.
	ErrTooManyUncles = errors.New("too many uncles")

	// ErrDuplicateUncle is returned if an uncle was already included.
	ErrDuplicateUncle = errors.New("duplicate uncle")

	// ErrUncleIsAncestor is returned if an uncle is an ancestor of the block.
	ErrUncleIsAncestor = errors.New("uncle is ancestor")

	// ErrUncleTooOld is returned if an uncle branches off too far back.
	ErrUncleTooOld = errors.New("uncle too old")

	// ErrDanglingUncle is returned if an uncle's parent is not an ancestor.
	ErrDanglingUncle = errors.New("uncle's parent is not ancestor")

	// ErrAlreadyQueued is returned when importing an item which is in the queue.
	ErrAlreadyQueued = errors.New("already queued")

	// ErrKnownBad is returned when importing an item known to be invalid, or one
	// whose parent is.
	ErrKnownBad = errors.New("known bad")

	// ErrQueueClosed is returned when importing into a closed queue.
	ErrQueueClosed = errors.New("verification queue closed")
)

// Phase names a verification stage.
type Phase int

const (
	PhaseBasic     Phase = iota // Cheap checks of the block on its own 仅针对区块自身的廉价检查
	PhaseUnordered              // Expensive checks of the block on its own 仅针对区块自身的昂贵检查
	PhaseFamily                 // Checks against the parent and ancestry 针对父区块与祖先的检查
	PhaseExternal               // Checks against registered chain state
	PhaseFinal                  // Checks against the execution results
)

func (p Phase) String() string {
	switch p {
	case PhaseBasic:
		return "basic"
	case PhaseUnordered:
		return "unordered"
	case PhaseFamily:
		return "family"
	case PhaseExternal:
		return "external"
	case PhaseFinal:
		return "final"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Error reports the phase in which a block failed verification.
// Error 报告区块在哪个验证阶段失败。
type Error struct {
	Phase Phase
	Hash  common.Hash
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("block %x failed %v verification: %v", e.Hash, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func phaseError(phase Phase, hash common.Hash, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Phase: phase, Hash: hash, Err: err}
}
