// Copyright 2017 The go-ethereum Authors
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

package consensus

import "errors"

var (
	// ErrUnknownAncestor is returned when validating a block requires an ancestor
	// that is unknown.
	// 当验证一个区块需要一个未知的祖先区块时返回 ErrUnknownAncestor。
	ErrUnknownAncestor = errors.New("unknown ancestor")

	// ErrFutureBlock is returned when a block's timestamp is in the future according
	// to the current node.
	// 当一个区块的时间戳相对于当前节点处于未来时返回 ErrFutureBlock。
	ErrFutureBlock = errors.New("block in the future")

	// ErrInvalidNumber is returned if a block's number doesn't equal its parent's
	// plus one.
	// 如果一个区块的编号不等于其父区块编号加一时返回 ErrInvalidNumber。
	ErrInvalidNumber = errors.New("invalid block number")

	// ErrInvalidTimestamp is returned if a block's timestamp does not advance
	// far enough past its parent's.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrInvalidSeal is returned if the seal of a block does not verify.
	// 如果区块的封装无法通过验证，则返回 ErrInvalidSeal。
	ErrInvalidSeal = errors.New("invalid seal")

	// ErrInvalidChainID is returned for replay protected transactions signed for
	// a different chain.
	ErrInvalidChainID = errors.New("invalid chain id for signer")

	// ErrGasLimitExceeded is returned if a transaction asks for more gas than
	// its block offers.
	ErrGasLimitExceeded = errors.New("transaction gas exceeds block gas limit")

	// ErrIntrinsicGas is returned if a transaction cannot even pay for the base
	// cost of a transfer.
	ErrIntrinsicGas = errors.New("intrinsic gas too low")

	// ErrNegativeValue is a sanity error to ensure no one is able to specify a
	// transaction with a negative value.
	ErrNegativeValue = errors.New("negative value")

	// ErrClientGone is returned when an engine needs the client but it has
	// already been torn down.
	// 当引擎需要客户端而客户端已被关闭时返回 ErrClientGone。
	ErrClientGone = errors.New("client is no longer available")
)
