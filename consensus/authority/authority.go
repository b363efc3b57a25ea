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

// Package authority implements a signer based proof-of-authority engine. A
// block is sealed by one of the validators of the configured set; the seal is
// a secp256k1 signature over the header stored at the end of the extra-data.
//
// 权威证明引擎：区块由配置集合中的某个验证者封装，封装是区块头上的 secp256k1 签名，保存在 extra-data 的末尾。
package authority

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/consensus/validators"
	"golang.org/x/crypto/sha3"
)

const (
	inmemorySignatures = 4096 // Number of recent block signatures to keep in memory
	// inmemorySignatures 是指在内存中保留的最近区块签名的数量。
)

// Authority protocol constants.
// 权威证明协议的常量。
var (
	epochLength = uint64(30000) // Default number of blocks after which to checkpoint the validator set

	extraVanity = 32                     // Fixed number of extra-data prefix bytes reserved for signer vanity
	extraSeal   = crypto.SignatureLength // Fixed number of extra-data suffix bytes reserved for signer seal

	uncleHash = types.CalcUncleHash(nil) // Always Keccak256(RLP([])) as uncles are meaningless outside of PoW.

	diffInTurn = big.NewInt(2) // Block difficulty for in-turn signatures 轮到签名者出块时的难度
	diffNoTurn = big.NewInt(1) // Block difficulty for out-of-turn signatures 未轮到签名者出块时的难度
)

// Various error messages to mark blocks invalid. These should be private to
// prevent engine specific errors from being referenced in the remainder of the
// codebase, inherently breaking if the engine is swapped out. Please put common
// error types into the consensus package.
var (
	// errUnknownBlock is returned when a header carries no number.
	errUnknownBlock = errors.New("unknown block")

	// errInvalidCheckpointBeneficiary is returned if a checkpoint/epoch transition
	// block has a beneficiary set to non-zeroes.
	errInvalidCheckpointBeneficiary = errors.New("beneficiary in checkpoint block non-zero")

	// errMissingVanity is returned if a block's extra-data section is shorter than
	// 32 bytes, which is required to store the signer vanity.
	errMissingVanity = errors.New("extra-data 32 byte vanity prefix missing")

	// errMissingSignature is returned if a block's extra-data section doesn't seem
	// to contain a 65 byte secp256k1 signature.
	errMissingSignature = errors.New("extra-data 65 byte signature suffix missing")

	// errExtraSigners is returned if non-checkpoint block contain signer data in
	// their extra-data fields.
	errExtraSigners = errors.New("non-checkpoint block contains extra signer list")

	// errInvalidCheckpointSigners is returned if a checkpoint block contains an
	// invalid list of signers (i.e. empty or non divisible by 20 bytes).
	errInvalidCheckpointSigners = errors.New("invalid signer list on checkpoint block")

	// errInvalidMixDigest is returned if a block's mix digest is non-zero.
	errInvalidMixDigest = errors.New("non-zero mix digest")

	// errInvalidUncleHash is returned if a block contains an non-empty uncle list.
	errInvalidUncleHash = errors.New("non empty uncle hash")

	// errInvalidDifficulty is returned if the difficulty of a block neither 1 or 2.
	errInvalidDifficulty = errors.New("invalid difficulty")

	// errWrongDifficulty is returned if the difficulty of a block doesn't match the
	// turn of the signer.
	errWrongDifficulty = errors.New("wrong difficulty")

	// errUnauthorizedSigner is returned if a header is signed by a non-authorized entity.
	// 如果区块头由未经授权的实体签名时返回。
	errUnauthorizedSigner = errors.New("unauthorized signer")
)

// Config are the settings of the authority engine.
// Config 是权威证明引擎的设置。
type Config struct {
	Period uint64 // Minimum number of seconds between blocks 区块之间的最小秒数
	Epoch  uint64 // Blocks between validator set checkpoints 验证者集合检查点之间的区块数
}

// Authority is the proof-of-authority consensus engine.
// Authority 是权威证明共识引擎。
type Authority struct {
	consensus.Base

	config     Config
	validators validators.ValidatorSet
	signatures *lru.Cache[common.Hash, common.Address] // Signatures of recent blocks to speed up mining

	now func() time.Time
}

// New creates an authority engine checking signers against the given set.
func New(params *consensus.Params, config Config, set validators.ValidatorSet) *Authority {
	if config.Epoch == 0 {
		config.Epoch = epochLength
	}
	return &Authority{
		Base:       consensus.NewBase(params),
		config:     config,
		validators: set,
		signatures: lru.NewCache[common.Hash, common.Address](inmemorySignatures),
		now:        time.Now,
	}
}

// Name implements consensus.Engine.
func (a *Authority) Name() string { return "Authority" }

// MaximumExtraDataSize implements consensus.Engine. Checkpoints carry the
// validator list on top of the vanity and the seal.
func (a *Authority) MaximumExtraDataSize() uint64 {
	return a.Params().MaximumExtraDataSize + uint64(extraSeal) + 1024*common.AddressLength
}

// RegisterClient implements consensus.Engine, sharing the handle with the
// validator set.
func (a *Authority) RegisterClient(handle *consensus.ClientHandle) {
	a.Base.RegisterClient(handle)
	a.validators.RegisterClient(handle)
}

// Author implements consensus.Engine, returning the Ethereum address recovered
// from the signature in the header's extra-data section.
func (a *Authority) Author(header *types.Header) (common.Address, error) {
	return ecrecover(header, a.signatures)
}

// VerifyBlockBasic implements consensus.Engine.
// VerifyBlockBasic 检查区块头中不依赖其他区块的字段。
func (a *Authority) VerifyBlockBasic(header *types.Header) error {
	if header.Number == nil {
		return errUnknownBlock
	}
	number := header.Number.Uint64()

	// Don't waste time checking blocks from the future
	if header.Time > uint64(a.now().Unix()) {
		return consensus.ErrFutureBlock
	}
	// Checkpoint blocks need to enforce zero beneficiary
	checkpoint := consensus.IsEpochStart(number, a.config.Epoch)
	if checkpoint && header.Coinbase != (common.Address{}) {
		return errInvalidCheckpointBeneficiary
	}
	// Check that the extra-data contains both the vanity and signature
	if len(header.Extra) < extraVanity {
		return errMissingVanity
	}
	if len(header.Extra) < extraVanity+extraSeal {
		return errMissingSignature
	}
	// Ensure that the extra-data contains a signer list on checkpoint, but none otherwise
	signersBytes := len(header.Extra) - extraVanity - extraSeal
	if !checkpoint && signersBytes != 0 {
		return errExtraSigners
	}
	if checkpoint && (signersBytes == 0 || signersBytes%common.AddressLength != 0) {
		return errInvalidCheckpointSigners
	}
	// Ensure that the mix digest is zero as we don't have fork protection currently
	if header.MixDigest != (common.Hash{}) {
		return errInvalidMixDigest
	}
	// Ensure that the block doesn't contain any uncles which are meaningless in PoA
	if header.UncleHash != uncleHash {
		return errInvalidUncleHash
	}
	// Ensure that the block's difficulty is meaningful (may not be correct at this point)
	if number > 0 {
		if header.Difficulty == nil || (header.Difficulty.Cmp(diffInTurn) != 0 && header.Difficulty.Cmp(diffNoTurn) != 0) {
			return errInvalidDifficulty
		}
	}
	// Verify that the gas limit is <= 2^63-1
	if header.GasLimit > params.MaxGasLimit {
		return fmt.Errorf("invalid gasLimit: have %v, max %v", header.GasLimit, params.MaxGasLimit)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("invalid gasUsed: have %d, gasLimit %d", header.GasUsed, header.GasLimit)
	}
	if header.WithdrawalsHash != nil {
		return fmt.Errorf("invalid withdrawalsHash: have %x, expected nil", header.WithdrawalsHash)
	}
	return nil
}

// VerifyBlockUnordered implements consensus.Engine, recovering the signer of
// the seal.
// VerifyBlockUnordered 恢复封装的签名者。
func (a *Authority) VerifyBlockUnordered(header *types.Header) error {
	if header.Number.Sign() == 0 {
		return nil
	}
	if _, err := ecrecover(header, a.signatures); err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrInvalidSeal, err)
	}
	return nil
}

// VerifyBlockFamily implements consensus.Engine, checking the step against the
// parent and the signer against the validator set.
// VerifyBlockFamily 检查与父区块之间的时间间隔，并检查签名者是否属于验证者集合。
func (a *Authority) VerifyBlockFamily(header, parent *types.Header) error {
	if !consensus.IsChild(header, parent) || header.ParentHash != parent.Hash() {
		return consensus.ErrInvalidNumber
	}
	if parent.Time+a.config.Period > header.Time {
		return consensus.ErrInvalidTimestamp
	}
	signer, err := ecrecover(header, a.signatures)
	if err != nil {
		return err
	}
	ok, err := validators.Contains(a.validators, parent, signer)
	if err != nil {
		return err
	}
	if !ok {
		return errUnauthorizedSigner
	}
	// Ensure that the difficulty corresponds to the turn-ness of the signer
	inturn, err := validators.Proposer(a.validators, parent, header.Number.Uint64())
	if err != nil {
		return err
	}
	want := diffNoTurn
	if inturn == signer {
		want = diffInTurn
	}
	if header.Difficulty.Cmp(want) != 0 {
		return errWrongDifficulty
	}
	return nil
}

// GenesisEpochData implements consensus.Engine, the genesis checkpoint lists
// the initial validators.
func (a *Authority) GenesisEpochData(header *types.Header) ([]byte, error) {
	proof, ok := a.SignalsEpochEnd(header)
	if !ok {
		return nil, errInvalidCheckpointSigners
	}
	return proof, nil
}

// SignalsEpochEnd implements consensus.Engine. Checkpoint blocks end the
// epoch, their signer list is the proof.
func (a *Authority) SignalsEpochEnd(header *types.Header) ([]byte, bool) {
	if !consensus.IsEpochStart(header.Number.Uint64(), a.config.Epoch) {
		return nil, false
	}
	list := CheckpointSigners(header)
	if len(list) == 0 {
		return nil, false
	}
	log.Debug("Authority epoch transition", "number", header.Number, "validators", len(list))
	return validators.EncodeProof(list), true
}

// CheckpointSigners extracts the signer list of a checkpoint header.
func CheckpointSigners(header *types.Header) []common.Address {
	if len(header.Extra) < extraVanity+extraSeal {
		return nil
	}
	raw := header.Extra[extraVanity : len(header.Extra)-extraSeal]
	list := make([]common.Address, len(raw)/common.AddressLength)
	for i := range list {
		copy(list[i][:], raw[i*common.AddressLength:])
	}
	return list
}

// CheckpointExtra builds the extra-data of a checkpoint header, leaving room
// for the seal.
func CheckpointExtra(signers []common.Address) []byte {
	extra := make([]byte, extraVanity, extraVanity+len(signers)*common.AddressLength+extraSeal)
	for _, signer := range signers {
		extra = append(extra, signer[:]...)
	}
	return append(extra, make([]byte, extraSeal)...)
}

// Seal signs the header with key, writing the signature into the last 65 bytes
// of the extra-data. The extra-data must already reserve them.
// Seal 使用 key 对区块头签名，并将签名写入 extra-data 末尾的 65 字节。
func Seal(header *types.Header, key *ecdsa.PrivateKey) error {
	if len(header.Extra) < extraVanity+extraSeal {
		return errMissingSignature
	}
	sig, err := crypto.Sign(SealHash(header).Bytes(), key)
	if err != nil {
		return err
	}
	copy(header.Extra[len(header.Extra)-extraSeal:], sig)
	return nil
}

// ecrecover extracts the Ethereum account address from a signed header.
// ecrecover 函数从已签名的区块头中提取以太坊账户地址。
func ecrecover(header *types.Header, sigcache *lru.Cache[common.Hash, common.Address]) (common.Address, error) {
	// If the signature's already cached, return that
	hash := header.Hash()
	if address, known := sigcache.Get(hash); known {
		return address, nil
	}
	// Retrieve the signature from the header extra-data
	if len(header.Extra) < extraSeal {
		return common.Address{}, errMissingSignature
	}
	signature := header.Extra[len(header.Extra)-extraSeal:]

	// Recover the public key and the Ethereum address
	pubkey, err := crypto.Ecrecover(SealHash(header).Bytes(), signature)
	if err != nil {
		return common.Address{}, err
	}
	var signer common.Address
	copy(signer[:], crypto.Keccak256(pubkey[1:])[12:])

	sigcache.Add(hash, signer)
	return signer, nil
}

// SealHash returns the hash of a block prior to it being sealed.
// SealHash 返回区块在被签名之前的哈希值。
func SealHash(header *types.Header) (hash common.Hash) {
	hasher := sha3.NewLegacyKeccak256()
	encodeSigHeader(hasher, header)
	hasher.(crypto.KeccakState).Read(hash[:])
	return hash
}

// SigningRLP returns the rlp bytes which needs to be signed for the sealing:
// the entire header apart from the 65 byte signature at the end of the extra
// data.
func SigningRLP(header *types.Header) []byte {
	b := new(bytes.Buffer)
	encodeSigHeader(b, header)
	return b.Bytes()
}

func encodeSigHeader(w io.Writer, header *types.Header) {
	enc := []interface{}{
		header.ParentHash,
		header.UncleHash,
		header.Coinbase,
		header.Root,
		header.TxHash,
		header.ReceiptHash,
		header.Bloom,
		header.Difficulty,
		header.Number,
		header.GasLimit,
		header.GasUsed,
		header.Time,
		header.Extra[:len(header.Extra)-crypto.SignatureLength], // Yes, this will panic if extra is too short
		header.MixDigest,
		header.Nonce,
	}
	if header.BaseFee != nil {
		enc = append(enc, header.BaseFee)
	}
	if err := rlp.Encode(w, enc); err != nil {
		panic("can't encode: " + err.Error())
	}
}
