// Copyright 2014 The go-ethereum Authors
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

package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/state"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

// Genesis specifies the header fields, state of a genesis block. It also defines hard
// fork switch-over blocks through the chain configuration.
type Genesis struct {
	Config     *params.ChainConfig `json:"config"`
	Nonce      uint64              `json:"nonce"`
	Timestamp  uint64              `json:"timestamp"`
	ExtraData  []byte              `json:"extraData"`
	GasLimit   uint64              `json:"gasLimit"   gencodec:"required"`
	Difficulty *big.Int            `json:"difficulty" gencodec:"required"`
	Mixhash    common.Hash         `json:"mixHash"`
	Coinbase   common.Address      `json:"coinbase"`
	Alloc      types.GenesisAlloc  `json:"alloc"      gencodec:"required"`

	// These fields are used for consensus tests. Please don't use them
	// in actual genesis blocks.
	Number     uint64      `json:"number"`
	GasUsed    uint64      `json:"gasUsed"`
	ParentHash common.Hash `json:"parentHash"`
	BaseFee    *big.Int    `json:"baseFeePerGas"` // EIP-1559
}

// genesisJSON is the wire form of Genesis, numbers may be hex or decimal.
type genesisJSON struct {
	Config     *params.ChainConfig   `json:"config"`
	Nonce      *math.HexOrDecimal64  `json:"nonce"`
	Timestamp  *math.HexOrDecimal64  `json:"timestamp"`
	ExtraData  *hexutil.Bytes        `json:"extraData"`
	GasLimit   *math.HexOrDecimal64  `json:"gasLimit"`
	Difficulty *math.HexOrDecimal256 `json:"difficulty"`
	Mixhash    *common.Hash          `json:"mixHash"`
	Coinbase   *common.Address       `json:"coinbase"`
	Alloc      types.GenesisAlloc    `json:"alloc"`
	Number     *math.HexOrDecimal64  `json:"number"`
	GasUsed    *math.HexOrDecimal64  `json:"gasUsed"`
	ParentHash *common.Hash          `json:"parentHash"`
	BaseFee    *math.HexOrDecimal256 `json:"baseFeePerGas"`
}

// MarshalJSON marshals as JSON.
func (g Genesis) MarshalJSON() ([]byte, error) {
	enc := genesisJSON{
		Config:     g.Config,
		Nonce:      (*math.HexOrDecimal64)(&g.Nonce),
		Timestamp:  (*math.HexOrDecimal64)(&g.Timestamp),
		ExtraData:  (*hexutil.Bytes)(&g.ExtraData),
		GasLimit:   (*math.HexOrDecimal64)(&g.GasLimit),
		Difficulty: (*math.HexOrDecimal256)(g.Difficulty),
		Mixhash:    &g.Mixhash,
		Coinbase:   &g.Coinbase,
		Alloc:      g.Alloc,
		Number:     (*math.HexOrDecimal64)(&g.Number),
		GasUsed:    (*math.HexOrDecimal64)(&g.GasUsed),
		ParentHash: &g.ParentHash,
		BaseFee:    (*math.HexOrDecimal256)(g.BaseFee),
	}
	return json.Marshal(&enc)
}

// UnmarshalJSON unmarshals from JSON.
func (g *Genesis) UnmarshalJSON(input []byte) error {
	var dec genesisJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	if dec.GasLimit == nil {
		return errors.New("missing required field 'gasLimit' for Genesis")
	}
	if dec.Difficulty == nil {
		return errors.New("missing required field 'difficulty' for Genesis")
	}
	if dec.Alloc == nil {
		return errors.New("missing required field 'alloc' for Genesis")
	}
	g.Config = dec.Config
	g.GasLimit = uint64(*dec.GasLimit)
	g.Difficulty = (*big.Int)(dec.Difficulty)
	g.Alloc = dec.Alloc
	if dec.Nonce != nil {
		g.Nonce = uint64(*dec.Nonce)
	}
	if dec.Timestamp != nil {
		g.Timestamp = uint64(*dec.Timestamp)
	}
	if dec.ExtraData != nil {
		g.ExtraData = *dec.ExtraData
	}
	if dec.Mixhash != nil {
		g.Mixhash = *dec.Mixhash
	}
	if dec.Coinbase != nil {
		g.Coinbase = *dec.Coinbase
	}
	if dec.Number != nil {
		g.Number = uint64(*dec.Number)
	}
	if dec.GasUsed != nil {
		g.GasUsed = uint64(*dec.GasUsed)
	}
	if dec.ParentHash != nil {
		g.ParentHash = *dec.ParentHash
	}
	if dec.BaseFee != nil {
		g.BaseFee = (*big.Int)(dec.BaseFee)
	}
	return nil
}

// GenesisMismatchError is raised when trying to overwrite an existing
// genesis block with an incompatible one.
type GenesisMismatchError struct {
	Stored, New common.Hash
}

func (e *GenesisMismatchError) Error() string {
	return fmt.Sprintf("database contains incompatible genesis (have %x, new %x)", e.Stored, e.New)
}

func (e *GenesisMismatchError) Unwrap() error { return ErrGenesisMismatch }

// chainConfigOrDefault retrieves the attached chain configuration, falling
// back to the development chain rules.
func (g *Genesis) chainConfigOrDefault() *params.ChainConfig {
	if g != nil && g.Config != nil {
		return g.Config
	}
	return params.AllEthashProtocolChanges
}

// flush writes the genesis allocation into db and returns the state root.
// flush 将创世分配写入 db 并返回状态根。
func (g *Genesis) flush(db hashdb.HashDB) (common.Hash, error) {
	statedb, err := state.New(types.EmptyRootHash, db)
	if err != nil {
		return common.Hash{}, err
	}
	for addr, account := range g.Alloc {
		if account.Balance != nil {
			balance, overflow := uint256.FromBig(account.Balance)
			if overflow {
				return common.Hash{}, fmt.Errorf("genesis balance of %x exceeds 256 bits", addr)
			}
			statedb.AddBalance(addr, balance)
		}
		statedb.SetCode(addr, account.Code)
		statedb.SetNonce(addr, account.Nonce)
		for key, value := range account.Storage {
			statedb.SetState(addr, key, value)
		}
	}
	return statedb.Commit(false)
}

// toBlock assembles the genesis block with the given state root.
func (g *Genesis) toBlock(root common.Hash) *types.Block {
	head := &types.Header{
		Number:     new(big.Int).SetUint64(g.Number),
		Nonce:      types.EncodeNonce(g.Nonce),
		Time:       g.Timestamp,
		ParentHash: g.ParentHash,
		Extra:      g.ExtraData,
		GasLimit:   g.GasLimit,
		GasUsed:    g.GasUsed,
		BaseFee:    g.BaseFee,
		Difficulty: g.Difficulty,
		MixDigest:  g.Mixhash,
		Coinbase:   g.Coinbase,
		Root:       root,
	}
	if g.GasLimit == 0 {
		head.GasLimit = params.GenesisGasLimit
	}
	if g.Difficulty == nil {
		head.Difficulty = params.GenesisDifficulty
	}
	if conf := g.chainConfigOrDefault(); conf.IsLondon(common.Big0) && g.BaseFee == nil {
		head.BaseFee = new(big.Int).SetUint64(params.InitialBaseFee)
	}
	return types.NewBlock(head, &types.Body{}, nil, trie.NewStackTrie(nil))
}

// ToBlock returns the genesis block according to genesis specification.
func (g *Genesis) ToBlock() *types.Block {
	root, err := g.flush(hashdb.NewMemoryDB())
	if err != nil {
		panic(err)
	}
	return g.toBlock(root)
}

// Commit writes the block and state of a genesis specification to the
// database. The block is committed as the canonical head block. The state is
// injected into jdb, bypassing its journal.
//
// Commit 将创世规范的区块与状态写入数据库，区块作为规范链头提交，状态直接注入 jdb。
func (g *Genesis) Commit(chaindb ethdb.KeyValueStore, jdb journaldb.JournalDB, engine consensus.Engine) (*types.Block, error) {
	if g.Number != 0 {
		return nil, errors.New("can't commit genesis block with number > 0")
	}
	config := g.chainConfigOrDefault()
	if err := config.CheckConfigForkOrder(); err != nil {
		return nil, err
	}
	root, err := g.flush(jdb)
	if err != nil {
		return nil, err
	}
	if _, err := journaldb.InjectBatch(jdb); err != nil {
		return nil, fmt.Errorf("inject genesis state: %w", err)
	}
	block := g.toBlock(root)
	hash := block.Hash()

	batch := chaindb.NewBatch()
	rawdb.WriteBlock(batch, block)
	rawdb.WriteTd(batch, hash, 0, block.Difficulty())
	rawdb.WriteReceipts(batch, hash, 0, nil)
	rawdb.WriteCanonicalHash(batch, hash, 0)
	rawdb.WriteCandidates(batch, 0, []common.Hash{hash})
	rawdb.WriteHeadBlockHash(batch, hash)
	rawdb.WriteChainConfig(batch, hash, config)
	if engine != nil {
		proof, err := engine.GenesisEpochData(block.Header())
		if err != nil {
			return nil, fmt.Errorf("genesis epoch data: %w", err)
		}
		if proof != nil {
			rawdb.WriteEpochTransitions(batch, 0, []rawdb.EpochTransition{{BlockHash: hash, BlockNumber: 0, Proof: proof}})
		}
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}
	return block, nil
}

// SetupGenesisBlock writes or updates the genesis block in db.
// The block that will be used is:
//
//	                     genesis == nil       genesis != nil
//	                  +------------------------------------------
//	db has no genesis |  developer default  |  genesis
//	db has genesis    |  from DB            |  genesis (if compatible)
//
// The stored chain configuration will be updated if it is compatible (i.e. does not
// specify a fork block below the local head block). In case of a conflict, the
// error is a *params.ConfigCompatError and the new, unwritten config is returned.
//
// The returned chain configuration is never nil.
func SetupGenesisBlock(db ethdb.KeyValueStore, genesis *Genesis, engine consensus.Engine, pruning journaldb.Algorithm) (*params.ChainConfig, common.Hash, error) {
	if genesis != nil && genesis.Config == nil {
		return params.AllEthashProtocolChanges, common.Hash{}, errors.New("genesis has no chain configuration")
	}
	chaindb := ChainDatabase(db)

	// Just commit the new block if there is no stored genesis block.
	stored := rawdb.ReadCanonicalHash(chaindb, 0)
	if (stored == common.Hash{}) {
		if genesis == nil {
			log.Info("Writing default developer genesis block")
			genesis = DeveloperGenesisBlock(params.GenesisGasLimit, nil)
		} else {
			log.Info("Writing custom genesis block")
		}
		jdb, err := journaldb.New(StateDatabase(db), pruning, nil)
		if err != nil {
			return nil, common.Hash{}, err
		}
		block, err := genesis.Commit(chaindb, jdb, engine)
		if err != nil {
			return genesis.Config, common.Hash{}, err
		}
		return genesis.Config, block.Hash(), nil
	}
	// Check whether the genesis block is already written.
	if genesis != nil {
		hash := genesis.ToBlock().Hash()
		if hash != stored {
			return genesis.Config, hash, &GenesisMismatchError{stored, hash}
		}
	}
	// Get the existing chain configuration.
	newcfg := genesis.chainConfigOrDefault()
	storedcfg := rawdb.ReadChainConfig(chaindb, stored)
	if storedcfg == nil {
		log.Warn("Found genesis block without chain config")
		rawdb.WriteChainConfig(chaindb, stored, newcfg)
		return newcfg, stored, nil
	}
	// Without a genesis the stored config stays, the development rules must
	// not be applied on top of an existing chain.
	if genesis == nil {
		newcfg = storedcfg
	}
	// Check config compatibility and write the config. Compatibility errors
	// are returned to the caller unless we're already at block zero.
	var head *types.Header
	if headHash := rawdb.ReadHeadBlockHash(chaindb); headHash != (common.Hash{}) {
		if number := rawdb.ReadHeaderNumber(chaindb, headHash); number != nil {
			head = rawdb.ReadHeader(chaindb, headHash, *number)
		}
	}
	if head == nil {
		return newcfg, stored, errors.New("missing head header")
	}
	compatErr := storedcfg.CheckCompatible(newcfg, head.Number.Uint64(), head.Time)
	if compatErr != nil && ((head.Number.Uint64() != 0 && compatErr.RewindToBlock != 0) || (head.Time != 0 && compatErr.RewindToTime != 0)) {
		return newcfg, stored, compatErr
	}
	rawdb.WriteChainConfig(chaindb, stored, newcfg)
	return newcfg, stored, nil
}

// DeveloperGenesisBlock returns the genesis block of a development chain,
// pre-funding the faucet if given.
func DeveloperGenesisBlock(gasLimit uint64, faucet *common.Address) *Genesis {
	config := *params.AllEthashProtocolChanges

	genesis := &Genesis{
		Config:     &config,
		GasLimit:   gasLimit,
		Difficulty: big.NewInt(1),
		Alloc:      types.GenesisAlloc{},
	}
	if faucet != nil {
		genesis.Alloc[*faucet] = types.Account{Balance: new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(9))}
	}
	return genesis
}
