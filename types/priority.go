package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// PriorityOpType names an operation initiated on L1 that the rollup is
// obliged to include.
type PriorityOpType string

const (
	PriorityOpDeposit  PriorityOpType = "Deposit"
	PriorityOpFullExit PriorityOpType = "FullExit"
)

func (t PriorityOpType) Valid() bool {
	return t == PriorityOpDeposit || t == PriorityOpFullExit
}

// Deposit credits token balance to an L1 address, creating the target
// account if it does not exist yet.
type Deposit struct {
	To     common.Address `json:"to"`
	Token  uint16         `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// FullExit drains the full balance of one (account, token) pair back to L1.
type FullExit struct {
	AccountID  uint32         `json:"account_id"`
	EthAddress common.Address `json:"eth_address"`
	Token      uint16         `json:"token"`
}

// PriorityOp is a priority request observed on L1. The serial id is assigned
// by the rollup contract and is the inclusion order the pipeline must honor.
type PriorityOp struct {
	SerialID      uint64          `json:"serial_id"`
	Type          PriorityOpType  `json:"type"`
	Data          json.RawMessage `json:"data"`
	DeadlineBlock uint64          `json:"deadline_block"`
	EthHash       common.Hash     `json:"eth_hash"`
	EthBlock      uint64          `json:"eth_block"`
}

// AsDeposit decodes the payload of a Deposit priority op.
func (op *PriorityOp) AsDeposit() (*Deposit, error) {
	if op.Type != PriorityOpDeposit {
		return nil, errors.Errorf("priority op %d is %s, not %s", op.SerialID, op.Type, PriorityOpDeposit)
	}
	var d Deposit
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return nil, errors.Wrapf(err, "decode deposit payload of priority op %d", op.SerialID)
	}
	return &d, nil
}

// AsFullExit decodes the payload of a FullExit priority op.
func (op *PriorityOp) AsFullExit() (*FullExit, error) {
	if op.Type != PriorityOpFullExit {
		return nil, errors.Errorf("priority op %d is %s, not %s", op.SerialID, op.Type, PriorityOpFullExit)
	}
	var f FullExit
	if err := json.Unmarshal(op.Data, &f); err != nil {
		return nil, errors.Wrapf(err, "decode full exit payload of priority op %d", op.SerialID)
	}
	return &f, nil
}

// NewDepositOp builds a Deposit priority op with an encoded payload.
func NewDepositOp(serialID uint64, deposit Deposit, deadlineBlock uint64, ethHash common.Hash, ethBlock uint64) (*PriorityOp, error) {
	data, err := json.Marshal(deposit)
	if err != nil {
		return nil, err
	}
	return &PriorityOp{
		SerialID:      serialID,
		Type:          PriorityOpDeposit,
		Data:          data,
		DeadlineBlock: deadlineBlock,
		EthHash:       ethHash,
		EthBlock:      ethBlock,
	}, nil
}

// NewFullExitOp builds a FullExit priority op with an encoded payload.
func NewFullExitOp(serialID uint64, fullExit FullExit, deadlineBlock uint64, ethHash common.Hash, ethBlock uint64) (*PriorityOp, error) {
	data, err := json.Marshal(fullExit)
	if err != nil {
		return nil, err
	}
	return &PriorityOp{
		SerialID:      serialID,
		Type:          PriorityOpFullExit,
		Data:          data,
		DeadlineBlock: deadlineBlock,
		EthHash:       ethHash,
		EthBlock:      ethBlock,
	}, nil
}
