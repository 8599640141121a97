package core

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/core/state"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/utils/address"
)

// execErr is an execution-layer fault recorded in the receipt.
type execErr struct {
	code string
	msg  string
}

func (e *execErr) Error() string {
	if e.msg == "" {
		return e.code
	}
	return e.code + ": " + e.msg
}

func failCode(err error) string {
	var me *mvm.Error
	if errors.As(err, &me) {
		return me.Code
	}
	var ee *execErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return "execution_failed"
}

// DeriveTokenAddress is H("token" ‖ creator ‖ nonce) truncated to 20
// bytes, so replays from genesis yield identical addresses.
func DeriveTokenAddress(creator block.AddressType, nonce uint64) block.AddressType {
	return deriveAddr("token", creator, nonce)
}

func DeriveContractAddress(creator block.AddressType, nonce uint64) block.AddressType {
	return deriveAddr("contract", creator, nonce)
}

func deriveAddr(kind string, creator block.AddressType, nonce uint64) block.AddressType {
	buf := make([]byte, 0, len(kind)+block.AddressLen+8)
	buf = append(buf, kind...)
	buf = append(buf, creator[:]...)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], nonce)
	buf = append(buf, u64[:]...)
	h := sha256.Sum256(buf)
	var a block.AddressType
	copy(a[:], h[:block.AddressLen])
	return a
}

// applyTx runs one transaction against the block mutator. A nil
// result means the transaction no longer passes admission and is
// dropped from the block; a non-nil error is a system fault aborting
// the whole block.
func (cn *ChainNode) applyTx(m *state.Mutator, tx *block.Transaction, height, tsMs uint64, index int, logIdx *uint64) (*state.StoredTx, error) {
	if err := tx.Verify(); err != nil {
		return nil, nil
	}
	acc, err := m.AccountOf(tx.From)
	if err != nil {
		return nil, err
	}
	if acc.Nonce != tx.Nonce {
		return nil, nil
	}
	// Worst-case gas coverage, plus the value for native transfers.
	// The mempool's admission rule also adds the value for other kinds.
	need := block.NewAmount(tx.WorstCaseGas())
	if tx.Kind == block.TxTransfer {
		if need, err = need.Add(tx.Value); err != nil {
			return nil, nil
		}
	}
	if acc.Balance.Cmp(need) < 0 {
		return nil, nil
	}

	gasUsed := tx.BaseGas()
	txm := m.Fork()
	var events []mvm.Event
	var effectiveTo []block.AddressType

	dispatchErr := func() error {
		switch tx.Kind {
		case block.TxTransfer:
			if tx.To == nil {
				return &execErr{code: "invalid_recipient"}
			}
			effectiveTo = append(effectiveTo, *tx.To)
			return cn.execTransfer(txm, tx)
		case block.TxCreateToken:
			to, err := cn.execCreateToken(txm, tx, height)
			if err != nil {
				return err
			}
			effectiveTo = append(effectiveTo, to)
			return nil
		case block.TxTransferToken:
			tos, err := cn.execTransferToken(txm, tx)
			if err != nil {
				return err
			}
			effectiveTo = append(effectiveTo, tos...)
			return nil
		case block.TxDeployContract:
			to, extraGas, err := cn.execDeploy(txm, tx, height)
			gasUsed += extraGas
			if err != nil {
				return err
			}
			effectiveTo = append(effectiveTo, to)
			return nil
		case block.TxCallContract:
			to, evs, vmGas, err := cn.execCall(txm, tx, height, tsMs)
			gasUsed += vmGas
			effectiveTo = append(effectiveTo, to)
			events = evs
			return err
		}
		return &execErr{code: "execution_failed", msg: "unknown kind"}
	}()

	rec := &state.StoredTx{
		Tx:      *tx,
		Status:  block.TxSuccess,
		GasUsed: gasUsed,
		Height:  height,
		Index:   index,
	}

	if dispatchErr == nil {
		txm.Merge()
	} else {
		// Journaled writes are dropped; gas, nonce and the receipt
		// still land.
		rec.Status = block.TxFailed
		rec.Error = failCode(dispatchErr)
	}

	// Re-read after the merge: a self-transfer credits the sender.
	acc, err = m.AccountOf(tx.From)
	if err != nil {
		return nil, err
	}
	fee := block.NewAmount(gasUsed)
	bal, err := acc.Balance.Sub(fee)
	if err != nil {
		return nil, fmt.Errorf("fee debit underflow: %w", err)
	}
	if dispatchErr == nil && tx.Kind == block.TxTransfer {
		if bal, err = bal.Sub(tx.Value); err != nil {
			return nil, fmt.Errorf("value debit underflow: %w", err)
		}
	}
	acc.Balance = bal
	acc.Nonce++
	m.PutAccount(tx.From, acc)

	if dispatchErr == nil {
		for _, ev := range events {
			contractAddr := effectiveTo[0]
			e := &state.Event{
				Contract:    contractAddr,
				BlockHeight: height,
				TxHash:      tx.Hash(),
				Name:        ev.Name,
				Args:        ev.Args,
				LogIndex:    *logIdx,
			}
			*logIdx++
			if err := m.AppendEvent(e); err != nil {
				return nil, err
			}
		}
	}

	if err := m.PutStoredTx(rec); err != nil {
		return nil, err
	}
	if err := m.IndexTxForAddress(tx.From, tx.Hash()); err != nil {
		return nil, err
	}
	var zeroAddr block.AddressType
	for _, to := range effectiveTo {
		if to != tx.From && to != zeroAddr {
			if err := m.IndexTxForAddress(to, tx.Hash()); err != nil {
				return nil, err
			}
		}
	}
	if err := m.BumpActivity(tx.From); err != nil {
		return nil, err
	}
	return rec, nil
}

// execTransfer moves the native value; the fee is debited by the
// caller.
func (cn *ChainNode) execTransfer(m *state.Mutator, tx *block.Transaction) error {
	return m.Credit(*tx.To, tx.Value)
}

func (cn *ChainNode) execCreateToken(m *state.Mutator, tx *block.Transaction, height uint64) (block.AddressType, error) {
	var zero block.AddressType
	d, err := tx.DecodeCreateToken()
	if err != nil {
		return zero, &execErr{code: "spec_limit_exceeded", msg: err.Error()}
	}
	if d.Name == "" || len(d.Name) > 64 || d.Symbol == "" || len(d.Symbol) > 16 {
		return zero, &execErr{code: "spec_limit_exceeded", msg: "token name/symbol"}
	}
	addr := DeriveTokenAddress(tx.From, tx.Nonce)
	t := &state.Token{
		Address:     addr,
		Creator:     tx.From,
		Name:        d.Name,
		Symbol:      d.Symbol,
		TotalSupply: d.TotalSupply,
		Decimals:    8,
		CreatedAt:   height,
	}
	if err := m.PutToken(t); err != nil {
		return zero, err
	}
	m.SetTokenBalanceOf(addr, tx.From, d.TotalSupply)
	return addr, nil
}

func (cn *ChainNode) execTransferToken(m *state.Mutator, tx *block.Transaction) ([]block.AddressType, error) {
	d, err := tx.DecodeTransferToken()
	if err != nil {
		return nil, &execErr{code: "spec_limit_exceeded", msg: err.Error()}
	}
	token, err := address.Parse(d.Token)
	if err != nil {
		return nil, &execErr{code: "contract_not_found", msg: d.Token}
	}
	to, err := address.Parse(d.To)
	if err != nil {
		return nil, &execErr{code: "invalid_recipient", msg: d.To}
	}
	if _, err := m.TokenOf(token); err != nil {
		if errors.Is(err, state.ErrNoRecord) {
			return nil, &execErr{code: "contract_not_found", msg: d.Token}
		}
		return nil, err
	}
	fromBal, err := m.TokenBalanceOf(token, tx.From)
	if err != nil {
		return nil, err
	}
	if fromBal.Cmp(d.Amount) < 0 {
		return nil, &execErr{code: "insufficient_token_balance"}
	}
	if to != tx.From {
		toBal, err := m.TokenBalanceOf(token, to)
		if err != nil {
			return nil, err
		}
		newFrom, err := fromBal.Sub(d.Amount)
		if err != nil {
			return nil, &execErr{code: "arithmetic_error"}
		}
		newTo, err := toBal.Add(d.Amount)
		if err != nil {
			return nil, &execErr{code: "arithmetic_error"}
		}
		m.SetTokenBalanceOf(token, tx.From, newFrom)
		m.SetTokenBalanceOf(token, to, newTo)
	}
	return []block.AddressType{to, token}, nil
}

// execDeploy validates the declarative spec and persists the runtime
// header with variables at their declared defaults. The extra gas
// prices the stored opcodes.
func (cn *ChainNode) execDeploy(m *state.Mutator, tx *block.Transaction, height uint64) (block.AddressType, uint64, error) {
	var zero block.AddressType
	spec, err := mvm.ParseSpec(tx.Data)
	if err != nil {
		return zero, 0, err
	}
	if spec.Token != "" {
		taddr, err := address.Parse(spec.Token)
		if err != nil {
			return zero, 0, &execErr{code: "contract_not_found", msg: spec.Token}
		}
		if _, err := m.TokenOf(taddr); err != nil {
			if errors.Is(err, state.ErrNoRecord) {
				return zero, 0, &execErr{code: "contract_not_found", msg: spec.Token}
			}
			return zero, 0, err
		}
	}
	addr := DeriveContractAddress(tx.From, tx.Nonce)
	creator := address.Encode(tx.From)
	c := &mvm.Contract{
		Address:    address.Encode(addr),
		Creator:    creator,
		Owner:      creator,
		Token:      spec.Token,
		Spec:       *spec,
		DeployedAt: height,
	}
	if err := m.PutContract(c); err != nil {
		return zero, 0, err
	}
	for _, v := range spec.Variables {
		def := v.Default
		if def == "" {
			def = mvm.ZeroOf(v.Type).Canon()
		}
		if err := m.SetVar(c.Address, v.Name, def); err != nil {
			return zero, 0, err
		}
	}
	return addr, deployOpsGas(spec), nil
}

func deployOpsGas(s *mvm.Spec) uint64 {
	var g uint64
	for i := range s.Functions {
		g += opsGas(s.Functions[i].Body)
	}
	return g
}

func opsGas(body []mvm.Op) uint64 {
	var g uint64
	for i := range body {
		switch body[i].Op {
		case "set", "add", "sub", "mul", "div", "mod", "let":
			g += block.GasOpSet
		case "map_set", "map_add", "map_sub", "map_mul", "map_div", "map_mod":
			g += block.GasOpMapSet
		case "require", "guard", "emit", "signal":
			g += block.GasOpRequire
		case "transfer":
			g += block.GasOpTransfer
		case "return":
			g += block.GasOpReturn
		case "if":
			g += block.GasOpIf
			g += opsGas(body[i].Then)
			g += opsGas(body[i].Else)
		}
	}
	return g
}

// execCall resolves the method and runs the VM. The transaction-level
// value denominates the linked token and must agree with the payload
// amount when both are present.
func (cn *ChainNode) execCall(m *state.Mutator, tx *block.Transaction, height, tsMs uint64) (block.AddressType, []mvm.Event, uint64, error) {
	var zero block.AddressType
	d, err := tx.DecodeCallContract()
	if err != nil {
		return zero, nil, 0, &execErr{code: "spec_limit_exceeded", msg: err.Error()}
	}
	caddr, err := address.Parse(d.Contract)
	if err != nil {
		return zero, nil, 0, &execErr{code: "contract_not_found", msg: d.Contract}
	}
	c, err := m.ContractOf(caddr)
	if err != nil {
		if errors.Is(err, state.ErrNoRecord) {
			return caddr, nil, 0, &execErr{code: "contract_not_found", msg: d.Contract}
		}
		return caddr, nil, 0, err
	}

	callValue := tx.Value
	if d.Amount != nil {
		if !tx.Value.IsZero() && tx.Value.Cmp(*d.Amount) != 0 {
			return caddr, nil, 0, &execErr{code: "spec_limit_exceeded", msg: "value/amount mismatch"}
		}
		callValue = *d.Amount
	}

	env := mvm.Env{
		Caller:           address.Encode(tx.From),
		CallValue:        callValue,
		BlockHeight:      height,
		BlockTimestampMs: tsMs,
		GasLimit:         block.GasExecLimit,
	}
	res, err := cn.vm.Call(m, c, d.Method, d.Args, env)
	if err != nil {
		return caddr, nil, res.GasUsed, err
	}
	return caddr, res.Events, res.GasUsed, nil
}
