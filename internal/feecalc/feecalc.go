// Package feecalc computes the maximum fee-bump fee for a signed Soroban
// envelope: the resource fee attached by simulation plus a flat inclusion
// fee, reduced for contracts in the limited set.
package feecalc

import (
	"math/big"

	"github.com/stellar/go/xdr"
)

// NonSorobanFee is the flat resource-fee stand-in used when an envelope
// carries no Soroban transaction data.
const NonSorobanFee = int64(100_000)

// Params bundles the inclusion-fee schedule consulted by Calculate.
type Params struct {
	InclusionFeeDefault int64
	InclusionFeeLimited int64
	LimitedContracts    map[string]struct{}
}

// Calculate returns the maximum fee-bump fee for envelope, combining its
// Soroban resource fee (or NonSorobanFee when absent) with an inclusion fee
// selected by whether the envelope invokes a limited contract.
//
// Contract-id extraction tolerates malformed envelopes: any decode failure
// yields "no contract id" and the default inclusion fee, never an error.
func Calculate(envelope xdr.TransactionEnvelope, params Params) int64 {
	resourceFee := resourceFeeOf(envelope)
	contractID, ok := contractIDOf(envelope)

	inclusionFee := params.InclusionFeeDefault
	if ok {
		if _, limited := params.LimitedContracts[contractID]; limited {
			inclusionFee = params.InclusionFeeLimited
		}
	}

	base := NonSorobanFee
	if resourceFee > 0 {
		base = resourceFee
	}
	return base + inclusionFee
}

func resourceFeeOf(envelope xdr.TransactionEnvelope) int64 {
	tx, ok := innerTransaction(envelope)
	if !ok || tx.Ext.SorobanData == nil {
		return 0
	}
	fee := big.NewInt(int64(tx.Ext.SorobanData.ResourceFee))
	return fee.Int64()
}

func contractIDOf(envelope xdr.TransactionEnvelope) (contractID string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			contractID, ok = "", false
		}
	}()

	tx, present := innerTransaction(envelope)
	if !present {
		return "", false
	}
	for _, op := range tx.Operations {
		if op.Body.Type != xdr.OperationTypeInvokeHostFunction {
			continue
		}
		invoke := op.Body.InvokeHostFunctionOp
		if invoke == nil {
			continue
		}
		if id, ok := ContractIDFromHostFunction(invoke.HostFunction); ok {
			return id, true
		}
	}
	return "", false
}

// ContractIDFromHostFunction extracts and strkey-encodes the invoked
// contract id from an invoke-contract host function. Any other host
// function type, or a malformed address, yields ok=false.
func ContractIDFromHostFunction(hf xdr.HostFunction) (contractID string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			contractID, ok = "", false
		}
	}()
	if hf.Type != xdr.HostFunctionTypeHostFunctionTypeInvokeContract {
		return "", false
	}
	args := hf.InvokeContract
	if args == nil {
		return "", false
	}
	contractIDBytes := args.ContractAddress.ContractId
	id, err := encodeContractID(contractIDBytes[:])
	if err != nil {
		return "", false
	}
	return id, true
}

func innerTransaction(envelope xdr.TransactionEnvelope) (*xdr.Transaction, bool) {
	switch envelope.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		if envelope.V1 == nil {
			return nil, false
		}
		return &envelope.V1.Tx, true
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		if envelope.FeeBump == nil || envelope.FeeBump.Tx.InnerTx.V1 == nil {
			return nil, false
		}
		return &envelope.FeeBump.Tx.InnerTx.V1.Tx, true
	default:
		return nil, false
	}
}
