// Package fees computes fee-bump caps and meters per-API-key fee budgets.
package fees

import (
	"math"
	"math/big"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

// NonSorobanFee is the resource-fee stand-in for transactions without
// Soroban data, in stroops.
const NonSorobanFee = int64(100_000)

// MaxFee returns the fee-bump cap for env: the resource fee (or the
// non-Soroban stand-in) plus the inclusion fee tier of the invoked
// contract.
func MaxFee(env *xdr.TransactionEnvelope, limitedContracts map[string]struct{}, inclusionDefault, inclusionLimited int64) int64 {
	resourceFee := resourceFee(env)

	inclusion := inclusionDefault
	if id := ContractID(env); id != "" {
		if _, ok := limitedContracts[id]; ok {
			inclusion = inclusionLimited
		}
	}

	total := new(big.Int)
	if resourceFee.Sign() > 0 {
		total.Add(resourceFee, big.NewInt(inclusion))
	} else {
		total.Add(big.NewInt(NonSorobanFee), big.NewInt(inclusion))
	}
	if !total.IsInt64() {
		return math.MaxInt64
	}
	return total.Int64()
}

// ResourceFee returns env's declared Soroban resource fee, zero when the
// envelope carries no Soroban data.
func ResourceFee(env *xdr.TransactionEnvelope) int64 {
	return resourceFee(env).Int64()
}

func resourceFee(env *xdr.TransactionEnvelope) *big.Int {
	if env == nil || env.V1 == nil || env.V1.Tx.Ext.SorobanData == nil {
		return new(big.Int)
	}
	return big.NewInt(int64(env.V1.Tx.Ext.SorobanData.ResourceFee))
}

// ContractID extracts the contract strkey of the first
// invoke-host-function operation. Malformed envelopes yield "" rather
// than an error so fee calculation can always fall back to the default
// inclusion tier.
func ContractID(env *xdr.TransactionEnvelope) string {
	if env == nil || env.V1 == nil {
		return ""
	}
	for _, op := range env.V1.Tx.Operations {
		if op.Body.Type != xdr.OperationTypeInvokeHostFunction || op.Body.InvokeHostFunctionOp == nil {
			continue
		}
		return HostFunctionContractID(op.Body.InvokeHostFunctionOp.HostFunction)
	}
	return ""
}

// HostFunctionContractID returns the invoked contract's strkey, or ""
// when fn is not a contract invocation or is malformed.
func HostFunctionContractID(fn xdr.HostFunction) string {
	if fn.Type != xdr.HostFunctionTypeHostFunctionTypeInvokeContract || fn.InvokeContract == nil {
		return ""
	}
	address := fn.InvokeContract.ContractAddress
	if address.Type != xdr.ScAddressTypeScAddressTypeContract || address.ContractId == nil {
		return ""
	}
	id, err := strkey.Encode(strkey.VersionByteContract, address.ContractId[:])
	if err != nil {
		return ""
	}
	return id
}
