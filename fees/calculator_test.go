package fees

import (
	"math"
	"testing"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContract = strkey.MustEncode(strkey.VersionByteContract, make([]byte, 32))
var testAddress = strkey.MustEncode(strkey.VersionByteAccountID, make([]byte, 32))

func invokeEnvelope(t *testing.T, resourceFee int64, withSorobanData bool) *xdr.TransactionEnvelope {
	t.Helper()
	source, err := xdr.AddressToMuxedAccount(testAddress)
	require.NoError(t, err)

	var contractID xdr.Hash
	tx := xdr.Transaction{
		SourceAccount: source,
		Fee:           100,
		Operations: []xdr.Operation{{
			Body: xdr.OperationBody{
				Type: xdr.OperationTypeInvokeHostFunction,
				InvokeHostFunctionOp: &xdr.InvokeHostFunctionOp{
					HostFunction: xdr.HostFunction{
						Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
						InvokeContract: &xdr.InvokeContractArgs{
							ContractAddress: xdr.ScAddress{
								Type:       xdr.ScAddressTypeScAddressTypeContract,
								ContractId: &contractID,
							},
							FunctionName: "transfer",
						},
					},
				},
			},
		}},
	}
	if withSorobanData {
		tx.Ext = xdr.TransactionExt{
			V:           1,
			SorobanData: &xdr.SorobanTransactionData{ResourceFee: xdr.Int64(resourceFee)},
		}
	}
	return &xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1:   &xdr.TransactionV1Envelope{Tx: tx},
	}
}

func TestMaxFee(t *testing.T) {
	limited := map[string]struct{}{testContract: {}}

	tests := []struct {
		name string
		env  *xdr.TransactionEnvelope
		lim  map[string]struct{}
		want int64
	}{
		{
			name: "soroban default tier",
			env:  invokeEnvelope(t, 50_000, true),
			want: 50_000 + 203,
		},
		{
			name: "soroban limited tier",
			env:  invokeEnvelope(t, 50_000, true),
			lim:  limited,
			want: 50_000 + 201,
		},
		{
			name: "no soroban data uses stand-in",
			env:  invokeEnvelope(t, 0, false),
			want: NonSorobanFee + 203,
		},
		{
			name: "zero resource fee uses stand-in",
			env:  invokeEnvelope(t, 0, true),
			want: NonSorobanFee + 203,
		},
		{
			name: "resource fee at int64 max clamps",
			env:  invokeEnvelope(t, math.MaxInt64, true),
			want: math.MaxInt64,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaxFee(tt.env, tt.lim, 203, 201)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceFee(t *testing.T) {
	assert.Equal(t, int64(12345), ResourceFee(invokeEnvelope(t, 12345, true)))
	assert.Zero(t, ResourceFee(invokeEnvelope(t, 0, false)))
	assert.Zero(t, ResourceFee(nil))
	assert.Zero(t, ResourceFee(&xdr.TransactionEnvelope{}))
}

func TestContractID(t *testing.T) {
	assert.Equal(t, testContract, ContractID(invokeEnvelope(t, 1, true)))
	assert.Empty(t, ContractID(nil))
	assert.Empty(t, ContractID(&xdr.TransactionEnvelope{}))

	// An envelope without invoke-host-function operations.
	source, err := xdr.AddressToMuxedAccount(testAddress)
	require.NoError(t, err)
	env := &xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{Tx: xdr.Transaction{
			SourceAccount: source,
			Operations: []xdr.Operation{{
				Body: xdr.OperationBody{
					Type:      xdr.OperationTypePayment,
					PaymentOp: &xdr.PaymentOp{},
				},
			}},
		}},
	}
	assert.Empty(t, ContractID(env))
}

func TestHostFunctionContractID(t *testing.T) {
	var contractID xdr.Hash
	fn := xdr.HostFunction{
		Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
		InvokeContract: &xdr.InvokeContractArgs{
			ContractAddress: xdr.ScAddress{
				Type:       xdr.ScAddressTypeScAddressTypeContract,
				ContractId: &contractID,
			},
			FunctionName: "hello",
		},
	}
	assert.Equal(t, testContract, HostFunctionContractID(fn))

	// Non-contract invocations yield no id.
	assert.Empty(t, HostFunctionContractID(xdr.HostFunction{
		Type: xdr.HostFunctionTypeHostFunctionTypeCreateContract,
	}))
}
