package txbuild

import (
	"math"
	"net/http"

	"github.com/stellar/go/xdr"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/errs"
)

// Assemble builds the inner transaction for a non-read-only call: the
// channel account as source at its current sequence, with the cached
// simulation's resource footprint and fee attached. No further
// simulation happens here.
func Assemble(channelAddress string, seq int64, fn xdr.HostFunction, auth []xdr.SorobanAuthorizationEntry, sim *chain.SimulateResponse) (*xdr.Transaction, error) {
	tx, err := BuildTransaction(channelAddress, seq, fn, auth)
	if err != nil {
		return nil, errs.Newf(errs.CodeAssemblyFailed, http.StatusInternalServerError, "failed to build inner transaction: %v", err)
	}

	var sorobanData xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &sorobanData); err != nil {
		return nil, errs.Newf(errs.CodeAssemblyFailed, http.StatusInternalServerError, "failed to decode simulation transaction data: %v", err)
	}

	total := int64(BaseFee) + int64(sorobanData.ResourceFee)
	if sorobanData.ResourceFee < 0 || total > math.MaxUint32 {
		return nil, errs.Newf(errs.CodeAssemblyFailed, http.StatusInternalServerError, "resource fee %d out of range", int64(sorobanData.ResourceFee))
	}

	tx.Fee = xdr.Uint32(total)
	tx.Ext = xdr.TransactionExt{
		V:           1,
		SorobanData: &sorobanData,
	}
	return tx, nil
}
