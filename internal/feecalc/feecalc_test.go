package feecalc

import (
	"testing"

	"github.com/stellar/go/xdr"
)

func TestCalculateNonSorobanUsesFlatBase(t *testing.T) {
	envelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx: xdr.Transaction{},
		},
	}
	params := Params{InclusionFeeDefault: 203, InclusionFeeLimited: 201}

	got := Calculate(envelope, params)
	want := NonSorobanFee + 203
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestCalculateUsesSorobanResourceFeeWhenPresent(t *testing.T) {
	envelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx: xdr.Transaction{
				Ext: xdr.TransactionExt{
					SorobanData: &xdr.SorobanTransactionData{
						ResourceFee: 5000,
					},
				},
			},
		},
	}
	params := Params{InclusionFeeDefault: 203, InclusionFeeLimited: 201}

	got := Calculate(envelope, params)
	want := int64(5000 + 203)
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestCalculateMalformedEnvelopeFallsBackToDefaultInclusion(t *testing.T) {
	var envelope xdr.TransactionEnvelope // zero value, no V1/FeeBump set
	params := Params{
		InclusionFeeDefault: 203,
		InclusionFeeLimited: 50,
		LimitedContracts:    map[string]struct{}{"CABC": {}},
	}

	got := Calculate(envelope, params)
	want := NonSorobanFee + 203
	if got != want {
		t.Fatalf("expected default inclusion on malformed envelope, got %d want %d", got, want)
	}
}
