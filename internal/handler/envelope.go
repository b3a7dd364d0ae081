package handler

import (
	"fmt"
	"time"

	"github.com/channelgate/gateway/internal/feecalc"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/stellar/go/xdr"
)

// submitOnlyFeeSanityOffset is added to the configured limited-contract
// inclusion fee to get the flat stroop allowance a signed submit-only
// envelope's declared fee may exceed its resource fee by.
const submitOnlyFeeSanityOffset = 0

// submitOnlyMaxAheadWindow bounds how far into the future a signed
// submit-only envelope's time bounds may extend.
const submitOnlyMaxAheadWindow = 120 * time.Second

func isUnsigned(envelope xdr.TransactionEnvelope) bool {
	return envelope.Type == xdr.EnvelopeTypeEnvelopeTypeTx &&
		envelope.V1 != nil &&
		len(envelope.V1.Signatures) == 0
}

func singleInvokeHostFunctionOp(envelope xdr.TransactionEnvelope) (xdr.HostFunction, []xdr.SorobanAuthorizationEntry, bool) {
	if envelope.V1 == nil || len(envelope.V1.Tx.Operations) != 1 {
		return xdr.HostFunction{}, nil, false
	}
	op := envelope.V1.Tx.Operations[0]
	if op.Body.Type != xdr.OperationTypeInvokeHostFunction || op.Body.InvokeHostFunctionOp == nil {
		return xdr.HostFunction{}, nil, false
	}
	invoke := op.Body.InvokeHostFunctionOp
	return invoke.HostFunction, invoke.Auth, true
}

// validateSignedEnvelope enforces the submit-only sanity checks on a
// pre-signed envelope: a regular (non-fee-bump) transaction, time bounds
// that neither have already elapsed nor reach too far ahead, and a declared
// fee no larger than its resource fee plus the flat inclusion allowance.
func validateSignedEnvelope(envelope xdr.TransactionEnvelope, now time.Time, inclusionFeeLimited int64) error {
	if envelope.Type != xdr.EnvelopeTypeEnvelopeTypeTx || envelope.V1 == nil {
		return invalidEnvelopeType("envelope must be a regular, non-fee-bump transaction")
	}
	tx := envelope.V1.Tx

	tb := tx.Cond.TimeBounds
	if tb == nil {
		return invalidTimeBounds("transaction must carry time bounds")
	}
	maxAllowed := now.Add(submitOnlyMaxAheadWindow).Unix()
	if int64(tb.MaxTime) > maxAllowed {
		return timeboundsTooFar()
	}
	if int64(tb.MaxTime) != 0 && int64(tb.MaxTime) < now.Unix() {
		return invalidTimeBounds("transaction has already expired")
	}

	var resourceFee int64
	if tx.Ext.SorobanData != nil {
		resourceFee = int64(tx.Ext.SorobanData.ResourceFee)
	}
	allowance := inclusionFeeLimited + submitOnlyFeeSanityOffset
	if int64(tx.Fee) > resourceFee+allowance {
		return feeMismatch(resourceFee, int64(tx.Fee))
	}
	return nil
}

// marshalInnerTransaction serializes the envelope as handed to the
// channel's signing endpoint: a plain (non-fee-bump) transaction envelope,
// unsigned or partially signed.
func marshalInnerTransaction(envelope xdr.TransactionEnvelope) (string, error) {
	return xdr.MarshalBase64(envelope)
}

// appendSignature decodes sigB64 (a base64 DecoratedSignature) and appends
// it to envelope's signature list.
func appendSignature(envelope *xdr.TransactionEnvelope, sigB64 string) error {
	if envelope.V1 == nil {
		return fmt.Errorf("handler: cannot sign a non-V1 envelope")
	}
	var sig xdr.DecoratedSignature
	if err := xdr.SafeUnmarshalBase64(sigB64, &sig); err != nil {
		return fmt.Errorf("handler: malformed signature: %w", err)
	}
	envelope.V1.Signatures = append(envelope.V1.Signatures, sig)
	return nil
}

func usedSequenceOf(envelope xdr.TransactionEnvelope) string {
	if envelope.V1 == nil {
		return ""
	}
	return fmt.Sprintf("%d", int64(envelope.V1.Tx.SeqNum))
}

// contractIDFromHostFunction extracts the limited-contracts lookup key from
// the host function a build-and-submit request is invoking.
func contractIDFromHostFunction(hf xdr.HostFunction) (string, bool) {
	return feecalc.ContractIDFromHostFunction(hf)
}

func invalidEnvelopeType(detail string) error {
	return gwerr.Failure{Code: gwerr.CodeInvalidEnvelopeType, Detail: detail, HTTPStatus: 400}
}

func invalidTimeBounds(detail string) error {
	return gwerr.Failure{Code: gwerr.CodeInvalidTimeBounds, Detail: detail, HTTPStatus: 400}
}

func timeboundsTooFar() error {
	return gwerr.Failure{Code: gwerr.CodeTimeboundsTooFar, Detail: "time bounds extend too far into the future", HTTPStatus: 400}
}

func feeMismatch(resourceFee, fee int64) error {
	return gwerr.Failure{
		Code:       gwerr.CodeFeeMismatch,
		Detail:     "declared fee exceeds resource fee plus inclusion allowance",
		HTTPStatus: 400,
		Details:    map[string]any{"resourceFee": resourceFee, "fee": fee},
	}
}
