// Package simulate runs the throwaway simulation every submission goes
// through once: classifying its outcome (network failure, RPC failure,
// enforce-mode auth rejection, generic simulation failure, or success),
// detecting read-only calls, and assembling the final channel-sourced
// transaction from the cached simulation result.
package simulate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/channelgate/gateway/internal/chainrpc"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

const (
	// throwawayFee and assembledFee are the nominal fee fields on the inner
	// transaction; the actual fee-bump fee is computed separately by
	// internal/feecalc and carried by the hosting runtime's submit call.
	throwawayFee  = 100
	assembledFee  = 100
	timeBoundsWindow = 120 * time.Second
)

// Request describes the call being simulated.
type Request struct {
	FundAddress  string
	HostFunction xdr.HostFunction
	Auth         []xdr.SorobanAuthorizationEntry
}

// Result wraps a successful simulation response.
type Result struct {
	Raw *chainrpc.SimulateTransactionResult
}

// Chain is the subset of chainrpc.Client Simulate depends on.
type Chain interface {
	SimulateTransaction(ctx context.Context, txXDR, authMode string) (*chainrpc.SimulateTransactionResult, error)
}

// Simulate builds a throwaway transaction sourced from the fund address at
// sequence 0 and simulates it under enforce auth mode, classifying any
// failure into the appropriate structured error.
func Simulate(ctx context.Context, chain Chain, now time.Time, req Request) (*Result, error) {
	envelope, err := buildThrowawayEnvelope(now, req)
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeAssemblyFailed, Detail: err.Error(), HTTPStatus: 500}
	}
	txXDR, err := xdr.MarshalBase64(envelope)
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeAssemblyFailed, Detail: err.Error(), HTTPStatus: 500}
	}

	raw, err := chain.SimulateTransaction(ctx, txXDR, "enforce")
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if raw.Error != "" {
		code, message := classifySimulationError(raw.Error)
		return nil, gwerr.Failure{Code: code, Detail: message, HTTPStatus: 400}
	}
	return &Result{Raw: raw}, nil
}

func classifyTransportError(err error) error {
	switch err.(type) {
	case *chainrpc.RPCError:
		return gwerr.Failure{Code: gwerr.CodeSimulationRPCFailure, Detail: err.Error(), HTTPStatus: 502}
	default:
		return gwerr.Failure{Code: gwerr.CodeSimulationNetworkError, Detail: err.Error(), HTTPStatus: 502}
	}
}

func buildThrowawayEnvelope(now time.Time, req Request) (xdr.TransactionEnvelope, error) {
	var sourceAccount xdr.AccountId
	if err := sourceAccount.SetAddress(req.FundAddress); err != nil {
		return xdr.TransactionEnvelope{}, err
	}
	tb := txnbuild.NewTimebounds(0, now.Add(timeBoundsWindow).Unix())
	tx := xdr.Transaction{
		SourceAccount: sourceAccount.ToMuxedAccount(),
		Fee:           throwawayFee,
		SeqNum:        0,
		Operations:    []xdr.Operation{invokeHostFunctionOp(req.HostFunction, req.Auth)},
		Cond:          xdr.Preconditions{Type: xdr.PreconditionTypePrecondTime, TimeBounds: &xdr.TimeBounds{MinTime: xdr.TimePoint(tb.MinTime), MaxTime: xdr.TimePoint(tb.MaxTime)}},
	}
	return xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1:   &xdr.TransactionV1Envelope{Tx: tx},
	}, nil
}

func invokeHostFunctionOp(hostFunction xdr.HostFunction, auth []xdr.SorobanAuthorizationEntry) xdr.Operation {
	return xdr.Operation{
		Body: xdr.OperationBody{
			Type: xdr.OperationTypeInvokeHostFunction,
			InvokeHostFunctionOp: &xdr.InvokeHostFunctionOp{
				HostFunction: hostFunction,
				Auth:         auth,
			},
		},
	}
}

var (
	dataArrayPattern  = regexp.MustCompile(`data:\s*\[\s*"([^"]*)"`)
	dataStringPattern = regexp.MustCompile(`data:\s*"([^"]*)"`)
	errorTagPattern   = regexp.MustCompile(`Error\(([^)]*)\)`)
)

var signedAuthFailureSubstrings = []string{
	"require_auth",
	"invalid signature",
	"signature has expired",
	"signature verification failed",
	"bad_signature",
	"tx_bad_auth",
}

func classifySimulationError(raw string) (code, message string) {
	message = parseErrorMessage(raw)
	if isSignedAuthFailure(raw) {
		return gwerr.CodeSimulationSignedAuthValidationFailed, message
	}
	return gwerr.CodeSimulationFailed, message
}

func isSignedAuthFailure(raw string) bool {
	if strings.Contains(raw, "Error(Auth,") {
		return true
	}
	lower := strings.ToLower(raw)
	for _, substr := range signedAuthFailureSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// parseErrorMessage extracts a human-readable message from a raw simulation
// error string: a bracketed data array, else a quoted data string, else the
// first trimmed line, with the Error(X,Y) type tag appended when present.
// Captured segments of 3 characters or fewer are discarded as noise.
func parseErrorMessage(raw string) string {
	var captured string
	switch {
	case dataArrayPattern.MatchString(raw):
		captured = dataArrayPattern.FindStringSubmatch(raw)[1]
	case dataStringPattern.MatchString(raw):
		captured = dataStringPattern.FindStringSubmatch(raw)[1]
	default:
		lines := strings.SplitN(raw, "\n", 2)
		captured = strings.TrimSpace(lines[0])
	}
	if len(captured) <= 3 {
		captured = ""
	}

	tag := ""
	if m := errorTagPattern.FindStringSubmatch(raw); m != nil {
		tag = fmt.Sprintf(" (%s)", m[1])
	}

	combined := strings.TrimSpace(captured + tag)
	if combined == "" {
		return strings.TrimSpace(raw)
	}
	return combined
}

// IsReadOnly reports whether a simulation result represents a read-only
// call: no authorization entries on the first result, and an empty
// read-write footprint in the simulated Soroban transaction data. A
// transaction-data decode failure is conservatively treated as not
// read-only.
func IsReadOnly(result *chainrpc.SimulateTransactionResult) bool {
	if result == nil || len(result.Results) == 0 {
		return false
	}
	if len(result.Results[0].Auth) > 0 {
		return false
	}
	if result.TransactionData == "" {
		return false
	}
	var data xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(result.TransactionData, &data); err != nil {
		return false
	}
	return len(data.Resources.Footprint.ReadWrite) == 0
}

// AssembleRequest carries everything needed to build the final
// channel-sourced transaction from a cached simulation result.
type AssembleRequest struct {
	ChannelAddress  string
	ChannelSequence string // the next sequence number to use for the channel, as a decimal string (seqcache.GetSequence's return value, used directly as SeqNum)
	HostFunction    xdr.HostFunction
	Auth            []xdr.SorobanAuthorizationEntry
	SimResult       *chainrpc.SimulateTransactionResult
	Now             time.Time
}

// Assemble builds the inner transaction that will be signed by the channel
// account and wrapped in a fee-bump: channel account as source at its next
// sequence, the simulated resource footprint and fee attached.
func Assemble(req AssembleRequest) (xdr.TransactionEnvelope, error) {
	var sourceAccount xdr.AccountId
	if err := sourceAccount.SetAddress(req.ChannelAddress); err != nil {
		return xdr.TransactionEnvelope{}, assemblyFailed(err)
	}
	nextSeq, err := strconv.ParseInt(req.ChannelSequence, 10, 64)
	if err != nil {
		return xdr.TransactionEnvelope{}, assemblyFailed(fmt.Errorf("invalid channel sequence %q", req.ChannelSequence))
	}

	tb := txnbuild.NewTimebounds(0, req.Now.Add(timeBoundsWindow).Unix())
	tx := xdr.Transaction{
		SourceAccount: sourceAccount.ToMuxedAccount(),
		Fee:           assembledFee,
		SeqNum:        xdr.SequenceNumber(nextSeq),
		Operations:    []xdr.Operation{invokeHostFunctionOp(req.HostFunction, req.Auth)},
		Cond:          xdr.Preconditions{Type: xdr.PreconditionTypePrecondTime, TimeBounds: &xdr.TimeBounds{MinTime: xdr.TimePoint(tb.MinTime), MaxTime: xdr.TimePoint(tb.MaxTime)}},
	}

	if req.SimResult != nil && req.SimResult.TransactionData != "" {
		var sorobanData xdr.SorobanTransactionData
		if err := xdr.SafeUnmarshalBase64(req.SimResult.TransactionData, &sorobanData); err != nil {
			return xdr.TransactionEnvelope{}, assemblyFailed(err)
		}
		tx.Ext = xdr.TransactionExt{V: 1, SorobanData: &sorobanData}
	}

	return xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1:   &xdr.TransactionV1Envelope{Tx: tx},
	}, nil
}

func assemblyFailed(err error) error {
	return gwerr.Failure{Code: gwerr.CodeAssemblyFailed, Detail: err.Error(), HTTPStatus: 500}
}
