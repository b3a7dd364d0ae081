// Package submit drives the fee-bump submission and wait sequence: hand the
// signed envelope to the fund relayer, poll for a terminal status, and map
// the outcome to a structured result or error.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/relayer"
	"github.com/stellar/go/xdr"
)

const (
	pollInterval = relayer.Millis(500)
	waitTimeout  = relayer.Millis(25_000)
)

// Context carries submission metadata unrelated to the envelope itself,
// reserved for future fee-recording and observability breakdowns.
type Context struct {
	ContractID string
	IsLimited  bool
}

// FeeRecorder is the subset of feetracker.Tracker submit depends on.
type FeeRecorder interface {
	RecordUsage(ctx context.Context, fee int64)
}

// Outcome is the result of a submission whose wait ended in any status
// other than "failed" (normally "confirmed").
type Outcome struct {
	TransactionID string
	Status        string
	Hash          string
}

// SubmitAndWait wraps signedEnvelopeXDR in a fee-bump via fund, polls for a
// terminal status, and records fee usage per the outcome.
func SubmitAndWait(ctx context.Context, fund relayer.Handle, network, signedEnvelopeXDR string, maxFee int64, fees FeeRecorder) (*Outcome, error) {
	submission, err := fund.SendTransaction(ctx, relayer.SendTransactionRequest{
		Network:        network,
		TransactionXDR: signedEnvelopeXDR,
		FeeBump:        true,
		MaxFee:         maxFee,
	})
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeRelayerUnavailable, Detail: err.Error(), HTTPStatus: 502}
	}

	status, err := fund.TransactionWait(ctx, submission, relayer.WaitOptions{PollInterval: pollInterval, Timeout: waitTimeout})
	if errors.Is(err, relayer.ErrWaitTimeout) {
		return nil, gwerr.Failure{
			Code:       gwerr.CodeWaitTimeout,
			Detail:     "timed out waiting for transaction to settle",
			HTTPStatus: 504,
			Details:    map[string]any{"id": submission.ID, "hash": submission.Hash},
		}
	}
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeRelayerUnavailable, Detail: err.Error(), HTTPStatus: 502}
	}

	if status.Status == "failed" {
		recordUsage(ctx, fees, maxFee)
		resultCode, reason := decodeFailureReason(status.ResultXDR)
		return nil, gwerr.Failure{
			Code:       gwerr.CodeOnchainFailed,
			Detail:     reason,
			HTTPStatus: 400,
			Details: map[string]any{
				"status":     status.Status,
				"reason":     reason,
				"id":         status.ID,
				"hash":       status.Hash,
				"resultCode": resultCode,
				"labUrl":     debugURL(network, status.Hash),
			},
		}
	}

	recordUsage(ctx, fees, maxFee)
	return &Outcome{TransactionID: status.ID, Status: status.Status, Hash: status.Hash}, nil
}

func recordUsage(ctx context.Context, fees FeeRecorder, fee int64) {
	if fees != nil {
		fees.RecordUsage(ctx, fee)
	}
}

// decodeFailureReason decodes resultXDR (base64 TransactionResult) and
// unwraps a fee-bump inner failure into "<outerCode>:<innerCode>", then
// sanitizes it for the user-visible message.
func decodeFailureReason(resultXDR string) (resultCode, reason string) {
	if resultXDR == "" {
		return "", sanitizeReason("unknown failure")
	}
	var result xdr.TransactionResult
	if err := xdr.SafeUnmarshalBase64(resultXDR, &result); err != nil {
		return "", sanitizeReason(resultXDR)
	}

	outer := result.Result.Code.String()
	resultCode = outer
	if result.Result.Code == xdr.TransactionResultCodeTxFeeBumpInnerFailed && result.Result.InnerResultPair != nil {
		inner := result.Result.InnerResultPair.Result.Result.Code.String()
		resultCode = outer + ":" + inner
	}
	return resultCode, sanitizeReason(resultCode)
}

// sanitizeReason returns the last colon-separated segment of x when it is
// at least 3 characters and doesn't mention "provider" (a hint it leaked
// internal infrastructure naming); otherwise truncates x to 100 characters.
func sanitizeReason(x string) string {
	parts := strings.Split(x, ":")
	last := parts[len(parts)-1]
	if len(last) >= 3 && !strings.Contains(strings.ToLower(last), "provider") {
		return last
	}
	if len(x) > 100 {
		return x[:100]
	}
	return x
}

func debugURL(network, hash string) string {
	netParam := "testnet"
	if network == "mainnet" {
		netParam = "public"
	}
	return fmt.Sprintf("https://lab.stellar.org/transaction/%s?hash=%s", netParam, hash)
}
