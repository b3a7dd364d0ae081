package api

// ReadOnlyResult is returned when a simulated call has no side effects: no
// channel is acquired and nothing is submitted.
type ReadOnlyResult struct {
	Status       string `json:"status"`
	ReturnValue  string `json:"returnValue"`
	LatestLedger int64  `json:"latestLedger"`
}

// SubmissionResult is returned for a completed (confirmed) or, when the
// caller set returnTxHash, a pending/failed submission.
type SubmissionResult struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	Hash          string `json:"hash,omitempty"`
	Error         string `json:"error,omitempty"`
}
