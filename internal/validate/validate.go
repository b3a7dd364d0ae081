// Package validate decodes and validates the two inbound request shapes:
// submit-only ({xdr}) and build-and-submit ({func, auth, returnTxHash?}).
// Any other shape, or any decode failure, is rejected as INVALID_PARAMS.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/stellar/go/xdr"
)

// Request is the parsed, decoded form of an inbound submission request.
type Request struct {
	SubmitOnly   bool
	XDR          string
	Func         xdr.HostFunction
	Auth         []xdr.SorobanAuthorizationEntry
	ReturnTxHash bool
}

// Parse decodes raw (the request's "params" object, management keys already
// stripped by the caller) into a Request.
func Parse(raw json.RawMessage) (*Request, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, invalidParams("request body must be a JSON object")
	}

	_, hasXDR := generic["xdr"]
	_, hasFunc := generic["func"]
	_, hasAuth := generic["auth"]

	switch {
	case hasXDR:
		if len(generic) != 1 {
			return nil, invalidParams("xdr must be the only key")
		}
		var xdrStr string
		if err := json.Unmarshal(generic["xdr"], &xdrStr); err != nil {
			return nil, invalidParams("xdr must be a string")
		}
		return &Request{SubmitOnly: true, XDR: xdrStr}, nil

	case hasFunc || hasAuth:
		if !hasFunc || !hasAuth {
			return nil, invalidParams("func and auth must both be present")
		}
		for k := range generic {
			if k != "func" && k != "auth" && k != "returnTxHash" {
				return nil, invalidParams(fmt.Sprintf("unexpected key %q", k))
			}
		}
		var funcB64 string
		if err := json.Unmarshal(generic["func"], &funcB64); err != nil {
			return nil, invalidParams("func must be a base64 string")
		}
		var authB64 []string
		if err := json.Unmarshal(generic["auth"], &authB64); err != nil {
			return nil, invalidParams("auth must be an array of base64 strings")
		}
		var returnTxHash bool
		if raw, ok := generic["returnTxHash"]; ok {
			if err := json.Unmarshal(raw, &returnTxHash); err != nil {
				return nil, invalidParams("returnTxHash must be a bool")
			}
		}

		hostFunction, err := decodeHostFunction(funcB64)
		if err != nil {
			return nil, invalidParams("func: " + err.Error())
		}
		authEntries, err := decodeAuthEntries(authB64)
		if err != nil {
			return nil, invalidParams("auth: " + err.Error())
		}
		return &Request{Func: hostFunction, Auth: authEntries, ReturnTxHash: returnTxHash}, nil

	default:
		return nil, invalidParams("request must contain either xdr or func+auth")
	}
}

func decodeHostFunction(b64 string) (xdr.HostFunction, error) {
	var hf xdr.HostFunction
	if err := xdr.SafeUnmarshalBase64(b64, &hf); err != nil {
		return xdr.HostFunction{}, err
	}
	return hf, nil
}

// decodeAuthEntries decodes each base64 authorization entry, rejecting any
// whose credentials are source-account credentials: those are incompatible
// with a transaction signed by a rotating channel account rather than the
// invoking account itself.
func decodeAuthEntries(entries []string) ([]xdr.SorobanAuthorizationEntry, error) {
	out := make([]xdr.SorobanAuthorizationEntry, 0, len(entries))
	for i, raw := range entries {
		var entry xdr.SorobanAuthorizationEntry
		if err := xdr.SafeUnmarshalBase64(raw, &entry); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if entry.Credentials.Type == xdr.SorobanCredentialsTypeSorobanCredentialsSourceAccount {
			return nil, fmt.Errorf("entry %d: source-account credentials are not supported", i)
		}
		out = append(out, entry)
	}
	return out, nil
}

func invalidParams(detail string) error {
	return gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: detail, HTTPStatus: 400}
}
