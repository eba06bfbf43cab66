/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

import (
	"encoding/json"
	"fmt"
)

// APIError is a tagged error the route layer maps straight onto the HTTP
// response: {"statusCode": n, "msg": "..."} plus an optional reason field.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Msg        string `json:"msg"`
	Reason     string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	return e.Msg
}

// NewAPIError builds an APIError with a formatted message.
func NewAPIError(statusCode int, format string, args ...interface{}) *APIError {
	return &APIError{StatusCode: statusCode, Msg: fmt.Sprintf(format, args...)}
}

// NewValidationError packs multiple validation messages into the legacy
// response shape: the msg field holds a JSON-stringified array of strings.
func NewValidationError(statusCode int, errs []error) *APIError {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	encoded, err := json.Marshal(msgs)
	if err != nil {
		encoded = []byte(`["internal error encoding validation messages"]`)
	}
	return &APIError{StatusCode: statusCode, Msg: string(encoded)}
}
