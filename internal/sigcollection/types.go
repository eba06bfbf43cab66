/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

import "encoding/json"

// Transaction types.
const (
	TxTypeChannel = "channel"
	TxTypeCCD     = "ccd"
)

// Status values of a collection.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Visibility values of a collection.
const (
	VisibilityInbox   = "inbox"
	VisibilityArchive = "archive"
)

// Distribute modes. A distribute value may also be an explicit destination
// list instead of one of these strings.
const (
	DistributeNone    = "none"
	DistributeMissing = "missing"
	DistributeAll     = "all"
)

// docIDPrefix namespaces collection documents in the database.
const docIDPrefix = "sc_"

// SigningParty is one organization's row in the signing roster. A party
// without a signature is pending; a non-empty signature marks it signed.
type SigningParty struct {
	MSPID      string   `json:"msp_id"`
	OptoolsURL string   `json:"optools_url,omitempty"`
	TimeoutMs  int      `json:"timeout_ms,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	Admin      *bool    `json:"admin,omitempty"`
	Peers      []string `json:"peers,omitempty"`
	PackageID  string   `json:"package_id,omitempty"`
}

// Policy mirrors the channel's signature policy metadata.
type Policy struct {
	NumberOfSignatures int `json:"number_of_signatures,omitempty"`
}

// StoredRequest retains the original outbound request of a distribution so a
// failed destination can be retried later. It is never exposed on reads.
type StoredRequest struct {
	AuthHeader string          `json:"auth_header"`
	Body       json.RawMessage `json:"body"`
	Method     string          `json:"method"`
}

// DistributionError records one destination that could not be reached.
type DistributionError struct {
	MSPID      string `json:"msp_id"`
	OptoolsURL string `json:"optools_url"`
	Resp       string `json:"resp"`
}

// DistributionSuccess records one destination that acknowledged the request.
type DistributionSuccess struct {
	MSPID      string `json:"msp_id"`
	OptoolsURL string `json:"optools_url"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// DistributionAttempt is one fan-out round, appended to the collection's
// distribution log.
type DistributionAttempt struct {
	Distribute   json.RawMessage       `json:"distribute,omitempty"`
	Destinations []string              `json:"destinations"`
	Errors       []DistributionError   `json:"errors"`
	Successes    []DistributionSuccess `json:"successes"`
	Timestamp    int64                 `json:"timestamp"`
	Req          *StoredRequest        `json:"_req,omitempty"`
}

// SignatureCollection is the replicated transaction record tracking one
// in-progress multi-party approval.
type SignatureCollection struct {
	ID  string `json:"_id,omitempty"`
	Rev string `json:"_rev,omitempty"`

	Type                  string                `json:"type"`
	TxID                  string                `json:"tx_id"`
	Channel               string                `json:"channel,omitempty"`
	TxType                string                `json:"tx_type,omitempty"`
	Status                string                `json:"status"`
	Visibility            string                `json:"visibility"`
	Proposal              string                `json:"proposal,omitempty"`
	Orgs2Sign             []SigningParty        `json:"orgs2sign,omitempty"`
	Orderers2Sign         []SigningParty        `json:"orderers2sign,omitempty"`
	Orderers              []string              `json:"orderers,omitempty"`
	Consenters            json.RawMessage       `json:"consenters,omitempty"`
	CurrentPolicy         *Policy               `json:"current_policy,omitempty"`
	JSONDiff              json.RawMessage       `json:"json_diff,omitempty"`
	ReferenceComponentIDs []string              `json:"reference_component_ids,omitempty"`
	OriginatorMSP         string                `json:"originator_msp,omitempty"`
	Timestamp             int64                 `json:"timestamp"`
	DistributionResponses []DistributionAttempt `json:"distribution_responses"`
}

// Summary is the projected list view of a collection.
type Summary struct {
	Channel   string   `json:"channel,omitempty"`
	TxID      string   `json:"tx_id"`
	Timestamp int64    `json:"timestamp"`
	Status    string   `json:"status"`
	Orderers  []string `json:"orderers,omitempty"`
}

// Authorize is the caller identity block on distribution requests.
type Authorize struct {
	MSPID       string `json:"msp_id"`
	Certificate string `json:"certificate"`
	HashVer     string `json:"hash_ver,omitempty"`
}

// SubmitRequest is the decoded body of a create or append call, plus
// transport details the engine needs for distribution bookkeeping.
type SubmitRequest struct {
	TxID                  string          `json:"tx_id"`
	Channel               string          `json:"channel,omitempty"`
	TxType                string          `json:"tx_type,omitempty"`
	Status                string          `json:"status,omitempty"`
	Visibility            string          `json:"visibility,omitempty"`
	Proposal              string          `json:"proposal,omitempty"`
	Orgs2Sign             []SigningParty  `json:"orgs2sign,omitempty"`
	Orderers2Sign         []SigningParty  `json:"orderers2sign,omitempty"`
	Orderers              []string        `json:"orderers,omitempty"`
	Consenters            json.RawMessage `json:"consenters,omitempty"`
	CurrentPolicy         *Policy         `json:"current_policy,omitempty"`
	JSONDiff              json.RawMessage `json:"json_diff,omitempty"`
	ReferenceComponentIDs []string        `json:"reference_component_ids,omitempty"`
	OriginatorMSP         string          `json:"originator_msp,omitempty"`
	Distribute            json.RawMessage `json:"distribute,omitempty"`
	Authorize             *Authorize      `json:"authorize,omitempty"`

	// transport context, populated by the route layer
	AuthHeader    string `json:"-"`
	RawBody       []byte `json:"-"`
	SignatureAuth bool   `json:"-"`
}

// DocID returns the database id for a transaction id.
func DocID(txID string) string {
	return docIDPrefix + txID
}
