/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

// mergeSignatures folds the incoming rosters into the stored document. This
// is the convergence rule that lets concurrent appends from different
// instances settle: a stored party's signed fields are only overwritten by a
// strictly newer timestamp, and unknown parties are only adopted when they
// arrive signed and addressable. Applied on append only; create takes the
// request body as the initial state.
func mergeSignatures(stored *SignatureCollection, incoming *SubmitRequest, now int64) {
	stored.Orgs2Sign = mergeRoster(stored.Orgs2Sign, incoming.Orgs2Sign, now)
	stored.Orderers2Sign = mergeRoster(stored.Orderers2Sign, incoming.Orderers2Sign, now)
}

func mergeRoster(stored, incoming []SigningParty, now int64) []SigningParty {
	for _, in := range incoming {
		pos := -1
		for i := range stored {
			if stored[i].MSPID == in.MSPID {
				pos = i
				break
			}
		}

		if pos == -1 {
			// ad-hoc party: must arrive signed and with an endpoint, else it
			// could never be distributed to later
			if in.Signature != "" && in.OptoolsURL != "" {
				if in.Timestamp == 0 {
					in.Timestamp = now
				}
				stored = append(stored, in)
			} else {
				logger.Debugf("dropping roster entry for %s: needs both signature and optools_url", in.MSPID)
			}
			continue
		}

		if in.Signature == "" {
			continue
		}
		if in.Timestamp == 0 {
			in.Timestamp = now
		}
		if in.Timestamp <= stored[pos].Timestamp {
			logger.Debugf("keeping newer stored signature for %s (stored ts %d >= incoming ts %d)",
				in.MSPID, stored[pos].Timestamp, in.Timestamp)
			continue
		}

		entry := &stored[pos]
		entry.Signature = in.Signature
		entry.Timestamp = in.Timestamp
		if in.OptoolsURL != "" {
			entry.OptoolsURL = in.OptoolsURL
		}
		if in.TimeoutMs != 0 {
			entry.TimeoutMs = in.TimeoutMs
		}
		if in.PackageID != "" {
			entry.PackageID = in.PackageID
		}
		if len(in.Peers) > 0 {
			entry.Peers = in.Peers
		}
		if in.Admin != nil {
			entry.Admin = in.Admin
		}
	}
	return stored
}
