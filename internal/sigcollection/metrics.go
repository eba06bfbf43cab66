/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var distributionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "console",
		Subsystem: "signature_collections",
		Name:      "distributions_total",
		Help:      "Outbound distribution calls to peer instances by outcome.",
	},
	[]string{"outcome"},
)
