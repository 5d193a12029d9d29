package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rpcRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "campaign_indexer_rpc_retries_total",
		Help: "Total number of retried RPC calls",
	},
	[]string{"operation"},
)
