package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keeper-labs/rollup-keeper/logging"
)

var (
	SealedBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealed_block_number",
		Help: "Latest block number sealed by the pipeline.",
	})

	ProvedBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proved_block_number",
		Help: "Latest block number with an accepted proof.",
	})

	VerifiedBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "verified_block_number",
		Help: "Latest block number whose verify operation is confirmed on L1.",
	})

	MempoolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mempool_size",
		Help: "Number of transactions waiting in the mempool.",
	})

	WatchedEthBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watched_eth_block",
		Help: "L1 block number the event watcher has scanned up to.",
	})

	UnconfirmedEthOpsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unconfirmed_eth_operations",
		Help: "Number of L1 operations sent but not confirmed yet.",
	})

	GasPriceLimitGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gas_price_limit_wei",
		Help: "Current persisted gas price limit in wei.",
	})

	EthTxResendCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eth_tx_resend_total",
		Help: "Total number of gas escalated L1 transaction resends.",
	})

	ConfirmedEthOpCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmed_eth_operations_total",
		Help: "Total confirmed L1 operations by action.",
	}, []string{"action"})

	ReapedLeaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaped_prover_leases_total",
		Help: "Total prover leases reaped after heartbeat expiry.",
	})

	ReorgCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eth_reorg_total",
		Help: "Total L1 reorgs detected and rolled back by the watcher.",
	})

	MetricsItems = []prometheus.Collector{
		SealedBlockGauge,
		ProvedBlockGauge,
		VerifiedBlockGauge,
		MempoolSizeGauge,
		WatchedEthBlockGauge,
		UnconfirmedEthOpsGauge,
		GasPriceLimitGauge,
		EthTxResendCounter,
		ConfirmedEthOpCounter,
		ReapedLeaseCounter,
		ReorgCounter,
	}
)

const DefaultMetricsAddress = "0.0.0.0:9090"

type Metrics struct {
	httpAddress string
	registry    *prometheus.Registry
	httpServer  *http.Server
}

func NewMetrics(address string) *Metrics {
	return &Metrics{
		httpAddress: address,
		registry:    prometheus.NewRegistry(),
	}
}

func (m *Metrics) Start() {
	m.registry.MustRegister(MetricsItems...)
	go m.serve()
}

func (m *Metrics) serve() {
	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.httpServer = &http.Server{
		Addr:    m.httpAddress,
		Handler: router,
	}
	if err := m.httpServer.ListenAndServe(); err != nil {
		logging.Logger.Errorf("failed to listen and serve", "error", err)
		panic(err)
	}
}
