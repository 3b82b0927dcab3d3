package metrics

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	modelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_model_calls_total",
			Help: "Model calls per provider/model by outcome (success/fallback).",
		},
		[]string{"provider", "model", "outcome"},
	)

	modelLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_model_latency_ms",
			Help:    "Model call latency distribution in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
		[]string{"provider", "model", "success"},
	)

	modelTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_model_tokens_total",
			Help: "Tokens reported by the provider, split into prompt and completion.",
		},
		[]string{"provider", "model", "kind"},
	)

	storeWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_writes_total",
			Help: "Store mutations persisted per backend by result.",
		},
		[]string{"backend", "result"},
	)

	chatsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_created_total",
			Help: "Chat sessions created.",
		},
	)

	chatsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_deleted_total",
			Help: "Chat sessions deleted.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			modelCalls, modelLatencyMs, modelTokens,
			storeWrites, chatsCreated, chatsDeleted,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Model helpers --------

func ObserveModelCall(provider, model string, latencyMs int64, success bool) {
	outcome := "success"
	if !success {
		outcome = "fallback"
	}
	modelCalls.WithLabelValues(norm(provider), norm(model), outcome).Inc()
	modelLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func ObserveTokens(provider, model string, prompt, completion int) {
	modelTokens.WithLabelValues(norm(provider), norm(model), "prompt").Add(float64(prompt))
	modelTokens.WithLabelValues(norm(provider), norm(model), "completion").Add(float64(completion))
}

// -------- Store helpers --------

func ObserveStoreWrite(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeWrites.WithLabelValues(norm(backend), result).Inc()
}

func IncChatsCreated() { chatsCreated.Inc() }

func IncChatsDeleted() { chatsDeleted.Inc() }
