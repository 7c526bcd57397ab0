package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Refresh outcome labels.
const (
	RefreshSuccess     = "success"
	RefreshFetchError  = "fetch_error"
	RefreshDecodeError = "decode_error"
	RefreshImplausible = "implausible"
	RefreshOtherError  = "error"
)

// Prometheus metrics for the blocklist compiler
var (
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blocker_refresh_total",
		Help: "Total number of blocklist refresh attempts by result",
	}, []string{"result"})

	RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blocker_refresh_duration_seconds",
		Help:    "Time spent fetching and parsing the hosts source",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
	})

	MutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blocker_mutations_total",
		Help: "Total number of user list mutations by list and operation",
	}, []string{"list", "op"})

	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blocker_mutations_rejected_total",
		Help: "Total number of user list mutations rejected by reason",
	}, []string{"reason"})

	CompileTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocker_compile_total",
		Help: "Total number of ruleset compilations",
	})

	ArtifactWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blocker_artifact_writes_total",
		Help: "Total number of artifact target writes by result",
	}, []string{"result"})

	ArtifactFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocker_artifact_fallback_total",
		Help: "Total number of times the fallback ruleset was written instead of the compiled one",
	})

	WebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blocker_webhook_total",
		Help: "Total number of webhook notifications by result",
	}, []string{"result"})

	// Gauges set after each refresh and compile
	SnapshotDomains = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blocker_snapshot_domains",
		Help: "Number of domains in the current hosts snapshot",
	})

	LastRefreshTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blocker_last_refresh_timestamp_seconds",
		Help: "Unix time of the last successful refresh",
	})

	CompiledRules = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blocker_compiled_rules",
		Help: "Number of rules in the last compiled ruleset by category",
	}, []string{"category"})

	UserListSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blocker_user_list_entries",
		Help: "Number of entries in each user list",
	}, []string{"list"})
)

// RuleCounts is the per-category breakdown of a compiled ruleset.
type RuleCounts struct {
	Static             int
	CustomDomains      int
	PredefinedKeywords int
	CustomKeywords     int
	SnapshotDomains    int
	Skipped            int
	Whitelisted        int
	Truncated          int
}

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			RefreshTotal,
			RefreshDuration,
			MutationsTotal,
			RejectedTotal,
			CompileTotal,
			ArtifactWritesTotal,
			ArtifactFallbackTotal,
			WebhookTotal,
			SnapshotDomains,
			LastRefreshTimestamp,
			CompiledRules,
			UserListSize,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called)
func Registry() *prometheus.Registry {
	return registry
}

// RecordRefresh counts a refresh attempt and its duration in seconds.
func RecordRefresh(result string, seconds float64) {
	RefreshTotal.WithLabelValues(result).Inc()
	if seconds >= 0 {
		RefreshDuration.Observe(seconds)
	}
}

// RecordSnapshot sets the snapshot gauges after a successful refresh or load.
func RecordSnapshot(domains int, fetchedUnix int64) {
	SnapshotDomains.Set(float64(domains))
	if fetchedUnix > 0 {
		LastRefreshTimestamp.Set(float64(fetchedUnix))
	}
}

func RecordMutation(list, op string) {
	MutationsTotal.WithLabelValues(list, op).Inc()
}

func RecordRejected(reason string) {
	RejectedTotal.WithLabelValues(reason).Inc()
}

// RecordCompile counts a compilation and updates the per-category gauges.
func RecordCompile(c RuleCounts) {
	CompileTotal.Inc()
	CompiledRules.WithLabelValues("static").Set(float64(c.Static))
	CompiledRules.WithLabelValues("custom_domains").Set(float64(c.CustomDomains))
	CompiledRules.WithLabelValues("predefined_keywords").Set(float64(c.PredefinedKeywords))
	CompiledRules.WithLabelValues("custom_keywords").Set(float64(c.CustomKeywords))
	CompiledRules.WithLabelValues("snapshot_domains").Set(float64(c.SnapshotDomains))
	CompiledRules.WithLabelValues("skipped").Set(float64(c.Skipped))
	CompiledRules.WithLabelValues("whitelisted").Set(float64(c.Whitelisted))
	CompiledRules.WithLabelValues("truncated").Set(float64(c.Truncated))
}

// RecordArtifactWrite counts a single target write.
func RecordArtifactWrite(ok bool) {
	if ok {
		ArtifactWritesTotal.WithLabelValues("ok").Inc()
	} else {
		ArtifactWritesTotal.WithLabelValues("error").Inc()
	}
}

func RecordArtifactFallback() {
	ArtifactFallbackTotal.Inc()
}

func RecordWebhook(result string) {
	WebhookTotal.WithLabelValues(result).Inc()
}

// ListSizes provides current user list sizes for gauge metrics
type ListSizes interface {
	ListSizes() map[string]int
}

// UpdateGauges updates the user list gauges from the provided source
func UpdateGauges(p ListSizes) {
	if p == nil {
		return
	}
	for list, n := range p.ListSizes() {
		UserListSize.WithLabelValues(list).Set(float64(n))
	}
}
