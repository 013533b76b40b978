package health

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4"

// MetricsSource lets other packages contribute exposition lines, e.g. the
// HTTP request-duration histogram.
type MetricsSource interface {
	WriteMetrics(w io.Writer)
}

// Metrics renders the Prometheus text exposition. Absent dependencies are
// omitted entirely rather than reported as zero, so dashboards distinguish
// "not configured" from "down".
func (a *Aggregator) Metrics(ctx context.Context) string {
	report := a.Liveness(ctx)

	var b strings.Builder

	up := 0
	if !report.Degraded() {
		up = 1
	}
	fmt.Fprintf(&b, "# HELP runbox_up Whether the service and all configured dependencies are healthy.\n")
	fmt.Fprintf(&b, "# TYPE runbox_up gauge\n")
	fmt.Fprintf(&b, "runbox_up %d\n", up)

	writeComponents(&b, report.Dependencies)
	writeRuntime(&b, report.Runtime)
	writePool(&b, report)
	writeFlags(&b, report.Flags)
	a.writeLag(ctx, &b)

	for _, source := range a.extra {
		source.WriteMetrics(&b)
	}

	return b.String()
}

func writeComponents(b *strings.Builder, deps map[string]DependencyStatus) {
	names := make([]string, 0, len(deps))
	for name, dep := range deps {
		if dep.Configured {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	fmt.Fprintf(b, "# HELP runbox_component_healthy Whether a configured dependency is reachable.\n")
	fmt.Fprintf(b, "# TYPE runbox_component_healthy gauge\n")
	for _, name := range names {
		healthy := 0
		if deps[name].Connected {
			healthy = 1
		}
		fmt.Fprintf(b, "runbox_component_healthy{component=%q} %d\n", name, healthy)
	}

	fmt.Fprintf(b, "# HELP runbox_component_latency_ms Round-trip latency of the last health check.\n")
	fmt.Fprintf(b, "# TYPE runbox_component_latency_ms gauge\n")
	for _, name := range names {
		if deps[name].Connected {
			fmt.Fprintf(b, "runbox_component_latency_ms{component=%q} %d\n", name, deps[name].LatencyMs)
		}
	}
}

func writeRuntime(b *strings.Builder, info RuntimeInfo) {
	fmt.Fprintf(b, "# HELP runbox_process_memory_alloc_bytes Bytes of allocated heap objects.\n")
	fmt.Fprintf(b, "# TYPE runbox_process_memory_alloc_bytes gauge\n")
	fmt.Fprintf(b, "runbox_process_memory_alloc_bytes %d\n", info.AllocBytes)

	fmt.Fprintf(b, "# HELP runbox_process_memory_sys_bytes Bytes obtained from the OS.\n")
	fmt.Fprintf(b, "# TYPE runbox_process_memory_sys_bytes gauge\n")
	fmt.Fprintf(b, "runbox_process_memory_sys_bytes %d\n", info.SysBytes)

	fmt.Fprintf(b, "# HELP runbox_goroutines Number of live goroutines.\n")
	fmt.Fprintf(b, "# TYPE runbox_goroutines gauge\n")
	fmt.Fprintf(b, "runbox_goroutines %d\n", info.Goroutines)

	fmt.Fprintf(b, "# HELP runbox_uptime_seconds Seconds since process start.\n")
	fmt.Fprintf(b, "# TYPE runbox_uptime_seconds counter\n")
	fmt.Fprintf(b, "runbox_uptime_seconds %d\n", info.UptimeSec)
}

func writePool(b *strings.Builder, report *Report) {
	fmt.Fprintf(b, "# HELP runbox_pool_size Provisioned warm instances, idle plus leased.\n")
	fmt.Fprintf(b, "# TYPE runbox_pool_size gauge\n")
	fmt.Fprintf(b, "runbox_pool_size %d\n", report.Pool.Size)

	fmt.Fprintf(b, "# HELP runbox_pool_available Idle warm instances ready for checkout.\n")
	fmt.Fprintf(b, "# TYPE runbox_pool_available gauge\n")
	fmt.Fprintf(b, "runbox_pool_available %d\n", report.Pool.Available)

	fmt.Fprintf(b, "# HELP runbox_pool_max_size Configured pool capacity.\n")
	fmt.Fprintf(b, "# TYPE runbox_pool_max_size gauge\n")
	fmt.Fprintf(b, "runbox_pool_max_size %d\n", report.Pool.MaxSize)
}

func writeFlags(b *strings.Builder, snapshot map[string]bool) {
	if len(snapshot) == 0 {
		return
	}
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(b, "# HELP runbox_feature_flag_enabled Whether a feature flag is on.\n")
	fmt.Fprintf(b, "# TYPE runbox_feature_flag_enabled gauge\n")
	for _, name := range names {
		enabled := 0
		if snapshot[name] {
			enabled = 1
		}
		fmt.Fprintf(b, "runbox_feature_flag_enabled{flag=%q} %d\n", name, enabled)
	}
}

func (a *Aggregator) writeLag(ctx context.Context, b *strings.Builder) {
	if a.lag == nil || !a.lag.IsAvailable() {
		return
	}
	lag, err := a.lag.Lag(ctx)
	if err != nil {
		a.logger.Warn("failed to read consumer lag for metrics", zap.Error(err))
		return
	}
	if len(lag) == 0 {
		return
	}

	topics := make([]string, 0, len(lag))
	for topic := range lag {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	fmt.Fprintf(b, "# HELP runbox_stream_consumer_lag Events published but not yet acknowledged.\n")
	fmt.Fprintf(b, "# TYPE runbox_stream_consumer_lag gauge\n")
	for _, topic := range topics {
		fmt.Fprintf(b, "runbox_stream_consumer_lag{topic=%q} %d\n", topic, lag[topic])
	}
}
