package metrics

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

type outcomeKey struct {
	result string
	reason string
}

type execMetrics struct {
	mu       sync.Mutex
	outcomes map[outcomeKey]uint64
	feeWei   *big.Int
	gasUsed  uint64
	latency  *histogram
}

var execCollector = &execMetrics{
	outcomes: make(map[outcomeKey]uint64),
	feeWei:   new(big.Int),
	latency:  newHistogram([]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60}),
}

// ObserveExecSuccess records a successful claim execution together with the
// gas consumed and the fee settled against the provider deposit.
func ObserveExecSuccess(gasUsed uint64, feeWei *big.Int, duration time.Duration) {
	execCollector.mu.Lock()
	defer execCollector.mu.Unlock()
	execCollector.outcomes[outcomeKey{result: "success", reason: "ok"}]++
	execCollector.gasUsed += gasUsed
	if feeWei != nil {
		execCollector.feeWei.Add(execCollector.feeWei, feeWei)
	}
	execCollector.latency.observe(duration.Seconds())
}

// ObserveExecFailure records a failed execution attempt labelled by reason code.
func ObserveExecFailure(reason string, duration time.Duration) {
	execCollector.mu.Lock()
	defer execCollector.mu.Unlock()
	if reason == "" {
		reason = "UNKNOWN"
	}
	execCollector.outcomes[outcomeKey{result: "failure", reason: reason}]++
	execCollector.latency.observe(duration.Seconds())
}

func (m *execMetrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	type outcomeMetric struct {
		outcomeKey
		value uint64
	}
	outcomes := make([]outcomeMetric, 0, len(m.outcomes))
	for key, value := range m.outcomes {
		outcomes = append(outcomes, outcomeMetric{outcomeKey: key, value: value})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].result == outcomes[j].result {
			return outcomes[i].reason < outcomes[j].reason
		}
		return outcomes[i].result < outcomes[j].result
	})

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP autoexec_claim_executions_total Total number of claim execution attempts by result and reason.\n")
	builder.WriteString("# TYPE autoexec_claim_executions_total counter\n")
	for _, metric := range outcomes {
		builder.WriteString(fmt.Sprintf("autoexec_claim_executions_total{result=\"%s\",reason=\"%s\"} %d\n",
			escape(metric.result), escape(metric.reason), metric.value))
	}

	builder.WriteString("# HELP autoexec_claim_fees_wei_total Total fees in wei settled against provider deposits.\n")
	builder.WriteString("# TYPE autoexec_claim_fees_wei_total counter\n")
	builder.WriteString(fmt.Sprintf("autoexec_claim_fees_wei_total %s\n", m.feeWei.String()))

	builder.WriteString("# HELP autoexec_claim_gas_used_total Total gas consumed by successful claim executions.\n")
	builder.WriteString("# TYPE autoexec_claim_gas_used_total counter\n")
	builder.WriteString(fmt.Sprintf("autoexec_claim_gas_used_total %d\n", m.gasUsed))

	builder.WriteString("# HELP autoexec_claim_execution_duration_seconds Claim execution attempt duration in seconds.\n")
	builder.WriteString("# TYPE autoexec_claim_execution_duration_seconds histogram\n")
	for idx, bound := range m.latency.buckets {
		builder.WriteString(fmt.Sprintf("autoexec_claim_execution_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), m.latency.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("autoexec_claim_execution_duration_seconds_bucket{le=\"+Inf\"} %d\n", m.latency.count))
	builder.WriteString(fmt.Sprintf("autoexec_claim_execution_duration_seconds_sum %s\n", formatFloat(m.latency.sum)))
	builder.WriteString(fmt.Sprintf("autoexec_claim_execution_duration_seconds_count %d\n", m.latency.count))

	return builder.String()
}
