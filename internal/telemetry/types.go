// Package telemetry aggregates privacy counters and performance samples and
// runs the on-device benchmark.
package telemetry

import "time"

// PrivacyCounters counts where messages were processed. SentToCloud is
// expected to stay zero; any increment is an anomaly.
type PrivacyCounters struct {
	ProcessedLocally int64 `json:"processed_locally"`
	SentToCloud      int64 `json:"sent_to_cloud"`
}

// Sample sources.
const (
	SourceLive      = "live"
	SourceBenchmark = "benchmark"
)

// PerformanceSample is one timed observation.
type PerformanceSample struct {
	ResponseTimeMs  float64   `json:"response_time_ms"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	MemoryUsageMB   float64   `json:"memory_usage_mb,omitempty"`
	Success         bool      `json:"success"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source,omitempty"`
	Phase           Phase     `json:"phase,omitempty"`
}

// PerformanceSummary folds a set of samples.
type PerformanceSummary struct {
	AverageResponseTimeMs  float64 `json:"average_response_time_ms"`
	AverageTokensPerSecond float64 `json:"average_tokens_per_second"`
	TotalSamples           int     `json:"total_samples"`
	SuccessRate            float64 `json:"success_rate"`
}

// Summarize folds samples into a summary. An empty input yields the zero
// summary.
func Summarize(samples []PerformanceSample) PerformanceSummary {
	if len(samples) == 0 {
		return PerformanceSummary{}
	}

	var responseTotal, tpsTotal float64
	successes := 0
	for _, s := range samples {
		responseTotal += s.ResponseTimeMs
		tpsTotal += s.TokensPerSecond
		if s.Success {
			successes++
		}
	}

	n := float64(len(samples))
	return PerformanceSummary{
		AverageResponseTimeMs:  responseTotal / n,
		AverageTokensPerSecond: tpsTotal / n,
		TotalSamples:           len(samples),
		SuccessRate:            float64(successes) / n,
	}
}

// add folds one more sample into a running summary.
func (s PerformanceSummary) add(sample PerformanceSample) PerformanceSummary {
	n := float64(s.TotalSamples + 1)
	success := 0.0
	if sample.Success {
		success = 1
	}
	return PerformanceSummary{
		AverageResponseTimeMs:  s.AverageResponseTimeMs + (sample.ResponseTimeMs-s.AverageResponseTimeMs)/n,
		AverageTokensPerSecond: s.AverageTokensPerSecond + (sample.TokensPerSecond-s.AverageTokensPerSecond)/n,
		TotalSamples:           s.TotalSamples + 1,
		SuccessRate:            s.SuccessRate + (success-s.SuccessRate)/n,
	}
}
