package optimizer

import "math"

// Overall aggregates quality across all tracked connections.
type Overall struct {
	TotalConnections  int     `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	AvgQualityScore   float64 `json:"average_quality_score"`
	AvgResponseMs     float64 `json:"average_response_time_ms"`
	TotalMessages     int64   `json:"total_messages_processed"`
}

// Distribution buckets connections by quality tier.
type Distribution struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Poor      int `json:"poor"`
}

// Report is the optimizer's half of the performance report; the caller
// adds queue stats.
type Report struct {
	Overall         Overall      `json:"overall_performance"`
	Distribution    Distribution `json:"quality_distribution"`
	Recommendations []string     `json:"recommendations"`
}

// Report summarizes connection health and produces tuning
// recommendations from the aggregate numbers.
func (o *Optimizer) Report() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := len(o.quality)
	var sumScore, sumResponse float64
	var totalMessages int64
	var active, excellent, good, poor int
	for _, q := range o.quality {
		sumScore += q.Score
		sumResponse += q.AvgResponseMs
		totalMessages += q.MessagesSent + q.MessagesFailed
		if q.Score > 0.5 {
			active++
		}
		switch {
		case q.Score >= 0.9:
			excellent++
		case q.Score >= 0.7:
			good++
		default:
			poor++
		}
	}

	divisor := float64(max(1, total))
	avgScore := sumScore / divisor
	avgResponse := sumResponse / divisor

	return Report{
		Overall: Overall{
			TotalConnections:  total,
			ActiveConnections: active,
			AvgQualityScore:   round(avgScore, 3),
			AvgResponseMs:     round(avgResponse, 2),
			TotalMessages:     totalMessages,
		},
		Distribution: Distribution{
			Excellent: excellent,
			Good:      good,
			Poor:      poor,
		},
		Recommendations: recommendations(avgScore, avgResponse, totalMessages),
	}
}

func recommendations(avgQuality, avgResponseMs float64, totalMessages int64) []string {
	var recs []string
	if avgQuality < 0.7 {
		recs = append(recs, "Consider reducing message frequency to improve connection quality")
	}
	if avgResponseMs > 1000 {
		recs = append(recs, "High response times detected - consider optimizing message size and batching")
	}
	if totalMessages > 5000 {
		recs = append(recs, "High message volume - implement more aggressive throttling")
	}
	if len(recs) == 0 {
		recs = append(recs, "WebSocket performance is optimal")
	}
	return recs
}

func round(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}
