package counters

// toleratedWeight is the credit a tolerated request contributes to the score.
const toleratedWeight = 0.5

// Apdex computes the satisfaction score of an interval.
//
// This is a two-tier apdex: a request is either satisfied (weight 1) or
// tolerated (weight 0.5), there is no frustrated tier. With 0 <= tolerated <=
// requests the score lies in [0.5, 1]. ok is false when requests is zero,
// meaning there is no data to score.
func Apdex(requests, tolerated int64) (score float64, ok bool) {
	if requests <= 0 {
		return 0, false
	}
	if tolerated < 0 {
		tolerated = 0
	}
	if tolerated > requests {
		tolerated = requests
	}
	satisfied := requests - tolerated
	return (float64(satisfied) + float64(tolerated)*toleratedWeight) / float64(requests), true
}
