// Package confidence maps retrieval strength to a user-facing confidence score.
//
// Mapping v1:
//
//	score = 100 * (0.8*top1 + 0.2*mean(scores))
//
// clamped to [0, 100] and rounded to one decimal. Labels: >= 80 High, >= 65 Moderate, otherwise Low.
// Fallback answers always score 0 with the Low label.
package confidence

import (
	"math"

	"github.com/firstaid/assistant/internal/models"
)

// Version identifies the mapping attached to every Confidence.
const Version = "v1"

// Label thresholds and component weights of mapping v1.
const (
	HighThreshold     = 80.0
	ModerateThreshold = 65.0

	topWeight  = 0.8
	meanWeight = 0.2
)

// Scorer computes confidence. The zero value is ready to use.
type Scorer struct{}

// Score returns the confidence for an answer grounded on chunks, which must be sorted by score
// descending. Fallback answers, and grounded answers with no chunks, score 0.
func (Scorer) Score(chunks []models.RetrievedChunk, mode models.AnswerMode) models.Confidence {
	if mode == models.ModeFallback || len(chunks) == 0 {
		return Fallback()
	}

	top := clampUnit(chunks[0].Score)

	var sum float64
	for _, c := range chunks {
		sum += clampUnit(c.Score)
	}

	mean := sum / float64(len(chunks))

	score := 100 * (topWeight*top + meanWeight*mean)
	score = math.Round(math.Min(100, math.Max(0, score))*10) / 10

	return models.Confidence{Score: score, Label: Label(score), Version: Version}
}

// Fallback returns the forced low confidence of a fallback answer.
func Fallback() models.Confidence {
	return models.Confidence{Score: 0, Label: models.LabelLow, Version: Version}
}

// Label buckets a 0-100 score.
func Label(score float64) string {
	switch {
	case score >= HighThreshold:
		return models.LabelHigh
	case score >= ModerateThreshold:
		return models.LabelModerate
	default:
		return models.LabelLow
	}
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}

	return math.Min(1, math.Max(0, v))
}
