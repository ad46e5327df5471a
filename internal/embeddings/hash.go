package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyInput is returned when a backend is asked to embed blank text.
var ErrEmptyInput = errors.New("embeddings: input text is empty")

// HashModel is the model identifier reported for hash embeddings.
const HashModel = "local-hash-v1"

// HashBackend produces deterministic feature-hashed bag-of-words vectors without any network call.
// Texts sharing words get similar vectors, which is enough for local development and tests.
type HashBackend struct {
	dimensions int
}

// NewHashBackend creates a hash backend producing vectors of the given dimension.
func NewHashBackend(dimensions int) *HashBackend {
	if dimensions <= 0 {
		dimensions = 768
	}

	return &HashBackend{dimensions: dimensions}
}

// CreateEmbedding hashes each token of input into a signed bucket and L2-normalizes the result.
func (h *HashBackend) CreateEmbedding(_ context.Context, input string) ([]float32, error) {
	tokens := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil, ErrEmptyInput
	}

	vec := make([]float32, h.dimensions)

	for _, token := range tokens {
		sum := sha256.Sum256([]byte(token))
		bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(h.dimensions)

		sign := float32(1)
		if sum[8]&1 == 1 {
			sign = -1
		}

		vec[bucket] += sign
	}

	NormalizeL2(vec)

	return vec, nil
}
