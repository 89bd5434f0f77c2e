package usecase

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"maestro/internal/domain"
)

// TokenEstimator counts tokens locally for backends that report no usage
// metadata on their final delta. Estimates are intentionally conservative:
// billing a trial user slightly under beats denying a paying-adjacent one.
type TokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator on the cl100k_base encoding, which
// approximates all supported chat models closely enough for quota purposes.
func NewTokenEstimator() (*TokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load encoding: %w", err)
	}
	return &TokenEstimator{enc: enc}, nil
}

// Estimate returns token counts for the given input and output text.
// Cached tokens cannot be estimated locally and are reported as zero.
func (e *TokenEstimator) Estimate(input, output string) domain.GenerateUsage {
	return domain.GenerateUsage{
		InputTokens:  int64(len(e.enc.Encode(input, nil, nil))),
		OutputTokens: int64(len(e.enc.Encode(output, nil, nil))),
	}
}
