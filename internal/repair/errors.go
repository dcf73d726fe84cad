package repair

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

var (
	ErrCancelled       = errors.New("run cancelled")
	ErrGeneration      = errors.New("generation error")
	ErrAttemptPanicked = errors.New("attempt panicked")
)

// ExhaustedError is returned when every allowed attempt executed without a PASS.
type ExhaustedError struct {
	Attempts  int
	Diagnosis contracts.Diagnosis
}

func (e *ExhaustedError) Error() string {
	signatures := strings.Join(e.Diagnosis.MatchedSignatures, ", ")
	if signatures == "" {
		signatures = "no signatures"
	}
	return fmt.Sprintf("attempts exhausted after %d attempts: %s", e.Attempts, signatures)
}

// GenerationError wraps a generator failure together with the attempt it blocked.
type GenerationError struct {
	Attempt int
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation error on attempt %d: %v", e.Attempt, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}
