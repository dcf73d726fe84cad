package generate

import (
	"context"
	"errors"
	"sync"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

var ErrScriptExhausted = errors.New("scripted generator has no more responses")

// Step is one scripted answer. Err takes precedence over Files.
type Step struct {
	Files contracts.ArtifactSet
	Err   error
}

// Scripted replays a fixed list of answers, one per Generate call. The last
// step repeats when Repeat is set.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	repeat   bool
	requests []contracts.GenerationRequest
}

func NewScripted(repeat bool, steps ...Step) *Scripted {
	return &Scripted{steps: steps, repeat: repeat}
}

func (s *Scripted) Generate(ctx context.Context, request contracts.GenerationRequest) (contracts.ArtifactSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := len(s.requests)
	s.requests = append(s.requests, request)
	if index >= len(s.steps) {
		if !s.repeat || len(s.steps) == 0 {
			return nil, ErrScriptExhausted
		}
		index = len(s.steps) - 1
	}
	step := s.steps[index]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Files.Clone(), nil
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []contracts.GenerationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.GenerationRequest(nil), s.requests...)
}
