package detector

import "context"

// Noop is a Detector backend used in tests and in configurations where
// detection is intentionally disabled; it reports zero boxes for every
// frame without touching any model runtime.
type Noop struct{}

func (Noop) Detect(_ context.Context, _ Frame) ([]Box, error) { return nil, nil }
func (Noop) Close() error                                     { return nil }

// Scripted is a test Detector that returns a pre-programmed sequence of
// results, one per call to Detect, repeating the last entry once
// exhausted. Useful for asserting the inference thread's rolling
// inference_fps and drop-oldest behavior deterministically.
type Scripted struct {
	Results [][]Box
	calls   int
}

func (s *Scripted) Detect(_ context.Context, _ Frame) ([]Box, error) {
	if len(s.Results) == 0 {
		return nil, nil
	}
	idx := s.calls
	if idx >= len(s.Results) {
		idx = len(s.Results) - 1
	}
	s.calls++
	return s.Results[idx], nil
}

func (s *Scripted) Close() error { return nil }
