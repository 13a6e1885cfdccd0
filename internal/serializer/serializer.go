// Package serializer turns a request's state tree into the string embedded in
// the page, degrading in stages when the full tree cannot be encoded.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/americanexpress/one-app-sub001/internal/store"
)

// Tier records how much of the tree made it into a [SerializedState].
type Tier string

const (
	TierFull    Tier = "full"
	TierMinimal Tier = "minimal"
	TierFailed  Tier = "failed"
)

// levelCritical sits above slog.LevelError for the unrecoverable path.
const levelCritical = slog.LevelError + 4

// SerializedState is the encoded tree plus the tier it was produced at.
type SerializedState struct {
	Blob string
	Tier Tier
}

// Codec is the stateful encoder a [Serializer] drives.
type Codec interface {
	Encode(v any) (string, error)
	ClearCache()
}

// FailedError is returned when both the full and the minimal attempt fail.
// Callers must treat it as fatal for the current response.
type FailedError struct {
	Full    error
	Minimal error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("serialize state: full: %v; minimal: %v", e.Full, e.Minimal)
}

func (e *FailedError) Unwrap() []error {
	return []error{e.Full, e.Minimal}
}

// Option configures a [Serializer].
type Option func(*Serializer)

// WithCodec replaces the default [Encoder].
func WithCodec(c Codec) Option {
	return func(s *Serializer) {
		s.codec = c
	}
}

// WithLogger sets the logger for failed attempts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) {
		s.logger = l
	}
}

// WithObserver registers a function called with the tier of every Serialize.
func WithObserver(fn func(Tier)) Option {
	return func(s *Serializer) {
		s.observe = fn
	}
}

// Serializer encodes state trees. A single Serializer is shared by all
// requests; calls are serialized because the codec is stateful.
type Serializer struct {
	mu      sync.Mutex
	codec   Codec
	logger  *slog.Logger
	observe func(Tier)
}

// New creates a Serializer.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		codec:  NewEncoder(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type step int

const (
	stepAttemptFull step = iota
	stepCleanupAfterFull
	stepAttemptMinimal
	stepCleanupAfterMinimal
	stepFail
)

// Serialize encodes tree.
//
// It runs ATTEMPT_FULL, then on failure CLEANUP and ATTEMPT_MINIMAL, then on
// a second failure CLEANUP and FAIL. Every attempt after a failure is preceded
// by a cache clear. The minimal tier holds only the "config" and
// "moduleLoadStatus" branches. A [*FailedError] is the only error returned;
// codec panics are treated as failed attempts.
func (s *Serializer) Serialize(tree map[string]any) (SerializedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fullErr, minimalErr error
	current := stepAttemptFull

	for {
		switch current {
		case stepAttemptFull:
			blob, err := s.encode(tree)
			if err == nil {
				return s.done(SerializedState{Blob: blob, Tier: TierFull}), nil
			}
			fullErr = err
			s.logger.Error("failed to serialize state, retrying with minimal state", "error", err)
			current = stepCleanupAfterFull

		case stepCleanupAfterFull:
			s.clear()
			current = stepAttemptMinimal

		case stepAttemptMinimal:
			blob, err := s.encode(Minimal(tree))
			if err == nil {
				return s.done(SerializedState{Blob: blob, Tier: TierMinimal}), nil
			}
			minimalErr = err
			current = stepCleanupAfterMinimal

		case stepCleanupAfterMinimal:
			s.clear()
			current = stepFail

		case stepFail:
			s.logger.Log(context.Background(), levelCritical, "failed to serialize minimal state",
				"error", minimalErr,
				"first_error", fullErr,
			)
			s.done(SerializedState{Tier: TierFailed})
			return SerializedState{Tier: TierFailed}, &FailedError{Full: fullErr, Minimal: minimalErr}
		}
	}
}

// Minimal returns the subset of tree kept by the minimal tier.
func Minimal(tree map[string]any) map[string]any {
	return map[string]any{
		store.KeyConfig:           tree[store.KeyConfig],
		store.KeyModuleLoadStatus: tree[store.KeyModuleLoadStatus],
	}
}

func (s *Serializer) done(out SerializedState) SerializedState {
	if s.observe != nil {
		s.observe(out.Tier)
	}
	return out
}

func (s *Serializer) encode(v any) (blob string, err error) {
	defer func() {
		if r := recover(); r != nil {
			blob = ""
			err = fmt.Errorf("encoder panicked: %v", r)
		}
	}()
	blob, err = s.codec.Encode(v)
	if err == nil && blob == "" {
		err = errors.New("encoder produced no output")
	}
	return blob, err
}

func (s *Serializer) clear() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failed to clear serializer cache", "error", r)
		}
	}()
	s.codec.ClearCache()
}
