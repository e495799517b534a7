package ratchet

import "errors"

// Error kinds from spec §4.2. AeadFailed and UnknownSender are fatal;
// TooOldGeneration and GenerationGap are recoverable by requesting sync.
var (
	ErrTooOldGeneration = errors.New("ratchet: generation older than retained window")
	ErrGenerationGap     = errors.New("ratchet: generation too far ahead of retained window")
	ErrAeadFailed         = errors.New("ratchet: aead operation failed")
	ErrUnknownSender      = errors.New("ratchet: unknown sender")
	ErrNoKeyForEpoch      = errors.New("ratchet: no chain state for epoch")
)

// Fatal reports whether err is one of the two fatal ratchet error kinds
// (AeadFailed, UnknownSender). Other kinds suggest the caller request sync.
func Fatal(err error) bool {
	return errors.Is(err, ErrAeadFailed) || errors.Is(err, ErrUnknownSender)
}
