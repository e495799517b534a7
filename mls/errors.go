package mls

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Sentinel error kinds from spec §7's MLS taxonomy: validation failed,
// signature rejected, membership inconsistency. All are fatal for the
// frame being processed; the group state remains unchanged.
var (
	ErrValidationFailed = errors.New("mls: validation failed")
	ErrSignatureInvalid = errors.New("mls: signature rejected")
	ErrMemberNotFound   = errors.New("mls: member not found")
	ErrNoPendingCommit  = errors.New("mls: no pending commit to merge")
	ErrMalformedState   = errors.New("mls: malformed group state")
)

// NotMemberError reports that sender_id is not a known group member.
type NotMemberError struct {
	Member MemberId
}

func (e *NotMemberError) Error() string {
	return fmt.Sprintf("mls: member %d not found in group", e.Member)
}
func (e *NotMemberError) Unwrap() error { return ErrMemberNotFound }

// VerifySignature checks an MLS-layer signature against a member's
// stored signing key, returning ErrSignatureInvalid on mismatch. Used
// post-sequencing to authenticate AppMessage senders without requiring
// access to the sender-key ratchet that decrypts the payload.
func VerifySignature(pub ed25519.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(pub, message, signature) {
		return ErrSignatureInvalid
	}
	return nil
}
