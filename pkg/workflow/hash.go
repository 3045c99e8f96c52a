package workflow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns the BLAKE2b-256 hash of the definition's canonical
// JSON form, excluding volatile fields. Registration is idempotent by
// (id, version, content hash).
func ContentHash(def *WorkflowDefinition) (string, error) {
	stripped := *def
	stripped.ContentHash = ""
	stripped.CreatedAt = 0
	raw, err := json.Marshal(&stripped)
	if err != nil {
		return "", fmt.Errorf("failed to hash definition: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyKey derives the content-addressed key that makes a scheduled
// unit of work at-most-once: H(instance, transition, phase, attempt).
func IdempotencyKey(instanceID InstanceID, transitionID, phase string, attempt int64) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", instanceID, transitionID, phase, attempt)))
	return hex.EncodeToString(sum[:])
}
