package jobs

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Deterministic ID prefixes. Grouping and transform job IDs are derived from
// their session/group, which is what makes conditional job creation an
// exactly-once boundary under at-least-once delivery.
const (
	groupingPrefix  = "grp-"
	transformPrefix = "tf-"
	groupPrefix     = "pg_"
)

// GroupingJobID returns the deterministic phase-1 job ID for a session.
func GroupingJobID(sessionID string) string {
	return groupingPrefix + sessionID
}

// TransformJobID returns the deterministic phase-2 job ID for a group.
func TransformJobID(groupID string) string {
	return transformPrefix + groupID
}

// NewGroupID creates a fresh group ID. Groups are minted once by the grouping
// phase, never re-derived, so randomness is fine here.
func NewGroupID() string {
	return groupPrefix + uuid.NewString()
}

// GenerateID creates a new cryptographically random ID with the given prefix.
// The prefix should include a trailing dash, e.g. "ledger-", "run-".
func GenerateID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msgf("Failed to generate random %s ID", prefix)
	}
	return prefix + hex.EncodeToString(b)
}
