// Package fingerprint derives deterministic content fingerprints for incidents.
//
// The fingerprint is the deduplication key: two submissions describing the same
// ongoing problem must hash identically regardless of formatting noise in the
// title, so the title is normalised before hashing. Source, category and
// resource fields are structured data and are hashed as-is.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
)

// fieldSeparator joins the fingerprint fields. The separator prevents
// adjacent fields from colliding ("ab"+"c" vs "a"+"bc").
const fieldSeparator = "|"

// Generate computes the content fingerprint for an incident.
//
// The fingerprint is the hex-encoded SHA-256 of
//
//	source|category|resource.type|resource.id|normalised-title
//
// and depends on nothing else, so it is stable across restarts and across
// nodes. Incidents that already carry a fingerprint keep it; Generate never
// consults the existing field.
func Generate(incident *domain.Incident) string {
	parts := []string{
		incident.Source,
		incident.Category,
		incident.Resource.Type,
		incident.Resource.ID,
		NormalizeTitle(incident.Title),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, fieldSeparator)))
	return hex.EncodeToString(sum[:])
}

// NormalizeTitle lower-cases the title and collapses all runs of whitespace
// to single spaces, trimming the ends.
//
// "Database  Connection   Failed" and "database connection failed" normalise
// to the same string.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
