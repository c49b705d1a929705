package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
)

func testIncident() *domain.Incident {
	return &domain.Incident{
		ID:       "inc-1",
		Title:    "Database Connection Failed",
		Severity: domain.SeverityP1,
		Category: "database",
		Source:   "datadog",
		Resource: domain.Resource{
			Type: "database",
			ID:   "pg-primary-01",
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestGenerate(t *testing.T) {
	t.Run("deterministic across calls", func(t *testing.T) {
		incident := testIncident()
		first := Generate(incident)
		second := Generate(incident)
		assert.Equal(t, first, second)
		assert.Len(t, first, 64) // hex-encoded SHA-256
	})

	t.Run("insensitive to title case and whitespace", func(t *testing.T) {
		a := testIncident()
		b := testIncident()
		b.Title = "  database   CONNECTION failed "
		assert.Equal(t, Generate(a), Generate(b))
	})

	t.Run("sensitive to source", func(t *testing.T) {
		a := testIncident()
		b := testIncident()
		b.Source = "prometheus"
		assert.NotEqual(t, Generate(a), Generate(b))
	})

	t.Run("sensitive to category", func(t *testing.T) {
		a := testIncident()
		b := testIncident()
		b.Category = "network"
		assert.NotEqual(t, Generate(a), Generate(b))
	})

	t.Run("sensitive to resource", func(t *testing.T) {
		a := testIncident()
		b := testIncident()
		b.Resource.ID = "pg-replica-02"
		assert.NotEqual(t, Generate(a), Generate(b))
	})

	t.Run("sensitive to title content", func(t *testing.T) {
		a := testIncident()
		b := testIncident()
		b.Title = "Database connection pool exhausted"
		assert.NotEqual(t, Generate(a), Generate(b))
	})

	t.Run("field boundaries do not collide", func(t *testing.T) {
		a := testIncident()
		a.Source = "data"
		a.Category = "dogdatabase"

		b := testIncident()
		b.Source = "datadog"
		b.Category = "database"

		assert.NotEqual(t, Generate(a), Generate(b))
	})

	t.Run("ignores fields outside the identity", func(t *testing.T) {
		a := testIncident()
		b := testIncident()
		b.ID = "inc-2"
		b.Description = "different description"
		b.Severity = domain.SeverityP4
		b.CreatedAt = b.CreatedAt.Add(time.Hour)
		assert.Equal(t, Generate(a), Generate(b))
	})
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "Database Down", "database down"},
		{"collapses internal whitespace", "a  b\t c", "a b c"},
		{"trims ends", "  padded  ", "padded"},
		{"empty", "", ""},
		{"only whitespace", " \t\n ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTitle(tt.input))
		})
	}
}
