package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucidity-labs/mnemosyne/internal/storage"
)

// Verifier settles fact conflicts against the record store: it maps a
// subject entity to its external reference and asks the store for the
// contested slot's current value.
type Verifier struct {
	entities storage.EntityStore
	records  *Client
}

// NewVerifier creates a verifier. A nil return means no record store is
// configured and conflict resolution runs on memory rules alone.
func NewVerifier(entities storage.EntityStore, records *Client) *Verifier {
	if records == nil {
		return nil
	}
	return &Verifier{entities: entities, records: records}
}

// GroundTruth returns the store's value for (subject, predicate). Subjects
// without an external reference, and clean store misses, answer empty
// without error; only an unreachable store errors.
func (v *Verifier) GroundTruth(ctx context.Context, subjectID, predicate string) (string, error) {
	entity, err := v.entities.GetEntity(ctx, subjectID)
	if err != nil {
		return "", fmt.Errorf("authority: failed to load subject %s: %w", subjectID, err)
	}
	if entity.ExternalRef == "" {
		return "", nil
	}

	value, err := v.records.GetValue(ctx, entity.ExternalRef, predicate)
	if errors.Is(err, ErrNoRecord) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
