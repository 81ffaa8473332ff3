package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rovermatic/fieldsync/internal/models"

	"gorm.io/gorm"
)

// Human-facing number format: PREFIX-YYYY-NNNN, e.g. EQ-2026-0042. Numbers
// are generated optimistically from the highest locally known value; two
// offline devices can collide, and the server renumbers the loser on push.
// The UUID, never this number, is the sync identity.

// NextHumanNumberTx returns the next sequential number for a kind inside tx.
// Returns "" when the kind carries no number prefix.
func NextHumanNumberTx(tx *gorm.DB, entityType string, now time.Time) (string, error) {
	spec, ok := models.KindFor(entityType)
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	if spec.NumberPrefix == "" {
		return "", nil
	}

	yearPrefix := fmt.Sprintf("%s-%d-", spec.NumberPrefix, now.Year())

	// The sequence part is zero-padded, so lexical order is numeric order.
	var latest models.Entity
	err := tx.Where("entity_type = ? AND human_number LIKE ?", entityType, yearPrefix+"%").
		Order("human_number DESC").
		First(&latest).Error

	seq := 0
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first number for this year
	case err != nil:
		return "", fmt.Errorf("failed to scan for highest number: %w", err)
	default:
		seq = parseSequence(latest.HumanNumber, yearPrefix)
	}

	return fmt.Sprintf("%s%04d", yearPrefix, seq+1), nil
}

func parseSequence(number, yearPrefix string) int {
	tail := strings.TrimPrefix(number, yearPrefix)
	seq, err := strconv.Atoi(tail)
	if err != nil {
		return 0
	}
	return seq
}
