package ierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"specific validation", fmt.Errorf("wrap: %w", ErrInvalidAmount), "invalid_amount"},
		{"bare validation", fmt.Errorf("%w: product id is required", ErrValidation), "validation"},
		{"state", ErrCodeDisabled, "disabled"},
		{"unmapped", errors.New("connection reset"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}
