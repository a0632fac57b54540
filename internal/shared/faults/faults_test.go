package faults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	var malformed json.RawMessage = []byte(`{not json`)
	jsonErr := json.Unmarshal(malformed, &struct{}{})

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found is terminal", ErrNotFound, Terminal},
		{"wrapped not found is terminal", fmt.Errorf("load book: %w", ErrNotFound), Terminal},
		{"duplicate is terminal", ErrDuplicate, Terminal},
		{"version conflict is terminal", ErrVersionConflict, Terminal},
		{"invalid request is terminal", ErrInvalid, Terminal},
		{"unique violation is terminal", &pgconn.PgError{Code: "23505"}, Terminal},
		{"malformed json is terminal", jsonErr, Terminal},
		{"context deadline is transient", context.DeadlineExceeded, Transient},
		{"unknown error is transient", errors.New("connection reset"), Transient},
		{"pg connection error is transient", &pgconn.PgError{Code: "08006"}, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}
