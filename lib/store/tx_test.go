package store

import (
	"context"
	"testing"

	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/cockroachdb/errors"
)

func TestRetry(t *testing.T) {
	tests := []struct {
		name          string
		failures      int
		err           error
		expectedCalls int
		expectErr     bool
	}{
		{"Success", 0, nil, 1, false},
		{"Conflict then success", 2, journal.ErrWriteConflict, 3, false},
		{"Conflict exhausted", 10, journal.ErrWriteConflict, 4, true},
		{"Store conflict then success", 1, NewError(RetCConflict, "conflict"), 2, false},
		{"Other error", 10, errors.New("broken"), 1, true},
		{"Other store error", 10, NewError(RetCInternalError, "broken"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(3, 0, func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if calls != tt.expectedCalls {
				t.Errorf("Expected %d calls, got %d", tt.expectedCalls, calls)
			}
			if (err != nil) != tt.expectErr {
				t.Errorf("Retry = %v, expectErr %t", err, tt.expectErr)
			}
		})
	}
}

func TestTx(t *testing.T) {
	tx := NewTx(7)
	for _, s := range []string{"a", "b", "c"} {
		_ = tx.AddOperation(context.Background(), "kv", []byte("undo-"+s), []byte("redo-"+s))
	}
	if tx.ID() != 7 {
		t.Errorf("ID = %d", tx.ID())
	}
	redo, undo := tx.Redo(), tx.Undo()
	if string(redo[0]) != "redo-a" || string(redo[2]) != "redo-c" {
		t.Errorf("Redo should keep registration order: %q", redo)
	}
	if string(undo[0]) != "undo-c" || string(undo[2]) != "undo-a" {
		t.Errorf("Undo should be reversed: %q", undo)
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected RetCode
	}{
		{"Conflict", errors.Wrap(journal.ErrWriteConflict, "set"), RetCConflict},
		{"Not supported", journal.ErrNotSupported, RetCUnsupportedOperation},
		{"Corrupt", journal.ErrCorruptLogEntry, RetCInvalidOperation},
		{"Other", errors.New("disk full"), RetCInternalError},
		{"Store error", NewError(RetCNotFound, "missing"), RetCNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se *Error
			if !errors.As(FromError(tt.err), &se) || se.Code != tt.expected {
				t.Errorf("FromError(%v) = %v, want code %s", tt.err, se, tt.expected)
			}
		})
	}
	if FromError(nil) != nil {
		t.Errorf("FromError(nil) should be nil")
	}
	if !IsConflict(FromError(journal.ErrWriteConflict)) {
		t.Errorf("IsConflict should detect converted conflicts")
	}
}
