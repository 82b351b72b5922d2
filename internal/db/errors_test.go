// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"errors"
	"testing"
)

func TestMapDBError(t *testing.T) {
	if MapDBError(nil) != nil {
		t.Errorf("nil maps to nil")
	}

	cases := []string{
		"UNIQUE constraint failed: trackers.external_key",
		"Error 1062: Duplicate entry 'PLAT-1' for key 'external_key'",
		"ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)",
	}
	for _, msg := range cases {
		if got := MapDBError(errors.New(msg)); !errors.Is(got, ErrDuplicate) {
			t.Errorf("%q should map to ErrDuplicate, got %v", msg, got)
		}
	}

	plain := errors.New("connection refused")
	if got := MapDBError(plain); got != plain {
		t.Errorf("unrelated errors pass through, got %v", got)
	}
}
