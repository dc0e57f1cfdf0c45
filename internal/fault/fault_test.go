package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsKind(t *testing.T) {
	err := Alignment(3, 7, "embedding stream exhausted")
	wrapped := fmt.Errorf("recombining: %w", err)

	assert.ErrorIs(t, wrapped, ErrAlignment)
	assert.NotErrorIs(t, wrapped, ErrIntegrity)

	var fe *Error
	if assert.ErrorAs(t, wrapped, &fe) {
		assert.Equal(t, 3, fe.Line)
		assert.Equal(t, 7, fe.Record)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"config", Config("overlap %.2f outside [0,1)", 1.5), "configuration error: overlap 1.50 outside [0,1)"},
		{"alignment", Alignment(2, 5, "short"), "alignment error at line 2 (record 5): short"},
		{"integrity", Integrity(1, "layer -1 has 3 tokens"), "integrity error at line 1: layer -1 has 3 tokens"},
		{"malformed", Malformed(9, errors.New("bad int"), "ledger entry %q", "x"), `malformed record (record 9): ledger entry "x": bad int`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(Config("x")))
	assert.Equal(t, ExitMalformed, ExitCode(fmt.Errorf("wrap: %w", Malformed(0, nil, "x"))))
	assert.Equal(t, ExitAlignment, ExitCode(Alignment(0, 0, "x")))
	assert.Equal(t, ExitIntegrity, ExitCode(Integrity(0, "x")))
	assert.Equal(t, ExitCanceled, ExitCode(context.Canceled))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("disk full")))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "alignment", Kind(Alignment(0, 0, "x")))
	assert.Equal(t, "unknown", Kind(errors.New("x")))
	assert.Equal(t, "", Kind(nil))
}
