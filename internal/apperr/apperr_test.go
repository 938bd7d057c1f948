package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", errors.New("boom"), KindInternal},
		{"not found", NotFound("question %d not found", 7), KindNotFound},
		{"wrapped", fmt.Errorf("process: %w", DataIntegrity("no correct answer")), KindDataIntegrity},
		{"provider", Provider(errors.New("503"), "transcribe"), KindProvider},
		{"timeout", Timeout(context.DeadlineExceeded, "grade"), KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", NotFound("attempt 3 not found"))
	if !errors.Is(err, NotFound("")) {
		t.Error("expected errors.Is to match not-found kind")
	}
	if errors.Is(err, Validation("")) {
		t.Error("did not expect match against validation kind")
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	err := Timeout(context.DeadlineExceeded, "grading question %d", 4)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be reachable")
	}
	if err.Error() != "grading question 4: context deadline exceeded" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !Retryable(err) {
		t.Error("timeouts should be retryable")
	}
	if Retryable(NotFound("x")) {
		t.Error("not-found should not be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	if KindDataIntegrity.HTTPStatus() != http.StatusUnprocessableEntity {
		t.Error("data integrity should map to 422")
	}
	if KindInternal.HTTPStatus() != http.StatusInternalServerError {
		t.Error("internal should map to 500")
	}
}
