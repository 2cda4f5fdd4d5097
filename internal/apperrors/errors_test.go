package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	cases := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodeValidation, http.StatusBadRequest, false},
		{CodeNotFound, http.StatusNotFound, false},
		{CodeConflict, http.StatusConflict, false},
		{CodePreconditionFailed, http.StatusUnprocessableEntity, false},
		{CodeDependency, http.StatusServiceUnavailable, true},
		{CodeDeadline, http.StatusServiceUnavailable, true},
		{CodeInternal, http.StatusInternalServerError, true},
	}
	for _, tc := range cases {
		meta := MetadataFor(tc.code)
		if meta.HTTPStatus != tc.status {
			t.Errorf("%s status = %d, want %d", tc.code, meta.HTTPStatus, tc.status)
		}
		if meta.Retryable != tc.retryable {
			t.Errorf("%s retryable = %v, want %v", tc.code, meta.Retryable, tc.retryable)
		}
		if meta.PublicMessage == "" {
			t.Errorf("%s has no public message", tc.code)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor(Code("NO_SUCH_CODE"))
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", meta.HTTPStatus)
	}
}

func TestInternalErrorsGetErrorID(t *testing.T) {
	e := New(CodeInternal, "boom")
	if e.ErrorID() == "" {
		t.Error("internal errors must carry an error id")
	}

	e = New(CodeValidation, "bad input")
	if e.ErrorID() != "" {
		t.Error("non-internal errors must not carry an error id")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := Wrap(CodeDependency, cause, "downstream down")

	if !errors.Is(e, cause) {
		t.Error("wrapped cause must survive errors.Is")
	}
	if e.Code() != CodeDependency {
		t.Errorf("code = %s, want DEPENDENCY_UNAVAILABLE", e.Code())
	}
}

func TestAsThroughWrapping(t *testing.T) {
	inner := New(CodeNotFound, "missing")
	outer := fmt.Errorf("loading job: %w", inner)

	typed := As(outer)
	if typed == nil {
		t.Fatal("As must find the typed error through fmt wrapping")
	}
	if typed.Code() != CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", typed.Code())
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodeConflict, "dup")); got != CodeConflict {
		t.Errorf("CodeOf typed = %s", got)
	}
	if got := CodeOf(context.DeadlineExceeded); got != CodeDeadline {
		t.Errorf("CodeOf deadline = %s", got)
	}
	if got := CodeOf(errors.New("mystery")); got != CodeInternal {
		t.Errorf("CodeOf unknown = %s", got)
	}
}

func TestWithDetails(t *testing.T) {
	e := New(CodeValidation, "bad").WithDetails(map[string]string{"field": "required"})
	details, ok := e.Details().(map[string]string)
	if !ok || details["field"] != "required" {
		t.Errorf("details = %v", e.Details())
	}
}
