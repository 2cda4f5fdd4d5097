// Package apperrors defines the stable error taxonomy shared by the HTTP
// surface, the orchestrators and the queue consumers. Codes are part of the
// public contract; public messages are French and never carry internals.
package apperrors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeDependency         Code = "DEPENDENCY_UNAVAILABLE"
	CodeDeadline           Code = "DEADLINE_EXCEEDED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "la requête est invalide",
		DetailsAllowed: true,
	},
	CodeNotFound: {
		HTTPStatus:     http.StatusNotFound,
		Retryable:      false,
		PublicMessage:  "ressource introuvable",
		DetailsAllowed: false,
	},
	CodeConflict: {
		HTTPStatus:     http.StatusConflict,
		Retryable:      false,
		PublicMessage:  "conflit avec une ressource existante",
		DetailsAllowed: true,
	},
	CodePreconditionFailed: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		Retryable:      false,
		PublicMessage:  "l'état actuel ne permet pas cette opération",
		DetailsAllowed: true,
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "service temporairement indisponible, veuillez réessayer",
		DetailsAllowed: false,
	},
	CodeDeadline: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "le délai de traitement a été dépassé",
		DetailsAllowed: false,
	},
	CodeInternal: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "une erreur interne est survenue",
		DetailsAllowed: false,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is the tagged result type returned across module boundaries. The
// error id is only populated for internal errors, where the public response
// must be correlatable with a logged record.
type Error struct {
	code    Code
	message string
	details any
	errorID string
	cause   error
}

func New(code Code, message string) *Error {
	e := &Error{code: code, message: message}
	if code == CodeInternal {
		e.errorID = uuid.NewString()
	}
	return e
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	e := New(code, message)
	e.cause = err
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) ErrorID() string {
	if e == nil {
		return ""
	}
	return e.errorID
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts a typed *Error from an error chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf classifies an arbitrary error, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return CodeDeadline
	}
	return CodeInternal
}
