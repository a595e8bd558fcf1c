// Package apperror описывает типизированные ошибки операций учёта.
package apperror

import (
	"errors"
	"fmt"
)

// Kind задаёт машиночитаемый вид ошибки.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindInvalidState   Kind = "invalid_state"
	KindIneligible     Kind = "ineligible"
	KindConflict       Kind = "conflict"
	KindAmountMismatch Kind = "amount_mismatch"
	KindNoActivePrice  Kind = "no_active_price"
	KindInvalid        Kind = "invalid"
	KindForbidden      Kind = "forbidden"
	KindInternal       Kind = "internal"
)

// Error описывает ошибку операции с видом, необязательным полем и сообщением для пользователя.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать ошибки по виду через errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Field == "" && t.Message == ""
}

// New создаёт ошибку указанного вида.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Field создаёт ошибку, относящуюся к конкретному полю.
func Field(kind Kind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap создаёт ошибку указанного вида поверх исходной.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Маркеры для сравнения через errors.Is.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrIneligible     = &Error{Kind: KindIneligible}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrAmountMismatch = &Error{Kind: KindAmountMismatch}
	ErrNoActivePrice  = &Error{Kind: KindNoActivePrice}
	ErrInvalid        = &Error{Kind: KindInvalid}
	ErrForbidden      = &Error{Kind: KindForbidden}
)

// KindOf возвращает вид ошибки или KindInternal для нетипизированных ошибок.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As извлекает типизированную ошибку из цепочки.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
