package inventory

import (
	"errors"
	"fmt"
	"strconv"
)

// Code is a machine-readable rejection reason.
type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeNotFound             Code = "NOT_FOUND"
	CodeOutOfSpace           Code = "OUT_OF_SPACE"
	CodeInsufficientQuantity Code = "INSUFFICIENT_QUANTITY"
	CodeStackOverflow        Code = "STACK_OVERFLOW"
	CodeIllegalTransfer      Code = "ILLEGAL_TRANSFER"
	CodeAuthorityViolation   Code = "AUTHORITY_VIOLATION"
)

// Error is a domain error raised while validating a request.
// The registry never mutates state when it returns one.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("inventory: %s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// with attaches a metadata pair and returns e.
func (e *Error) with(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// GetCode extracts the Code from err, or CodeUnknown if err is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// GetMetadata extracts metadata from an error if present.
func GetMetadata(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}

func errNoInventory(id int64) *Error {
	return newError(CodeNotFound, "inventory %d not found", id).with("inventory_id", itoa(id))
}

func errNoItem(id int64) *Error {
	return newError(CodeNotFound, "item %d not found", id).with("item_id", itoa(id))
}

func errNoDefinition(path string) *Error {
	return newError(CodeNotFound, "item definition %q not found", path).with("item_path", path)
}

func errNotAuthority(op string) *Error {
	return newError(CodeAuthorityViolation, "%s requires the authority", op)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
