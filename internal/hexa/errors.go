package hexa

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the database error conditions surfaced to callers.
type ErrorCode int

const (
	FileCorrupted ErrorCode = iota + 1
	DuplicateKey
	RowNotFoundWhenDeleting
	WrongUserOrPassword
	DatabaseNotFoundWithIfExists
	RemoteDatabaseNotFound
	DatabaseAlreadyOpen
	DatabaseCalledAtShutdown
	ClusterErrorDatabaseRunsAlone
	ClusterErrorDatabaseRunsClustered
	UnsupportedSetting
	ErrorReadingFailed
	GeneralError
)

func (c ErrorCode) String() string {
	switch c {
	case FileCorrupted:
		return "FILE_CORRUPTED_1"
	case DuplicateKey:
		return "DUPLICATE_KEY_1"
	case RowNotFoundWhenDeleting:
		return "ROW_NOT_FOUND_WHEN_DELETING_1"
	case WrongUserOrPassword:
		return "WRONG_USER_OR_PASSWORD"
	case DatabaseNotFoundWithIfExists:
		return "DATABASE_NOT_FOUND_WITH_IF_EXISTS_1"
	case RemoteDatabaseNotFound:
		return "REMOTE_DATABASE_NOT_FOUND_1"
	case DatabaseAlreadyOpen:
		return "DATABASE_ALREADY_OPEN_1"
	case DatabaseCalledAtShutdown:
		return "DATABASE_CALLED_AT_SHUTDOWN"
	case ClusterErrorDatabaseRunsAlone:
		return "CLUSTER_ERROR_DATABASE_RUNS_ALONE"
	case ClusterErrorDatabaseRunsClustered:
		return "CLUSTER_ERROR_DATABASE_RUNS_CLUSTERED_1"
	case UnsupportedSetting:
		return "UNSUPPORTED_SETTING_1"
	case ErrorReadingFailed:
		return "ERROR_READING_FAILED"
	default:
		return "GENERAL_ERROR_1"
	}
}

// DbError carries an enumerated code plus human readable context.
type DbError struct {
	Code    ErrorCode
	message string
	cause   error
}

func (e *DbError) Error() string {
	if e.message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.message)
}

func (e *DbError) Unwrap() error {
	return e.cause
}

// Is matches any DbError with the same code so call sites can use
// errors.Is(err, ErrCode(DuplicateKey)).
func (e *DbError) Is(target error) bool {
	var other *DbError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func newDbError(code ErrorCode, format string, args ...any) *DbError {
	return &DbError{Code: code, message: fmt.Sprintf(format, args...)}
}

func wrapDbError(code ErrorCode, cause error, format string, args ...any) *DbError {
	return &DbError{Code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

// ErrCode returns a bare matcher for errors.Is.
func ErrCode(code ErrorCode) error {
	return &DbError{Code: code}
}

// errDuplicateKeyCached is the single shared cause wrapped into every
// duplicate key error a leaf insert raises; retry paths identify the
// condition by its DuplicateKey code.
var errDuplicateKeyCached = &DbError{Code: DuplicateKey}

// HasCode reports whether err carries the given database error code.
func HasCode(err error, code ErrorCode) bool {
	var dbErr *DbError
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.Code == code
}
