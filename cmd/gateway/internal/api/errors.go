package api

import "net/http"

type CustomError struct {
	StatusCode int
	Message    string
}

func NewCError(statusCode int, message string) CustomError {
	return CustomError{StatusCode: statusCode, Message: message}
}

func (err CustomError) Error() string {
	return err.Message
}

var (
	ErrUnknownSymbol = NewCError(http.StatusNotFound, "symbol is not tracked")
	ErrTimeout       = NewCError(http.StatusGatewayTimeout, "request timed out")
)
