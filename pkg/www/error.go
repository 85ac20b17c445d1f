package www

import (
	"fmt"
	"net/http"
)

// HTTPError is panicked out of handlers and converted into an HTTP
// response by RunProtected.
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%v %v", e.Code, e.Message)
}

func Error(code int, message string) HTTPError {
	return HTTPError{Code: code, Message: message}
}

func Panic(code int, message string) {
	panic(HTTPError{Code: code, Message: message})
}

func PanicBadRequestf(format string, args ...interface{}) {
	panic(HTTPError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)})
}

func PanicNotFound() {
	panic(HTTPError{Code: http.StatusNotFound, Message: "Not Found"})
}

func PanicNotFoundf(format string, args ...interface{}) {
	panic(HTTPError{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)})
}

func PanicServerErrorf(format string, args ...interface{}) {
	panic(HTTPError{Code: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...)})
}

// Check panics with a 500 if err is not nil.
func Check(err error) {
	if err != nil {
		panic(HTTPError{Code: http.StatusInternalServerError, Message: err.Error()})
	}
}
