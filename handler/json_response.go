package handler

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody is the body of every JSON error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type jsonResponse struct {
	status  int
	headers http.Header
	body    any
}

func (j jsonResponse) Render(w http.ResponseWriter, r *http.Request) error {
	for k, v := range j.headers {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSONOption configures JSON response
type JSONOption func(*jsonResponse)

// WithJSONStatus sets custom HTTP status code
func WithJSONStatus(status int) JSONOption {
	return func(r *jsonResponse) {
		r.status = status
	}
}

// WithJSONHeader sets a response header.
func WithJSONHeader(key, value string) JSONOption {
	return func(r *jsonResponse) {
		if r.headers == nil {
			r.headers = http.Header{}
		}
		r.headers.Set(key, value)
	}
}

// JSON encodes v as the response body with status 200 unless overridden.
func JSON(v any, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusOK, body: v}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JSONError renders detail in the error envelope. Status defaults to 500.
func JSONError(detail ErrorDetail, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusInternalServerError, body: ErrorBody{Error: detail}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// errorResponse defers err to the ErrorHandler configured on Wrap.
type errorResponse struct {
	err error
}

// Render is used only outside Wrap.
func (e errorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	status, detail := errorToDetail(e.err)
	return JSONError(detail, WithJSONStatus(status)).Render(w, r)
}

// Error returns a Response that hands err to the wrapping ErrorHandler.
func Error(err error) Response {
	return errorResponse{err: err}
}

func errorToDetail(err error) (int, ErrorDetail) {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, ErrorDetail{Code: httpErr.Key, Message: httpErr.Error()}
	}
	return http.StatusInternalServerError, ErrorDetail{Code: "internal_error", Message: http.StatusText(http.StatusInternalServerError)}
}
