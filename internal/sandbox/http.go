package sandbox

import "net/http"

// Request is the HTTP-shaped input handed to a guest.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is the HTTP-shaped output a guest announces.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// InternalErrorResponse is the fixed reply used for every failed job. It never
// carries diagnostic detail.
func InternalErrorResponse() Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Status: http.StatusInternalServerError,
		Header: h,
		Body:   []byte("internal error\n"),
	}
}
