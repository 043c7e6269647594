package handler

import "net/http"

type redirectResponse struct {
	url    string
	status int
}

func (r redirectResponse) Render(w http.ResponseWriter, req *http.Request) error {
	http.Redirect(w, req, r.url, r.status)
	return nil
}

// Redirect sends the client to url with 303 See Other.
func Redirect(url string) Response {
	return redirectResponse{url: url, status: http.StatusSeeOther}
}

// RedirectWithStatus sends the client to url with a custom 3xx status.
func RedirectWithStatus(url string, status int) Response {
	return redirectResponse{url: url, status: status}
}
