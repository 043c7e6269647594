// Package handler provides typed HTTP handlers for JSON APIs.
//
// A HandlerFunc receives a Context and a request value already populated by
// the binders passed to Wrap, and returns a Response:
//
//	r.Post("/checkout", handler.Wrap(checkout,
//		handler.WithBinder[handler.Context, CheckoutRequest](binder.JSON()),
//		handler.WithErrorHandler[handler.Context, CheckoutRequest](onError),
//	))
//
// Responses are JSON, JSONError and Redirect. A handler that fails returns
// Error(err); Wrap hands err to the configured ErrorHandler, which decides the
// status and body. NewErrorHandler builds one from a classification function
// and logs every error with the request id and client address.
package handler
