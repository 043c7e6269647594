// Package binder parses HTTP request input into typed structs for
// handler.Wrap. JSON binds the request body in strict mode; Query binds
// URL query parameters through `query` struct tags.
package binder
