//go:build js && wasm

package server

import "net/http"

// NewHTTPClient returns a client backed by the Workers fetch API, which the
// Go js/wasm runtime uses for the default transport.
func NewHTTPClient() *http.Client {
	return &http.Client{}
}
