// Package server owns the inbound HTTP surface: the Fiber application, the
// request-ID middleware, the GET-only method guard and the shared upstream
// HTTP client. The proxy logic itself is injected through the ProxyHandler
// interface so tests can substitute fakes.
package server
