// Package auth guards the server's entry points with a shared API key.
//
// APIKeyInterceptor(mode, header, key) returns a gRPC UnaryServerInterceptor
// that validates the key from the named metadata header.
// HTTPMiddleware(mode, header, key, next) applies the same check to an HTTP
// handler; the REST API wraps its mutating routes with it.
//
// When mode != "apikey" or key == "", all calls pass through (useful for local
// development with auth disabled). Keys are compared in constant time.
package auth
