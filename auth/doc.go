// Package auth decides whether an inbound HTTP request may use the protected
// endpoints of the server.
//
// A credential is taken from the request in a fixed precedence order: an
// "Authorization: Bearer" header, then the X-API-Key header, then the api_key
// query parameter. The Gate accepts the credential when it equals either the
// configured static key or the OAuth token currently cached for outbound
// calls. The OAuth side only looks at the cache; validating inbound traffic
// never triggers a token fetch.
//
// Failures are reported as ErrUnauthorized regardless of which check failed.
// Log records carry presence flags for each credential source and never the
// credential itself.
//
// Example:
//
//	gate := auth.NewGate(staticKey, tokenManager, auth.WithLogger(log))
//	cred := auth.ExtractCredential(r)
//	if err := gate.Authenticate(r.Context(), cred); errors.Is(err, auth.ErrUnauthorized) {
//	    // 401
//	}
package auth
