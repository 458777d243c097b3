// Package tokens acquires and caches the bearer token the server uses when it
// acts as an OAuth client.
//
// A Manager performs the client-credentials grant against a configured token
// endpoint and keeps at most one token in a Cache. A cached token is valid
// while now < expiry - ExpiryBuffer; Token returns it without network I/O and
// otherwise performs exactly one fetch, shared by every concurrent caller.
// Peek exposes the cached token without ever fetching, which is what inbound
// authentication compares against.
//
// The cache is process-local by default. A Store (see the redisstore
// subpackage) lets a restarted process pick up a token that is still valid.
package tokens
