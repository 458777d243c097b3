// Package redisstore implements tokens.Store on Redis so that a restarted
// server can keep using a client-credentials token that has not yet expired.
//
// The token is stored as a JSON blob under a single key whose TTL equals the
// token's remaining lifetime, so Redis evicts it no later than it expires.
//
// Example:
//
//	store, _ := redisstore.New(ctx, redisstore.Config{RedisAddr: "localhost:6379"})
//	defer store.Close()
//	mgr, _ := tokens.NewManager(creds, tokens.WithStore(store))
package redisstore
