// Package notesapi is the HTTP client for the local notes REST API that the
// tool catalog acts on.
//
// Tools depend on the Requester interface. Client implements it and
// authenticates every call with a credential chosen by a CredentialSource:
// the OAuth client-credentials token when OAuth is preferred and available,
// otherwise the static API key.
package notesapi
