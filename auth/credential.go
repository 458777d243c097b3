package auth

import (
	"net/http"
	"strings"
)

const (
	AuthorizationHeader = "Authorization"
	APIKeyHeader        = "X-API-Key"
	APIKeyQueryParam    = "api_key"

	bearerPrefix = "bearer "
)

// CredentialSource names where a credential was found.
type CredentialSource int

const (
	SourceNone CredentialSource = iota
	SourceBearer
	SourceHeader
	SourceQuery
)

func (s CredentialSource) String() string {
	switch s {
	case SourceBearer:
		return "bearer"
	case SourceHeader:
		return "header"
	case SourceQuery:
		return "query"
	default:
		return "none"
	}
}

// Presence records which credential sources were supplied on a request.
type Presence struct {
	Bearer bool
	Header bool
	Query  bool
}

// Credential is the value selected from a request. Value is empty when no
// source supplied one.
type Credential struct {
	Value   string
	Source  CredentialSource
	Present Presence
}

// ExtractCredential picks the request credential by precedence: bearer
// header, then API key header, then query parameter.
func ExtractCredential(r *http.Request) Credential {
	bearer := bearerToken(r.Header.Get(AuthorizationHeader))
	header := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	query := r.URL.Query().Get(APIKeyQueryParam)

	c := Credential{Present: Presence{
		Bearer: bearer != "",
		Header: header != "",
		Query:  query != "",
	}}
	switch {
	case bearer != "":
		c.Value, c.Source = bearer, SourceBearer
	case header != "":
		c.Value, c.Source = header, SourceHeader
	case query != "":
		c.Value, c.Source = query, SourceQuery
	}
	return c
}

func bearerToken(h string) string {
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}
