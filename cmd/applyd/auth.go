package main

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const orgKey contextKey = "org"

// tokenAuth maps static bearer tokens to organizations. Auth failures are
// reported inside the apply contract (REJECTED unauthorized) rather than
// as HTTP errors, so clients dead-letter bad credentials instead of
// retrying them forever.
type tokenAuth struct {
	orgs map[string]string // token -> org_id
}

// parseTokens parses "token:org,token:org" from configuration.
func parseTokens(raw string) map[string]string {
	orgs := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			orgs[parts[0]] = parts[1]
		}
	}
	return orgs
}

// middleware authenticates the request and stores the token's org in the
// request context.
func (a *tokenAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if org, ok := a.orgs[token]; ok {
			r = r.WithContext(context.WithValue(r.Context(), orgKey, org))
		}
		next.ServeHTTP(w, r)
	})
}

// orgFromContext returns the authenticated org, or "" when the request
// carried no valid token.
func orgFromContext(ctx context.Context) string {
	org, _ := ctx.Value(orgKey).(string)
	return org
}
