package access

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ggoodman/credgate/apperr"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	bearerScheme          = "Bearer"
)

var (
	errMissingToken   = apperr.New(apperr.KindAuthentication, "missing bearer token")
	errMalformedToken = apperr.New(apperr.KindAuthentication, "malformed authorization header; expected \"Bearer <token>\"")
)

// BearerToken extracts the session token from r. The header must be exactly
// two space-separated parts, the first literally "Bearer". A missing and a
// malformed header are both AuthenticationErrors with distinct messages.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get(authorizationHeader)
	if h == "" {
		return "", errMissingToken
	}
	parts := strings.Split(h, " ")
	if len(parts) != 2 || parts[0] != bearerScheme || parts[1] == "" {
		return "", errMalformedToken
	}
	return parts[1], nil
}

// bearerChallenge builds a WWW-Authenticate value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
func bearerChallenge(realm string, params map[string]string) string {
	var pieces []string
	if realm != "" {
		pieces = append(pieces, "realm="+strconv.Quote(realm))
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pieces = append(pieces, k+"="+strconv.Quote(params[k]))
	}
	if len(pieces) == 0 {
		return bearerScheme
	}
	return bearerScheme + " " + strings.Join(pieces, ", ")
}
