package offlinecache

import "net/http"

// Keyer derives cache keys (request identities) for intercepted requests.
type Keyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
}

func NewKeyer(originId string) Keyer {
	return Keyer{OriginId: originId}
}

// Identity returns the cache key for a request.
// The key depends on the method and the full request URI only;
// only GET requests ever reach the store.
func (k Keyer) Identity(r *http.Request) string {
	return r.Method + ":" + k.OriginId + r.URL.RequestURI()
}

// PathIdentity returns the cache key a GET request for the given path
// would have. Used for precache entries and the offline fallback lookup.
func (k Keyer) PathIdentity(path string) string {
	return http.MethodGet + ":" + k.OriginId + path
}
