package offlinecache

import (
	"net/http/httptest"
	"testing"
)

func TestIdentityIncludesMethodOriginAndQuery(t *testing.T) {
	keyer := NewKeyer("http://origin:8080")
	req := httptest.NewRequest("GET", "/listar?page=2", nil)

	if key := keyer.Identity(req); key != "GET:http://origin:8080/listar?page=2" {
		t.Fatalf("Key is %s", key)
	}
}

func TestPathIdentityMatchesEquivalentRequest(t *testing.T) {
	keyer := NewKeyer("http://origin:8080")
	req := httptest.NewRequest("GET", "/offline", nil)

	if keyer.PathIdentity("/offline") != keyer.Identity(req) {
		t.Fatalf("Path identity %s does not match request identity %s",
			keyer.PathIdentity("/offline"), keyer.Identity(req))
	}
}
