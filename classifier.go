package offlinecache

import (
	"net/http"
	"path"
	"strings"
)

// Category is the handling category of an intercepted request.
type Category int

const (
	// CategoryBypass marks requests that are proxied to the origin
	// without touching the store.
	CategoryBypass Category = iota
	// CategoryNavigation marks top-level page loads.
	CategoryNavigation
	// CategoryStaticAsset marks style sheets, scripts, images and the like.
	CategoryStaticAsset
	// CategoryOther marks everything else (API calls, exports, ...).
	CategoryOther
)

func (c Category) String() string {
	switch c {
	case CategoryBypass:
		return "bypass"
	case CategoryNavigation:
		return "navigation"
	case CategoryStaticAsset:
		return "static"
	default:
		return "other"
	}
}

// Classifier determines the handling category of a request from its
// method, accept type and path. Classification is pure: no side effects,
// no I/O, same input always gives the same category.
type Classifier struct {
	StaticPrefixes   []string
	StaticExtensions []string
}

func (c Classifier) Classify(r *http.Request) Category {
	if r.Method != http.MethodGet {
		return CategoryBypass
	}
	// Sec-Fetch-Mode is the browser's navigation signal; the accept
	// header check catches clients that do not send it.
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" ||
		strings.Contains(r.Header.Get("Accept"), "text/html") {
		return CategoryNavigation
	}
	for _, prefix := range c.StaticPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return CategoryStaticAsset
		}
	}
	if ext := strings.TrimPrefix(path.Ext(r.URL.Path), "."); ext != "" {
		for _, staticExt := range c.StaticExtensions {
			if strings.EqualFold(ext, staticExt) {
				return CategoryStaticAsset
			}
		}
	}
	return CategoryOther
}
