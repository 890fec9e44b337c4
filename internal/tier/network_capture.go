package tier

import (
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// NetworkCapture records the status code and headers of the top-level
// document response for a page. rod's Navigate doesn't surface this
// directly the way a plain http.Client response does, so a hijack
// router is used to load and inspect the document response in place.
type NetworkCapture struct {
	mu      sync.Mutex
	status  int
	headers map[string]string
}

// AttachNetworkCapture installs a hijack router that loads the real
// response for every request (passing it through unmodified) and
// records the status/headers of the first document-typed response it
// sees. Call the returned stop func once the page has settled.
func AttachNetworkCapture(page *rod.Page) (*NetworkCapture, func()) {
	nc := &NetworkCapture{headers: map[string]string{}}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		_ = h.LoadResponse(nil, true)

		if h.Request.Type() == proto.NetworkResourceTypeDocument {
			nc.mu.Lock()
			if nc.status == 0 {
				nc.status = h.Response.Payload().ResponseCode
				for k, v := range h.Response.Headers() {
					nc.headers[strings.ToLower(k)] = v.String()
				}
			}
			nc.mu.Unlock()
		}
	})
	go router.Run()

	return nc, func() { _ = router.Stop() }
}

func (nc *NetworkCapture) StatusCode() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.status == 0 {
		return 200
	}
	return nc.status
}

func (nc *NetworkCapture) Headers() map[string]string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	out := make(map[string]string, len(nc.headers))
	for k, v := range nc.headers {
		out[k] = v
	}
	return out
}
