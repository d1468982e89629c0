package capture

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// adDomains are well-known ad and tracking domains. Requests to them or
// their subdomains are aborted when BlockAds is set.
var adDomains = map[string]struct{}{
	"doubleclick.net":                {},
	"googlesyndication.com":          {},
	"googleadservices.com":           {},
	"google-analytics.com":           {},
	"googletagmanager.com":           {},
	"googletagservices.com":          {},
	"facebook.net":                   {},
	"connect.facebook.net":           {},
	"facebook.com":                   {},
	"fbcdn.net":                      {},
	"adnxs.com":                      {},
	"adsrvr.org":                     {},
	"amazon-adsystem.com":            {},
	"criteo.com":                     {},
	"criteo.net":                     {},
	"outbrain.com":                   {},
	"taboola.com":                    {},
	"moatads.com":                    {},
	"pubmatic.com":                   {},
	"rubiconproject.com":             {},
	"scorecardresearch.com":          {},
	"quantserve.com":                 {},
	"hotjar.com":                     {},
	"mixpanel.com":                   {},
	"segment.io":                     {},
	"segment.com":                    {},
	"analytics.twitter.com":          {},
	"ads-twitter.com":                {},
	"static.ads-twitter.com":         {},
	"chartbeat.com":                  {},
	"chartbeat.net":                  {},
	"optimizely.com":                 {},
	"zedo.com":                       {},
	"media.net":                      {},
	"contextweb.com":                 {},
	"bidswitch.net":                  {},
	"openx.net":                      {},
	"casalemedia.com":                {},
	"demdex.net":                     {},
	"krxd.net":                       {},
	"bluekai.com":                    {},
	"exelator.com":                   {},
	"turn.com":                       {},
	"mathtag.com":                    {},
	"serving-sys.com":                {},
	"eyeota.net":                     {},
	"agkn.com":                       {},
	"rlcdn.com":                      {},
	"sharethis.com":                  {},
	"addthis.com":                    {},
	"consensu.org":                   {},
}

// isAdDomain reports whether host or any parent domain is blocklisted.
func isAdDomain(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for host != "" {
		if _, ok := adDomains[host]; ok {
			return true
		}
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			break
		}
		host = host[idx+1:]
	}
	return false
}

// blockAds installs an interceptor that fails ad requests with
// BlockedByClient and lets everything else through. Blocked requests still
// reach the network log as failed entries.
//
// The caller must Stop the returned router.
func blockAds(page *rod.Page) *rod.HijackRouter {
	router := page.HijackRequests()

	_ = router.Add("*", "", func(h *rod.Hijack) {
		if u, err := url.Parse(h.Request.URL().String()); err == nil && isAdDomain(u.Hostname()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// Run blocks until Stop.
	go router.Run()

	return router
}
