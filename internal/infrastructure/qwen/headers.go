package qwen

import (
	"net/http"

	"github.com/google/uuid"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"

// BuildHeaders produces the browser-like header set the upstream expects on
// every API call. requestID should be a fresh uuid per request; pass "" to
// mint one here.
func BuildHeaders(token, cookie, requestID string) http.Header {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", defaultUserAgent)
	h.Set("source", "web")
	h.Set("x-request-id", requestID)
	h.Set("accept", "*/*")
	h.Set("x-accel-buffering", "no")
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

// AddBrowserFingerprint layers the sec-ch-ua / sec-fetch family on top of the
// base headers. Used when the request was rerouted to the vision fallback
// model, which the upstream only serves to browser-looking clients.
func AddBrowserFingerprint(h http.Header, origin string) {
	h.Set("sec-ch-ua", `"Chromium";v="139", "Not;A=Brand";v="99"`)
	h.Set("sec-ch-ua-mobile", "?0")
	h.Set("sec-ch-ua-platform", `"Windows"`)
	h.Set("sec-fetch-dest", "empty")
	h.Set("sec-fetch-mode", "cors")
	h.Set("sec-fetch-site", "same-origin")
	h.Set("Referer", origin+"/")
	h.Set("Origin", origin)
}
