package relayrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const callbackTimeout = 5 * time.Second

// deliverCallback POSTs env to callbackURL and treats any non-2xx or
// transport failure as "not delivered" so the forwarder falls back to
// pending. Grounded on relayclient's request-timeout-plus-no-retry-on-4xx
// shape, but one-shot: a callback miss degrades to a queued message rather
// than retrying, since the recipient can still drain its pending queue.
func (s *Service) deliverCallback(ctx context.Context, callbackURL string, env deliveredEnvelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.callbackClient.Do(req)
	if err != nil {
		s.logger.Warn("relay router: callback delivery failed", "url", redactURL(callbackURL), "error", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// redactURL drops the query string, so query parameters a callback URL
// might carry are never logged.
func redactURL(u string) string {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return u[:i]
		}
	}
	return u
}
