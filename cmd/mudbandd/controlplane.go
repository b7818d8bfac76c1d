package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mud-band/mud.band-client-sub000/engine"
)

// httpControlPlaneClient implements iface.ControlPlaneClient against the
// real mud.band control endpoint contract (spec §6): a GET carrying the
// previous Mudband-ETag, a 304 meaning "unchanged" (surfaced here by
// simply re-returning the last good body), and a 301 with an `sso_url`
// field meaning MFA re-authentication is required.
type httpControlPlaneClient struct {
	baseURL string
	client  *http.Client

	lastEtag string
	lastBody []byte
}

func newHTTPControlPlaneClient(baseURL string) *httpControlPlaneClient {
	return &httpControlPlaneClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type controlPlaneEnvelope struct {
	Status int             `json:"status"`
	Conf   json.RawMessage `json:"conf"`
	Msg    string          `json:"msg"`
	SSOURL string          `json:"sso_url"`
}

func (c *httpControlPlaneClient) FetchConfig(ctx context.Context, enrollmentToken string) ([]byte, error) {
	url := fmt.Sprintf("%s/band/conf?enroll_token=%s", c.baseURL, enrollmentToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.lastEtag != "" {
		req.Header.Set("Mudband-ETag", c.lastEtag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return c.lastBody, nil
	}
	if resp.StatusCode == http.StatusMovedPermanently {
		return nil, engine.ErrMFARequired
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mudbandd: control plane status %d: %s", resp.StatusCode, body)
	}

	var env controlPlaneEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("mudbandd: decode control plane envelope: %w", err)
	}
	if env.SSOURL != "" {
		return nil, engine.ErrMFARequired
	}

	c.lastEtag = resp.Header.Get("Mudband-ETag")
	c.lastBody = env.Conf
	return env.Conf, nil
}
