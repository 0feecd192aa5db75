package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/bridgespeak/pkg/transport"
)

// OfferPath is appended to the server base URL for the offer exchange.
const OfferPath = transport.OfferPath

// OfferRequest is the body posted to the offer endpoint.
type OfferRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`

	// PCID identifies an existing peer connection when renegotiating.
	PCID string `json:"pc_id,omitempty"`
}

// OfferAnswer is the body returned by the offer endpoint.
type OfferAnswer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

// OfferClient posts SDP offers to the bot server.
type OfferClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOfferClient creates an OfferClient for serverBase. A nil httpClient uses
// a client with a 30 s timeout.
func NewOfferClient(serverBase string, httpClient *http.Client) *OfferClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OfferClient{
		baseURL:    strings.TrimRight(serverBase, "/"),
		httpClient: httpClient,
	}
}

// URL returns the full offer endpoint URL.
func (c *OfferClient) URL() string { return c.baseURL + OfferPath }

// Exchange posts req and returns the server's answer.
func (c *OfferClient) Exchange(ctx context.Context, req OfferRequest) (OfferAnswer, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return OfferAnswer{}, fmt.Errorf("webrtc: encode offer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(body))
	if err != nil {
		return OfferAnswer{}, fmt.Errorf("webrtc: POST %s: %w", OfferPath, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return OfferAnswer{}, fmt.Errorf("webrtc: POST %s: %w", OfferPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return OfferAnswer{}, &transport.OfferError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	var ans OfferAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		return OfferAnswer{}, fmt.Errorf("webrtc: decode answer: %w: %v", transport.ErrProtocol, err)
	}
	if ans.SDP == "" {
		return OfferAnswer{}, fmt.Errorf("webrtc: answer has no sdp: %w", transport.ErrProtocol)
	}
	if ans.Type != "" && ans.Type != "answer" {
		return OfferAnswer{}, fmt.Errorf("webrtc: unexpected description type %q: %w", ans.Type, transport.ErrProtocol)
	}
	return ans, nil
}
