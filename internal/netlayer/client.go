package netlayer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/dedis/ipa-helper/internal/model"
)

// Client is the outbound half of the H2H API: it dials a peer with
// mutual TLS and issues prepare/step/complete requests. Grounded in the
// teacher's NewTLSConn (dial, then read the peer's certificate chain to
// confirm the handshake), generalized to net/http's transport-level
// connection reuse (spec.md §5 "Transport connections are shared across
// queries via an HTTP/2 connection pool").
type Client struct {
	peers      PeerTable
	httpClient *http.Client
}

// NewClient builds a Client that dials peers over TLS using the given
// client certificate/trust configuration.
func NewClient(peers PeerTable, tlsConfig *tls.Config) *Client {
	return &Client{
		peers: peers,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}
}

func (c *Client) addrOf(id model.HelperIdentity) (string, error) {
	p, ok := c.peers[id]
	if !ok {
		return "", fmt.Errorf("netlayer: unknown peer identity %q", id)
	}
	return p.Address, nil
}

// Prepare issues POST /query/{id}/prepare to the given peer, carrying
// the PRSS seeds and replicated MAC-key share the leader has dealt this
// follower alongside the query config and role assignment.
func (c *Client) Prepare(ctx context.Context, to model.HelperIdentity, qid model.QueryId, cfg model.QueryConfig, ra model.RoleAssignment, leftSeed, rightSeed, macKeyShare []byte) error {
	addr, err := c.addrOf(to)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s/query/%s/prepare", addr, encodeQueryIDSegment(qid))
	return c.post(ctx, url, bytes.NewReader(encodePrepareBody(cfg, ra, leftSeed, rightSeed, macKeyShare)))
}

// Complete issues POST /query/{id}/complete to the given peer.
func (c *Client) Complete(ctx context.Context, to model.HelperIdentity, qid model.QueryId) error {
	addr, err := c.addrOf(to)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s/query/%s/complete", addr, encodeQueryIDSegment(qid))
	return c.post(ctx, url, bytes.NewReader(nil))
}

// Step streams a records body to POST /query/{id}/step/{stepURL} on the
// given peer, stepPath's segments base64-URL-encoded (spec.md §6) so a
// label containing arbitrary characters can never corrupt the request
// path. The request body is the io.Reader directly, so net/http chunks
// the request as bytes become available — the flow-control mechanism
// spec.md §4.D specifies ("implemented via HTTP request chunking").
func (c *Client) Step(ctx context.Context, to model.HelperIdentity, qid model.QueryId, stepPath string, body io.Reader) error {
	addr, err := c.addrOf(to)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s/query/%s/step/%s", addr, encodeQueryIDSegment(qid), EncodeStepURL(stepPath))
	return c.post(ctx, url, body)
}

func (c *Client) post(ctx context.Context, url string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("netlayer: peer returned %s: %s", resp.Status, string(msg))
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
