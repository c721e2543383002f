package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketbroker/identity"
	"marketbroker/market"
)

// Directory resolves the transport address and shared secret used to reach
// a peer, either by its NodeId (once an Agreement exists and carries one) or
// by an offer subscription (for Proposal messages, which do not carry the
// counterparty's NodeId directly). Populated by whatever service discovery
// or configuration mechanism sits outside this broker's scope.
type Directory interface {
	ResolveNode(peer identity.NodeId) (baseURL, secret string, ok bool)
	ResolveSubscription(offer market.SubscriptionId) (baseURL, secret string, ok bool)
}

// Client is the outbound half of PeerApi: it signs and POSTs JSON messages
// to a peer's public prefix.
type Client struct {
	self identity.NodeId
	dir  Directory
	http *http.Client
	now  func() time.Time
}

// NewClient constructs a Client identifying itself as self and resolving
// peers through dir.
func NewClient(self identity.NodeId, dir Directory) *Client {
	return &Client{
		self: self,
		dir:  dir,
		http: &http.Client{Timeout: 10 * time.Second},
		now:  time.Now,
	}
}

var _ market.PeerApi = (*Client)(nil)

func (c *Client) post(ctx context.Context, baseURL, secret string, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	signRequest(req, c.self.String(), secret, body, c.now().UTC())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("peer: %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *Client) InitialProposal(ctx context.Context, p *market.Proposal) error {
	baseURL, secret, ok := c.dir.ResolveSubscription(p.OfferSubscription)
	if !ok {
		return fmt.Errorf("peer: no directory entry for offer %s", p.OfferSubscription)
	}
	return c.post(ctx, baseURL, secret, "/peer/proposals/initial", proposalMessage(p))
}

func (c *Client) CounterProposal(ctx context.Context, p *market.Proposal) error {
	baseURL, secret, ok := c.dir.ResolveSubscription(p.OfferSubscription)
	if !ok {
		return fmt.Errorf("peer: no directory entry for offer %s", p.OfferSubscription)
	}
	return c.post(ctx, baseURL, secret, "/peer/proposals/counter", proposalMessage(p))
}

func (c *Client) RejectProposal(ctx context.Context, by market.Issuer, p *market.Proposal, reason *market.Reason) error {
	baseURL, secret, ok := c.dir.ResolveSubscription(p.OfferSubscription)
	if !ok {
		return fmt.Errorf("peer: no directory entry for offer %s", p.OfferSubscription)
	}
	return c.post(ctx, baseURL, secret, "/peer/proposals/reject", RejectProposalMessage{
		ProposalId: p.Id,
		By:         by.String(),
		Reason:     reason,
	})
}

func (c *Client) ProposeAgreement(ctx context.Context, a *market.Agreement) error {
	baseURL, secret, ok := c.dir.ResolveNode(a.ProviderId)
	if !ok {
		return fmt.Errorf("peer: no directory entry for %s", a.ProviderId)
	}
	return c.post(ctx, baseURL, secret, "/peer/agreements/propose", agreementMessage(a))
}

func (c *Client) TerminateAgreement(ctx context.Context, a *market.Agreement, reason *market.Reason) error {
	baseURL, secret, ok := c.dir.ResolveNode(a.ProviderId)
	if !ok {
		return fmt.Errorf("peer: no directory entry for %s", a.ProviderId)
	}
	return c.post(ctx, baseURL, secret, "/peer/agreements/terminate", TerminateAgreementMessage{
		AgreementId: a.Id,
		Reason:      reason,
	})
}

func (c *Client) AgreementCommitted(ctx context.Context, a *market.Agreement) error {
	baseURL, secret, ok := c.dir.ResolveNode(a.ProviderId)
	if !ok {
		return fmt.Errorf("peer: no directory entry for %s", a.ProviderId)
	}
	return c.post(ctx, baseURL, secret, "/peer/agreements/committed", agreementMessage(a))
}
