package payments

import "context"

// Authenticate fetches the initial OAuth token. Call once at startup; the
// client refreshes it on expiry.
func (p *PayPal) Authenticate(ctx context.Context) error {
	_, err := p.client.GetAccessToken(ctx)
	return err
}
