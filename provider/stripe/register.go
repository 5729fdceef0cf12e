package stripe

import "github.com/sefapay/sefapay/provider"

// Register Stripe provider with the gateway registry
func init() {
	provider.Register("stripe", NewProvider)
}
