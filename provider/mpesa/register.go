package mpesa

import "github.com/sefapay/sefapay/provider"

// Register M-Pesa provider with the gateway registry
func init() {
	provider.Register("mpesa", NewProvider)
}
