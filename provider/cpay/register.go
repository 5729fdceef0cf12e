package cpay

import "github.com/sefapay/sefapay/provider"

// Register CPay provider with the gateway registry
func init() {
	provider.Register("cpay", NewProvider)
}
