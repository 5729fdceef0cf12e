package standardbankpay

import "github.com/sefapay/sefapay/provider"

// Register StandardBankPay provider with the gateway registry
func init() {
	provider.Register("standard_bank_pay", NewProvider)
}
