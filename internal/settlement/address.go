// ABOUTME: Deterministic derivation of an identity's deposit address on the external ledger.

package settlement

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// addressDomain versions the derivation so a future scheme change cannot
// silently collide with existing addresses.
const addressDomain = "rookery/deposit/v1|"

// DepositAddress returns the external-ledger account funds for the identity
// arrive on. The address is a base58-encoded truncated digest: stable per
// identity, no key material involved.
func DepositAddress(identity string) string {
	sum := sha256.Sum256([]byte(addressDomain + identity))
	return base58.Encode(sum[:20])
}
