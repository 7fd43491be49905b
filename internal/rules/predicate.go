package rules

import "math/big"

// wildcardFunction is the by_contract_function bucket key for rules that
// match any function call on a contract.
const wildcardFunction = "*"

// MatchesContractCall reports whether a contract_call rule fires for the
// given contract/function pair.
func (r *Rule) MatchesContractCall(contractID, functionName string) bool {
	if r.Variant != VariantContractCall || r.ContractID != contractID {
		return false
	}
	return r.FunctionName == "" || r.FunctionName == functionName
}

// MatchesTokenTransfer reports whether a token_transfer rule fires for the
// given asset and transferred amount. A rule with no AmountThreshold
// matches any amount; otherwise the event's amount must be >= threshold.
func (r *Rule) MatchesTokenTransfer(assetID, amount string) bool {
	if r.Variant != VariantTokenTransfer || r.AssetID != assetID {
		return false
	}
	if r.AmountThreshold == "" {
		return true
	}
	return compareDecimal(amount, r.AmountThreshold) >= 0
}

// MatchesAddressActivity reports whether an address_activity rule fires
// for the given sender or recipient.
func (r *Rule) MatchesAddressActivity(address string) bool {
	return r.Variant == VariantAddressActivity && r.WatchedAddress == address
}

// MatchesFailedTransaction reports whether this is an active
// failed_transaction rule; the caller has already confirmed the
// transaction failed.
func (r *Rule) MatchesFailedTransaction() bool {
	return r.Variant == VariantFailedTransaction
}

// MatchesPrintEvent reports whether this is an active print_event rule;
// the caller has already confirmed the event is a contract print/log.
func (r *Rule) MatchesPrintEvent() bool {
	return r.Variant == VariantPrintEvent
}

// compareDecimal compares two arbitrary-precision decimal integer strings.
// Malformed input is treated as zero rather than erroring, since a
// malformed on-chain amount must never crash rule matching.
func compareDecimal(a, b string) int {
	ai, aOK := new(big.Int).SetString(a, 10)
	if !aOK {
		ai = big.NewInt(0)
	}
	bi, bOK := new(big.Int).SetString(b, 10)
	if !bOK {
		bi = big.NewInt(0)
	}
	return ai.Cmp(bi)
}
