package rules

// Index is an immutable snapshot of the active rules: a value that
// many readers hold a reference to without locks, rebuilt wholesale from
// ListActive whenever a rule mutation invalidates the cache.
type Index struct {
	byContractFunction map[string]map[string][]*Rule
	byAsset            map[string][]*Rule
	byAddress          map[string][]*Rule
	byType             map[Variant][]*Rule
}

// NewIndex builds an Index from the current set of active rules. Callers
// must only pass active rules; NewIndex does not filter.
func NewIndex(active []*Rule) *Index {
	idx := &Index{
		byContractFunction: make(map[string]map[string][]*Rule),
		byAsset:            make(map[string][]*Rule),
		byAddress:          make(map[string][]*Rule),
		byType:             make(map[Variant][]*Rule),
	}

	for _, r := range active {
		switch r.Variant {
		case VariantContractCall:
			fnBucket := r.FunctionName
			if fnBucket == "" {
				fnBucket = wildcardFunction
			}
			if idx.byContractFunction[r.ContractID] == nil {
				idx.byContractFunction[r.ContractID] = make(map[string][]*Rule)
			}
			idx.byContractFunction[r.ContractID][fnBucket] = append(idx.byContractFunction[r.ContractID][fnBucket], r)
		case VariantTokenTransfer:
			idx.byAsset[r.AssetID] = append(idx.byAsset[r.AssetID], r)
		case VariantAddressActivity:
			idx.byAddress[r.WatchedAddress] = append(idx.byAddress[r.WatchedAddress], r)
		}
		idx.byType[r.Variant] = append(idx.byType[r.Variant], r)
	}

	return idx
}

// ContractCallCandidates returns the union of rules keyed to the exact
// function and rules keyed to the wildcard bucket for a contract.
func (idx *Index) ContractCallCandidates(contractID, functionName string) []*Rule {
	byFn := idx.byContractFunction[contractID]
	if byFn == nil {
		return nil
	}
	var out []*Rule
	out = append(out, byFn[functionName]...)
	if functionName != wildcardFunction {
		out = append(out, byFn[wildcardFunction]...)
	}
	return out
}

// AssetCandidates returns token_transfer rules watching the given asset.
func (idx *Index) AssetCandidates(assetID string) []*Rule {
	return idx.byAsset[assetID]
}

// AddressCandidates returns address_activity rules watching the given
// address.
func (idx *Index) AddressCandidates(address string) []*Rule {
	return idx.byAddress[address]
}

// TypeCandidates returns rules of a given variant, used as the fallback
// lookup for variant-only rules (print_event, failed_transaction).
func (idx *Index) TypeCandidates(v Variant) []*Rule {
	return idx.byType[v]
}
