package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexContractCallWildcard(t *testing.T) {
	specific := &Rule{ID: 1, Variant: VariantContractCall, ContractID: "c1", FunctionName: "transfer", Active: true}
	wildcard := &Rule{ID: 2, Variant: VariantContractCall, ContractID: "c1", FunctionName: "", Active: true}
	other := &Rule{ID: 3, Variant: VariantContractCall, ContractID: "c2", FunctionName: "transfer", Active: true}

	idx := NewIndex([]*Rule{specific, wildcard, other})

	got := idx.ContractCallCandidates("c1", "transfer")
	require.Len(t, got, 2)

	got = idx.ContractCallCandidates("c1", "mint")
	require.Len(t, got, 1)
	require.Equal(t, wildcard, got[0])

	require.Empty(t, idx.ContractCallCandidates("c3", "transfer"))
}

func TestIndexAssetAndAddress(t *testing.T) {
	assetRule := &Rule{ID: 1, Variant: VariantTokenTransfer, AssetID: "usdc", Active: true}
	addrRule := &Rule{ID: 2, Variant: VariantAddressActivity, WatchedAddress: "addr1", Active: true}

	idx := NewIndex([]*Rule{assetRule, addrRule})

	require.Equal(t, []*Rule{assetRule}, idx.AssetCandidates("usdc"))
	require.Empty(t, idx.AssetCandidates("other"))
	require.Equal(t, []*Rule{addrRule}, idx.AddressCandidates("addr1"))
}

func TestIndexTypeFallback(t *testing.T) {
	printRule := &Rule{ID: 1, Variant: VariantPrintEvent, Active: true}
	failedRule := &Rule{ID: 2, Variant: VariantFailedTransaction, Active: true}

	idx := NewIndex([]*Rule{printRule, failedRule})

	require.Equal(t, []*Rule{printRule}, idx.TypeCandidates(VariantPrintEvent))
	require.Equal(t, []*Rule{failedRule}, idx.TypeCandidates(VariantFailedTransaction))
}

func TestMatchesTokenTransferThreshold(t *testing.T) {
	r := &Rule{Variant: VariantTokenTransfer, AssetID: "usdc", AmountThreshold: "1000"}

	require.True(t, r.MatchesTokenTransfer("usdc", "1000"))
	require.True(t, r.MatchesTokenTransfer("usdc", "1000000000000000000000"))
	require.False(t, r.MatchesTokenTransfer("usdc", "999"))
	require.False(t, r.MatchesTokenTransfer("other-asset", "1000"))
}

func TestMatchesTokenTransferNoThreshold(t *testing.T) {
	r := &Rule{Variant: VariantTokenTransfer, AssetID: "usdc"}
	require.True(t, r.MatchesTokenTransfer("usdc", "1"))
}
