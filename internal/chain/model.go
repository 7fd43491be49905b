// Package chain holds the block/transaction/event entities ingested from
// the upstream indexer's apply/rollback webhook payloads.
package chain

import "time"

// Block is a canonical-chain block as reported by the upstream indexer.
type Block struct {
	ID         int64
	BlockHash  string
	Height     int64
	ParentHash string
	Timestamp  time.Time
	Deleted    bool
	DeletedAt  *time.Time
	Version    int64
}

// Transaction belongs to exactly one Block.
type Transaction struct {
	ID        int64
	TxID      string
	BlockID   int64
	Sender    string
	Success   bool
	Position  int
	Nonce     int64
	Fee       string // arbitrary-precision integer, stored/transmitted as decimal string
	CostUnits string // execution-cost tuple, encoded as an opaque decimal string
	Deleted   bool
	DeletedAt *time.Time
}

// EventVariant is the polymorphic tag on an Event row.
type EventVariant string

const (
	EventFTTransfer      EventVariant = "ft_transfer"
	EventFTMint          EventVariant = "ft_mint"
	EventFTBurn          EventVariant = "ft_burn"
	EventNFTTransfer     EventVariant = "nft_transfer"
	EventNFTMint         EventVariant = "nft_mint"
	EventNFTBurn         EventVariant = "nft_burn"
	EventSTXTransfer     EventVariant = "stx_transfer"
	EventSTXMint         EventVariant = "stx_mint"
	EventSTXBurn         EventVariant = "stx_burn"
	EventSTXLock         EventVariant = "stx_lock"
	EventSmartContractLog EventVariant = "smart_contract_log"
)

// IsTokenTransfer reports whether the variant counts as a token transfer for
// the purposes of by-asset rule matching (fungible or non-fungible).
func (v EventVariant) IsTokenTransfer() bool {
	switch v {
	case EventFTTransfer, EventFTMint, EventFTBurn, EventNFTTransfer, EventNFTMint, EventNFTBurn:
		return true
	default:
		return false
	}
}

// Event is a single decoded log entry within a Transaction.
type Event struct {
	ID            int64
	TransactionID int64
	EventIndex    int
	Variant       EventVariant

	AssetID      string
	Amount       string // arbitrary-precision integer, decimal string
	Sender       string
	Recipient    string
	Topic        string
	DecodedValue string // raw JSON for smart_contract_log, gjson-queried by the matcher

	Deleted bool
}

// ContractCall describes the contract-call facet of a transaction, when
// present. At most one per transaction.
type ContractCall struct {
	TransactionID  int64
	ContractID     string
	FunctionName   string
	ArgsJSON       string
}

// Kind classifies a transaction for matching and for metric labels.
type Kind string

const (
	KindContractCall Kind = "contract_call"
	KindTransfer     Kind = "transfer"
	KindOther        Kind = "other"
)

// Payload is the parsed body of an inbound webhook POST: the upstream
// indexer's apply/rollback batch.
type Payload struct {
	Apply    []BlockEvent `json:"apply"`
	Rollback []BlockEvent `json:"rollback"`
}

// BlockEvent is one block's worth of apply or rollback data as received on
// the wire.
type BlockEvent struct {
	BlockHash    string            `json:"hash"`
	Height       int64             `json:"height"`
	ParentHash   string            `json:"parent_hash"`
	Timestamp    time.Time         `json:"timestamp"`
	Transactions []TransactionWire `json:"txs"`
}

// TransactionWire is one transaction as received in a BlockEvent.
type TransactionWire struct {
	TxID      string       `json:"tx_id"`
	Sender    string       `json:"sender"`
	Success   bool         `json:"success"`
	Position  int          `json:"position"`
	Nonce     int64        `json:"nonce"`
	Fee       string       `json:"fee"`
	CostUnits string       `json:"cost_units"`
	Contract  *ContractWire `json:"contract,omitempty"`
	Events    []EventWire  `json:"events"`
}

// ContractWire is the wire shape of a transaction's contract-call facet.
type ContractWire struct {
	ContractID   string `json:"contract_id"`
	FunctionName string `json:"function_name"`
	ArgsJSON     string `json:"args_json"`
}

// EventWire is one event as received on the wire.
type EventWire struct {
	EventIndex   int          `json:"event_index"`
	Variant      EventVariant `json:"variant"`
	AssetID      string       `json:"asset_id"`
	Amount       string       `json:"amount"`
	Sender       string       `json:"sender"`
	Recipient    string       `json:"recipient"`
	Topic        string       `json:"topic"`
	DecodedValue string       `json:"decoded_value"`
}
