// Package ws implements the realtime channel families: the lightspeed
// aggregate stream, the publisher push stream, and the Merkle-feed stream.
// Frames are JSON objects discriminated by a type tag.
package ws

import (
	"encoding/json"

	"github.com/astraly-labs/pragma-node/internal/admission"
	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// Frame type tags.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeList        = "list"
	TypeUpdate      = "update"
	TypeAck         = "ack"
	TypeError       = "error"
	TypePing        = "ping"
	TypePong        = "pong"
)

// ClientFrame is a decoded client→server frame. Fields are populated per
// type: pairs/interval/aggregation for subscription changes, batches for
// publisher pushes, network/block/instrument for Merkle requests.
type ClientFrame struct {
	Type        string `json:"type"`
	Pairs       []string `json:"pairs,omitempty"`
	Interval    string   `json:"interval,omitempty"`
	Aggregation string   `json:"aggregation,omitempty"`

	SpotBatch    *admission.SpotBatch         `json:"spot_batch,omitempty"`
	FutureBatch  *admission.FutureBatch       `json:"future_batch,omitempty"`
	FundingBatch *admission.FundingBatch      `json:"funding_batch,omitempty"`
	OIBatch      *admission.OpenInterestBatch `json:"open_interest_batch,omitempty"`

	Network    string `json:"network,omitempty"`
	Block      string `json:"block,omitempty"`
	Instrument string `json:"instrument,omitempty"`
}

// ServerFrame is a server→client frame.
type ServerFrame struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Index   *int            `json:"index,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func ackFrame(payload any) ServerFrame {
	raw, _ := json.Marshal(payload)
	return ServerFrame{Type: TypeAck, Data: raw}
}

func updateFrame(payload any) ServerFrame {
	raw, _ := json.Marshal(payload)
	return ServerFrame{Type: TypeUpdate, Data: raw}
}

func errorFrame(err error) ServerFrame {
	oe := oracle.AsError(err)
	f := ServerFrame{Type: TypeError, Code: string(oe.Kind), Message: oe.Message}
	if oe.Index >= 0 {
		idx := oe.Index
		f.Index = &idx
	}
	return f
}
