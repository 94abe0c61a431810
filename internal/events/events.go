// Package events defines the transaction envelope exchanged between the
// homeserver, the delivery queue and the appservice transports.
package events

import (
	"encoding/json"
	"time"
)

// Event is a single Matrix event as received from the homeserver. Content is
// kept opaque; only the routing-relevant fields are inspected.
type Event struct {
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// OTKCount is the one-time-key count record for a single user. Stored
// verbatim, the proxy never looks inside.
type OTKCount = json.RawMessage

// DeviceLists carries the changed/left user id sets of a transaction.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// IsEmpty reports whether both sets are empty.
func (dl *DeviceLists) IsEmpty() bool {
	return len(dl.Changed) == 0 && len(dl.Left) == 0
}

// Union merges other into dl, deduplicating both sets.
func (dl *DeviceLists) Union(other DeviceLists) {
	dl.Changed = unionStrings(dl.Changed, other.Changed)
	dl.Left = unionStrings(dl.Left, other.Left)
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Events is a per-appservice sub-transaction. TxnID is comma-joined when
// multiple queue entries are combined into one delivery attempt.
type Events struct {
	TxnID       string
	PDU         []Event
	EDU         []Event
	Types       []string
	OTKCount    map[string]OTKCount
	DeviceLists DeviceLists
}

// New returns an empty envelope for the given transaction id.
func New(txnID string) *Events {
	return &Events{
		TxnID:    txnID,
		OTKCount: make(map[string]OTKCount),
	}
}

// IsEmpty reports whether the envelope carries no events, key counts or
// device list changes.
func (e *Events) IsEmpty() bool {
	return len(e.PDU) == 0 &&
		len(e.EDU) == 0 &&
		len(e.OTKCount) == 0 &&
		e.DeviceLists.IsEmpty()
}

// AddPDU appends a room event and records its type for metrics labeling.
func (e *Events) AddPDU(evt Event) {
	e.PDU = append(e.PDU, evt)
	e.Types = append(e.Types, evt.Type)
}

// AddEDU appends an ephemeral event and records its type.
func (e *Events) AddEDU(evt Event) {
	e.EDU = append(e.EDU, evt)
	e.Types = append(e.Types, evt.Type)
}

// Append merges txn into e per the batch combine rule: txn ids are joined
// with commas, event slices are concatenated in arrival order, OTK counts are
// unioned with later entries winning, device lists are set-unioned.
func (e *Events) Append(txn *Events) {
	if e.TxnID == "" {
		e.TxnID = txn.TxnID
	} else if txn.TxnID != "" {
		e.TxnID += "," + txn.TxnID
	}
	e.Types = append(e.Types, txn.Types...)
	e.PDU = append(e.PDU, txn.PDU...)
	e.EDU = append(e.EDU, txn.EDU...)
	if e.OTKCount == nil {
		e.OTKCount = make(map[string]OTKCount, len(txn.OTKCount))
	}
	for userID, otk := range txn.OTKCount {
		e.OTKCount[userID] = otk
	}
	e.DeviceLists.Union(txn.DeviceLists)
}

// MaxPDUAge is how old a PDU may get before it is evicted instead of
// delivered. A message this stale is likelier to confuse the user than help
// them, unless they sent it themselves.
const MaxPDUAge = 3 * time.Minute

// PopExpiredPDU removes PDUs older than maxAge from the envelope, except
// events sent by ownerMXID, and returns the removed events. The parallel
// Types slice keeps its entries since it only feeds metrics labels.
func (e *Events) PopExpiredPDU(ownerMXID string, maxAge time.Duration) []Event {
	return e.popExpiredAt(ownerMXID, maxAge, time.Now())
}

func (e *Events) popExpiredAt(ownerMXID string, maxAge time.Duration, now time.Time) []Event {
	var expired []Event
	kept := e.PDU[:0]
	cutoff := now.UnixMilli() - maxAge.Milliseconds()
	for _, evt := range e.PDU {
		if evt.OriginServerTS < cutoff && evt.Sender != ownerMXID {
			expired = append(expired, evt)
		} else {
			kept = append(kept, evt)
		}
	}
	e.PDU = kept
	return expired
}

// wireEvents is the on-wire shape of an envelope, shared by queue entries and
// websocket transaction frames. Optional fields are omitted when empty.
type wireEvents struct {
	TxnID       string              `json:"txn_id,omitempty"`
	Types       []string            `json:"com.beeper.asmux.event_types,omitempty"`
	PDU         []Event             `json:"events"`
	EDU         []Event             `json:"ephemeral,omitempty"`
	OTKCount    map[string]OTKCount `json:"one_time_keys_count,omitempty"`
	DeviceLists *DeviceLists        `json:"device_lists,omitempty"`
}

// MarshalJSON serializes the envelope in wire format.
func (e *Events) MarshalJSON() ([]byte, error) {
	w := wireEvents{
		TxnID: e.TxnID,
		Types: e.Types,
		PDU:   e.PDU,
		EDU:   e.EDU,
	}
	if w.PDU == nil {
		w.PDU = []Event{}
	}
	if len(e.OTKCount) > 0 {
		w.OTKCount = e.OTKCount
	}
	if !e.DeviceLists.IsEmpty() {
		w.DeviceLists = &e.DeviceLists
	}
	return json.Marshal(&w)
}

// UnmarshalJSON parses the wire format back into an envelope.
func (e *Events) UnmarshalJSON(data []byte) error {
	var w wireEvents
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.TxnID = w.TxnID
	e.Types = w.Types
	e.PDU = w.PDU
	e.EDU = w.EDU
	e.OTKCount = w.OTKCount
	if e.OTKCount == nil {
		e.OTKCount = make(map[string]OTKCount)
	}
	if w.DeviceLists != nil {
		e.DeviceLists = *w.DeviceLists
	} else {
		e.DeviceLists = DeviceLists{}
	}
	return nil
}
