package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pdu(evtType, roomID, sender string, ts int64) Event {
	return Event{Type: evtType, RoomID: roomID, Sender: sender, OriginServerTS: ts}
}

func TestIsEmpty(t *testing.T) {
	txn := New("t1")
	assert.True(t, txn.IsEmpty())

	txn.AddPDU(pdu("m.room.message", "!a:example.com", "@u:example.com", 1))
	assert.False(t, txn.IsEmpty())

	txn = New("t2")
	txn.DeviceLists.Changed = []string{"@u:example.com"}
	assert.False(t, txn.IsEmpty())

	txn = New("t3")
	txn.OTKCount["@u:example.com"] = json.RawMessage(`{"signed_curve25519":20}`)
	assert.False(t, txn.IsEmpty())
}

func TestAppendCombinesBatch(t *testing.T) {
	combined := New("")

	t1 := New("txn-1")
	t1.AddPDU(pdu("m.room.message", "!a:example.com", "@u:example.com", 1))
	t1.AddEDU(Event{Type: "m.typing", RoomID: "!a:example.com"})
	t1.OTKCount["@u:example.com"] = json.RawMessage(`{"signed_curve25519":10}`)
	t1.DeviceLists.Changed = []string{"@u:example.com"}

	t2 := New("txn-2")
	t2.AddPDU(pdu("m.room.member", "!b:example.com", "@v:example.com", 2))
	t2.OTKCount["@u:example.com"] = json.RawMessage(`{"signed_curve25519":5}`)
	t2.DeviceLists.Changed = []string{"@u:example.com", "@w:example.com"}
	t2.DeviceLists.Left = []string{"@x:example.com"}

	combined.Append(t1)
	combined.Append(t2)

	assert.Equal(t, "txn-1,txn-2", combined.TxnID)
	assert.Len(t, combined.PDU, 2)
	assert.Len(t, combined.EDU, 1)
	assert.Len(t, combined.Types, 3)
	// Ordering within the combined envelope follows arrival order.
	assert.Equal(t, "!a:example.com", combined.PDU[0].RoomID)
	assert.Equal(t, "!b:example.com", combined.PDU[1].RoomID)
	// Later entries win on OTK key collision.
	assert.JSONEq(t, `{"signed_curve25519":5}`, string(combined.OTKCount["@u:example.com"]))
	// Device lists are set-unioned.
	assert.ElementsMatch(t, []string{"@u:example.com", "@w:example.com"}, combined.DeviceLists.Changed)
	assert.Equal(t, []string{"@x:example.com"}, combined.DeviceLists.Left)
}

func TestPopExpiredPDU(t *testing.T) {
	now := time.Now()
	ownerMXID := "@acme:example.com"

	txn := New("t1")
	// Too old, not the owner: evicted.
	txn.AddPDU(pdu("m.room.message", "!r:example.com", "@other:example.com", now.Add(-200*time.Second).UnixMilli()))
	// Too old but sent by the owner: kept.
	txn.AddPDU(pdu("m.room.message", "!r:example.com", ownerMXID, now.Add(-200*time.Second).UnixMilli()))
	// Fresh: kept.
	txn.AddPDU(pdu("m.room.message", "!r:example.com", "@other:example.com", now.UnixMilli()))

	expired := txn.popExpiredAt(ownerMXID, MaxPDUAge, now)
	require.Len(t, expired, 1)
	assert.Equal(t, "@other:example.com", expired[0].Sender)
	require.Len(t, txn.PDU, 2)
	assert.Equal(t, ownerMXID, txn.PDU[0].Sender)
}

func TestPopExpiredPDUBoundary(t *testing.T) {
	now := time.Now()
	txn := New("t1")
	// Exactly at the age limit is not expired yet.
	txn.AddPDU(pdu("m.room.message", "!r:example.com", "@other:example.com", now.Add(-MaxPDUAge).UnixMilli()))
	expired := txn.popExpiredAt("@acme:example.com", MaxPDUAge, now)
	assert.Empty(t, expired)
	assert.Len(t, txn.PDU, 1)
}

func TestWireRoundTrip(t *testing.T) {
	txn := New("t1")
	txn.AddPDU(pdu("m.room.message", "!a:example.com", "@u:example.com", 42))
	txn.AddEDU(Event{Type: "m.receipt", RoomID: "!a:example.com"})
	txn.OTKCount["@u:example.com"] = json.RawMessage(`{"signed_curve25519":7}`)
	txn.DeviceLists.Left = []string{"@gone:example.com"}

	data, err := json.Marshal(txn)
	require.NoError(t, err)

	var decoded Events
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "t1", decoded.TxnID)
	assert.Len(t, decoded.PDU, 1)
	assert.Len(t, decoded.EDU, 1)
	assert.Len(t, decoded.Types, 2)
	assert.Equal(t, []string{"@gone:example.com"}, decoded.DeviceLists.Left)
}

func TestWireOmitsEmptyFields(t *testing.T) {
	txn := New("t1")
	txn.AddPDU(pdu("m.room.message", "!a:example.com", "@u:example.com", 42))

	data, err := json.Marshal(txn)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "events")
	assert.NotContains(t, raw, "ephemeral")
	assert.NotContains(t, raw, "one_time_keys_count")
	assert.NotContains(t, raw, "device_lists")
}
