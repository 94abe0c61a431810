// Package router splits homeserver transactions into per-appservice
// sub-transactions and hands them to the right transport.
package router

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/delivery"
	"github.com/beeper/asmux/internal/events"
	"github.com/beeper/asmux/internal/metrics"
)

// Directory is the lookup surface the router needs, satisfied by
// *directory.Directory.
type Directory interface {
	GetRoom(ctx context.Context, id string) (*database.Room, error)
	RegisterRoom(ctx context.Context, roomID string, owner uuid.UUID) (*database.Room, error)
	FindAppService(ctx context.Context, owner, prefix string) (*database.AppService, error)
	GetAppService(ctx context.Context, id uuid.UUID) (*database.AppService, error)
}

// WebsocketDeliverer buffers envelopes for pull-mode appservices.
type WebsocketDeliverer interface {
	PostEvents(ctx context.Context, az *database.AppService, txn *events.Events) bool
}

// HTTPDeliverer pushes envelopes to push-mode appservices.
type HTTPDeliverer interface {
	PostEvents(ctx context.Context, az *database.AppService, txn *events.Events) string
}

// Transaction is one inbound homeserver transaction after JSON parsing.
type Transaction struct {
	ID             string
	Events         []events.Event
	Ephemeral      []events.Event
	DeviceOTKCount map[string]events.OTKCount
	DeviceLists    events.DeviceLists
	// SynchronousTo lists appservice ids whose delivery result the caller
	// wants to wait for.
	SynchronousTo []string
}

// Router fans transaction contents out to appservices. Deliveries to one
// appservice are serialized with a per-appservice lock so sub-transactions
// stay ordered.
type Router struct {
	directory  Directory
	ws         WebsocketDeliverer
	http       HTTPDeliverer
	mxidPrefix string
	mxidSuffix string

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New(dir Directory, ws WebsocketDeliverer, http HTTPDeliverer, mxidPrefix, mxidSuffix string) *Router {
	return &Router{
		directory:  dir,
		ws:         ws,
		http:       http,
		mxidPrefix: mxidPrefix,
		mxidSuffix: mxidSuffix,
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *Router) lockFor(azID uuid.UUID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[azID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[azID] = lock
	}
	return lock
}

// HandleTransaction routes one homeserver transaction. The returned map has
// an entry per requested synchronous appservice: true when delivery (or
// queueing with a live websocket) succeeded.
func (r *Router) HandleTransaction(ctx context.Context, txn *Transaction) map[string]bool {
	slog.Debug("Received transaction",
		"txn_id", txn.ID, "pdus", len(txn.Events), "edus", len(txn.Ephemeral))
	data := make(map[uuid.UUID]*events.Events)
	sub := func(azID uuid.UUID) *events.Events {
		out, ok := data[azID]
		if !ok {
			out = events.New(txn.ID)
			data[azID] = out
		}
		return out
	}

	r.collectEvents(ctx, txn.Events, sub, false)
	r.collectEvents(ctx, txn.Ephemeral, sub, true)
	r.collectOTKCounts(ctx, txn.DeviceOTKCount, sub)
	// TODO route device list changes to the bridges that share a room with
	// the affected users.

	return r.sendTransactions(ctx, data, txn.SynchronousTo)
}

func (r *Router) collectEvents(ctx context.Context, evts []events.Event, sub func(uuid.UUID) *events.Events, ephemeral bool) {
	for _, evt := range evts {
		metrics.ReceivedEvents.WithLabelValues(evt.Type).Inc()
		if evt.RoomID == "" {
			continue
		}
		room, err := r.directory.GetRoom(ctx, evt.RoomID)
		if err != nil {
			slog.Warn("Failed to look up room", "room_id", evt.RoomID, "error", err)
		}
		if room == nil && !ephemeral {
			room = r.registerRoom(ctx, &evt)
		}
		if room == nil || room.Deleted {
			slog.Debug("No target found for event", "room_id", evt.RoomID, "type", evt.Type)
			metrics.DroppedEvents.WithLabelValues(evt.Type).Inc()
			continue
		}
		if ephemeral {
			sub(room.Owner).AddEDU(evt)
		} else {
			sub(room.Owner).AddPDU(evt)
		}
	}
}

// registerRoom claims a room for an appservice when the first event in it is
// a membership event for one of the appservice's ghost users.
func (r *Router) registerRoom(ctx context.Context, evt *events.Event) *database.Room {
	if evt.Type != "m.room.member" || evt.StateKey == nil ||
		!strings.HasPrefix(*evt.StateKey, r.mxidPrefix) {
		return nil
	}
	az := r.appServiceFromUserID(ctx, *evt.StateKey)
	if az == nil {
		return nil
	}
	slog.Debug("Registering room owner",
		"appservice", az.Name(), "appservice_id", az.ID, "room_id", evt.RoomID)
	room, err := r.directory.RegisterRoom(ctx, evt.RoomID, az.ID)
	if err != nil {
		slog.Warn("Failed to register room", "room_id", evt.RoomID, "error", err)
		return nil
	}
	return room
}

// appServiceFromUserID resolves a ghost user id of the form
// {prefix}{owner}_{bridge}_{rest}{suffix} to its appservice.
func (r *Router) appServiceFromUserID(ctx context.Context, userID string) *database.AppService {
	if !strings.HasPrefix(userID, r.mxidPrefix) || !strings.HasSuffix(userID, r.mxidSuffix) {
		return nil
	}
	localpart := userID[len(r.mxidPrefix) : len(userID)-len(r.mxidSuffix)]
	parts := strings.SplitN(localpart, "_", 3)
	if len(parts) < 3 {
		return nil
	}
	az, err := r.directory.FindAppService(ctx, parts[0], parts[1])
	if err != nil {
		slog.Warn("Failed to look up appservice", "user_id", userID, "error", err)
		return nil
	}
	return az
}

func (r *Router) collectOTKCounts(ctx context.Context, counts map[string]events.OTKCount, sub func(uuid.UUID) *events.Events) {
	for userID, otk := range counts {
		if az := r.appServiceFromUserID(ctx, userID); az != nil {
			sub(az.ID).OTKCount[userID] = otk
		}
	}
}

func (r *Router) sendTransactions(ctx context.Context, data map[uuid.UUID]*events.Events, synchronousTo []string) map[string]bool {
	// Deliveries outlive the inbound request unless the caller asked to wait.
	sendCtx := context.WithoutCancel(ctx)
	waitFor := make(map[string]chan bool)
	for azID, txn := range data {
		az, err := r.directory.GetAppService(ctx, azID)
		if err != nil || az == nil {
			slog.Warn("Failed to look up appservice for sub-transaction",
				"appservice_id", azID, "txn_id", txn.TxnID, "error", err)
			continue
		}
		slog.Debug("Preparing to send sub-transaction",
			"appservice", az.Name(), "txn_id", txn.TxnID,
			"pdus", len(txn.PDU), "edus", len(txn.EDU))
		result := make(chan bool, 1)
		go func(az *database.AppService, txn *events.Events) {
			result <- r.postEvents(sendCtx, az, txn)
		}(az, txn)
		if slices.Contains(synchronousTo, azID.String()) {
			waitFor[azID.String()] = result
		}
	}

	output := make(map[string]bool, len(waitFor))
	for azID, result := range waitFor {
		output[azID] = <-result
	}
	return output
}

// postEvents dispatches one sub-transaction on the transport matching the
// appservice's registration mode.
func (r *Router) postEvents(ctx context.Context, az *database.AppService, txn *events.Events) bool {
	lock := r.lockFor(az.ID)
	lock.Lock()
	defer lock.Unlock()

	for _, evtType := range txn.Types {
		metrics.AcceptedEvents.WithLabelValues(az.Owner, az.Prefix, evtType).Inc()
	}
	ok := false
	switch {
	case !az.Push:
		ok = r.ws.PostEvents(ctx, az, txn)
	case az.Address != "":
		result := r.http.PostEvents(ctx, az, txn)
		ok = result == delivery.ResultOK
		if ok {
			metrics.SendSuccessful(az.Owner, az.Prefix, txn)
		} else {
			metrics.SendFailed(az.Owner, az.Prefix, txn)
		}
	default:
		slog.Warn("Not sending transaction: no address configured",
			"appservice", az.Name(), "txn_id", txn.TxnID)
	}
	if ok {
		slog.Debug("Successfully dispatched sub-transaction",
			"appservice", az.Name(), "txn_id", txn.TxnID)
	}
	return ok
}
