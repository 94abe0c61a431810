// Package directory caches appservice, user and room lookups in front of the
// relational store. The store is authoritative; the caches are strictly a
// latency optimisation kept coherent by advisory pub/sub invalidation.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beeper/asmux/internal/database"
)

// Invalidation channels. Payload is the primary key of the dropped entry.
const (
	AppServiceCacheChannel = "appservice-cache-invalidation"
	RoomCacheChannel       = "room-cache-invalidation"
	UserCacheChannel       = "user-cache-invalidation"
)

// Storage is the slice of the relational store the directory consumes.
type Storage interface {
	GetAppService(ctx context.Context, id uuid.UUID) (*database.AppService, error)
	FindAppService(ctx context.Context, owner, prefix string) (*database.AppService, error)
	GetAppServices(ctx context.Context, ids []uuid.UUID) ([]*database.AppService, error)
	SetPushKey(ctx context.Context, az *database.AppService, pushKey *database.PushKey) error
	GetUser(ctx context.Context, id string) (*database.User, error)
	FindUserByAPIToken(ctx context.Context, apiToken string) (*database.User, error)
	GetRoom(ctx context.Context, id string) (*database.Room, error)
	InsertRoom(ctx context.Context, room *database.Room) error
	SoftDeleteRoom(ctx context.Context, id string) error
}

// PubSub is the minimal pub/sub surface the directory needs. Listen blocks
// until the subscription fails; the directory re-listens after dropping its
// caches.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Listen(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error
}

// Directory is a process-local cached view of the store. Construct a fresh
// one per process (and per test); the caches are instance-owned.
type Directory struct {
	store  Storage
	pubsub PubSub

	mu          sync.RWMutex
	azByID      map[uuid.UUID]*database.AppService
	azByOwner   map[string]*database.AppService
	userByID    map[string]*database.User
	userByToken map[string]*database.User
	roomByID    map[string]*database.Room
}

func New(store Storage, pubsub PubSub) *Directory {
	d := &Directory{
		store:  store,
		pubsub: pubsub,
	}
	d.emptyCaches()
	return d
}

func ownerKey(owner, prefix string) string {
	return owner + "\x00" + prefix
}

func (d *Directory) emptyCaches() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.azByID = make(map[uuid.UUID]*database.AppService)
	d.azByOwner = make(map[string]*database.AppService)
	d.userByID = make(map[string]*database.User)
	d.userByToken = make(map[string]*database.User)
	d.roomByID = make(map[string]*database.Room)
}

func (d *Directory) cacheAppService(az *database.AppService) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.azByID[az.ID] = az
	d.azByOwner[ownerKey(az.Owner, az.Prefix)] = az
}

// GetAppService looks up an appservice by id, cache first.
func (d *Directory) GetAppService(ctx context.Context, id uuid.UUID) (*database.AppService, error) {
	d.mu.RLock()
	az, ok := d.azByID[id]
	d.mu.RUnlock()
	if ok {
		return az, nil
	}
	az, err := d.store.GetAppService(ctx, id)
	if err != nil || az == nil {
		return nil, err
	}
	d.cacheAppService(az)
	return az, nil
}

// FindAppService looks up an appservice by (owner, prefix), cache first.
func (d *Directory) FindAppService(ctx context.Context, owner, prefix string) (*database.AppService, error) {
	d.mu.RLock()
	az, ok := d.azByOwner[ownerKey(owner, prefix)]
	d.mu.RUnlock()
	if ok {
		return az, nil
	}
	az, err := d.store.FindAppService(ctx, owner, prefix)
	if err != nil || az == nil {
		return nil, err
	}
	d.cacheAppService(az)
	return az, nil
}

// GetAppServices fetches many appservices, serving cached entries and
// batching the rest into one store query.
func (d *Directory) GetAppServices(ctx context.Context, ids []uuid.UUID) ([]*database.AppService, error) {
	out := make([]*database.AppService, 0, len(ids))
	var missing []uuid.UUID
	d.mu.RLock()
	for _, id := range ids {
		if az, ok := d.azByID[id]; ok {
			out = append(out, az)
		} else {
			missing = append(missing, id)
		}
	}
	d.mu.RUnlock()
	if len(missing) > 0 {
		fetched, err := d.store.GetAppServices(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, az := range fetched {
			d.cacheAppService(az)
			out = append(out, az)
		}
	}
	return out, nil
}

// AppServiceByRealToken resolves the externally visible token
// "{id}-{as_token}" to an appservice, or nil when the token is invalid.
func (d *Directory) AppServiceByRealToken(ctx context.Context, token string) (*database.AppService, error) {
	// A UUID is 36 characters, then a dash, then the internal token.
	if len(token) < 38 {
		return nil, nil
	}
	id, err := uuid.Parse(token[:36])
	if err != nil || token[36] != '-' {
		return nil, nil
	}
	az, err := d.GetAppService(ctx, id)
	if err != nil || az == nil {
		return nil, err
	}
	if az.ASToken != token[37:] {
		return nil, nil
	}
	return az, nil
}

// GetUser looks up a user by id, cache first.
func (d *Directory) GetUser(ctx context.Context, id string) (*database.User, error) {
	d.mu.RLock()
	user, ok := d.userByID[id]
	d.mu.RUnlock()
	if ok {
		return user, nil
	}
	user, err := d.store.GetUser(ctx, id)
	if err != nil || user == nil {
		return nil, err
	}
	d.cacheUser(user)
	return user, nil
}

// FindUserByAPIToken looks up a user by API token, cache first.
func (d *Directory) FindUserByAPIToken(ctx context.Context, token string) (*database.User, error) {
	d.mu.RLock()
	user, ok := d.userByToken[token]
	d.mu.RUnlock()
	if ok {
		return user, nil
	}
	user, err := d.store.FindUserByAPIToken(ctx, token)
	if err != nil || user == nil {
		return nil, err
	}
	d.cacheUser(user)
	return user, nil
}

func (d *Directory) cacheUser(user *database.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userByID[user.ID] = user
	d.userByToken[user.APIToken] = user
}

// GetRoom looks up a room by id, cache first. Soft-deleted rooms are returned
// with Deleted set so callers can drop their traffic silently.
func (d *Directory) GetRoom(ctx context.Context, id string) (*database.Room, error) {
	d.mu.RLock()
	room, ok := d.roomByID[id]
	d.mu.RUnlock()
	if ok {
		return room, nil
	}
	room, err := d.store.GetRoom(ctx, id)
	if err != nil || room == nil {
		return nil, err
	}
	d.mu.Lock()
	d.roomByID[room.ID] = room
	d.mu.Unlock()
	return room, nil
}

// RegisterRoom records an appservice as the owner of a room. The local cache
// is refreshed on the authoritative write; the published invalidation is
// advisory for other replicas.
func (d *Directory) RegisterRoom(ctx context.Context, roomID string, owner uuid.UUID) (*database.Room, error) {
	room := &database.Room{ID: roomID, Owner: owner}
	if err := d.store.InsertRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	d.mu.Lock()
	d.roomByID[room.ID] = room
	d.mu.Unlock()
	d.publishInvalidation(ctx, RoomCacheChannel, roomID)
	return room, nil
}

// DeleteRoom soft-deletes a room and invalidates it fleet-wide.
func (d *Directory) DeleteRoom(ctx context.Context, roomID string) error {
	if err := d.store.SoftDeleteRoom(ctx, roomID); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.roomByID, roomID)
	d.mu.Unlock()
	d.publishInvalidation(ctx, RoomCacheChannel, roomID)
	return nil
}

// SetPushKey updates the wakeup push descriptor and invalidates the
// appservice fleet-wide.
func (d *Directory) SetPushKey(ctx context.Context, az *database.AppService, pushKey *database.PushKey) error {
	if err := d.store.SetPushKey(ctx, az, pushKey); err != nil {
		return err
	}
	d.cacheAppService(az)
	d.publishInvalidation(ctx, AppServiceCacheChannel, az.ID.String())
	return nil
}

// InvalidateAppService drops an appservice from every replica's cache.
func (d *Directory) InvalidateAppService(ctx context.Context, id uuid.UUID) {
	d.dropAppService(id.String())
	d.publishInvalidation(ctx, AppServiceCacheChannel, id.String())
}

// InvalidateUser drops a user from every replica's cache.
func (d *Directory) InvalidateUser(ctx context.Context, id string) {
	d.dropUser(id)
	d.publishInvalidation(ctx, UserCacheChannel, id)
}

// InvalidateRoom drops a room from every replica's cache.
func (d *Directory) InvalidateRoom(ctx context.Context, id string) {
	d.dropRoom(id)
	d.publishInvalidation(ctx, RoomCacheChannel, id)
}

// publishInvalidation is best-effort: pub/sub failures never fail a write.
func (d *Directory) publishInvalidation(ctx context.Context, channel, key string) {
	if d.pubsub == nil {
		return
	}
	if err := d.pubsub.Publish(ctx, channel, []byte(key)); err != nil {
		slog.Warn("Failed to publish cache invalidation", "channel", channel, "error", err)
	}
}

func (d *Directory) dropAppService(key string) {
	id, err := uuid.Parse(strings.TrimSpace(key))
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if az, ok := d.azByID[id]; ok {
		delete(d.azByID, id)
		delete(d.azByOwner, ownerKey(az.Owner, az.Prefix))
	}
}

func (d *Directory) dropUser(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if user, ok := d.userByID[id]; ok {
		delete(d.userByID, id)
		delete(d.userByToken, user.APIToken)
	}
}

func (d *Directory) dropRoom(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roomByID, id)
}

func (d *Directory) handleInvalidation(channel string, payload []byte) {
	key := string(payload)
	switch channel {
	case AppServiceCacheChannel:
		d.dropAppService(key)
	case RoomCacheChannel:
		d.dropRoom(key)
	case UserCacheChannel:
		d.dropUser(key)
	default:
		slog.Warn("Unexpected cache invalidation channel", "channel", channel)
	}
}

// RunInvalidationListener subscribes to the invalidation channels and blocks
// until ctx is done. When the subscription fails all caches are dropped as a
// safety measure and the listener retries after a second.
func (d *Directory) RunInvalidationListener(ctx context.Context) {
	if d.pubsub == nil {
		return
	}
	channels := []string{AppServiceCacheChannel, RoomCacheChannel, UserCacheChannel}
	for {
		err := d.pubsub.Listen(ctx, channels, d.handleInvalidation)
		if ctx.Err() != nil {
			return
		}
		slog.Error("Cache invalidation listener failed, dropping caches", "error", err)
		d.emptyCaches()
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}
