package database

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PushKey is the bridge-supplied push descriptor used to wake a dormant
// client. It is stored verbatim; only the fields the wakeup pusher needs are
// parsed out.
type PushKey struct {
	URL     string `json:"url"`
	AppID   string `json:"app_id"`
	PushKey string `json:"pushkey"`
}

// IsValid reports whether the descriptor can be used for a push.
func (pk *PushKey) IsValid() bool {
	return pk != nil && pk.PushKey != "" && pk.URL != ""
}

// AppService is one registered bridge instance.
type AppService struct {
	ID     uuid.UUID
	Owner  string
	Prefix string

	Bot     string
	Address string
	HSToken string
	ASToken string
	// Push selects the delivery transport: true = outbound HTTP,
	// false = inbound websocket.
	Push bool

	ConfigPasswordHash   []byte
	ConfigPasswordExpiry sql.NullInt64
	PushKey              *PushKey

	// LoginToken comes from the owning user row.
	LoginToken string
}

// Name is the human-readable owner/prefix pair used in logs.
func (az *AppService) Name() string {
	return az.Owner + "/" + az.Prefix
}

// RealASToken is the token exposed outward: the appservice id joined with the
// internal as_token.
func (az *AppService) RealASToken() string {
	return az.ID.String() + "-" + az.ASToken
}

// OwnerMXID returns the owner's Matrix user id for the given server suffix.
func (az *AppService) OwnerMXID(mxidSuffix string) string {
	return "@" + az.Owner + mxidSuffix
}

const appserviceColumns = `appservice.id, owner, prefix, bot, address, hs_token, as_token, push,
	config_password_hash, config_password_expiry, push_key, "user".login_token`

const appserviceFrom = ` FROM appservice JOIN "user" ON "user".id = appservice.owner `

func scanAppService(row interface{ Scan(...any) error }) (*AppService, error) {
	var az AppService
	var pushKey sql.NullString
	err := row.Scan(&az.ID, &az.Owner, &az.Prefix, &az.Bot, &az.Address, &az.HSToken,
		&az.ASToken, &az.Push, &az.ConfigPasswordHash, &az.ConfigPasswordExpiry,
		&pushKey, &az.LoginToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if pushKey.Valid && pushKey.String != "" {
		var pk PushKey
		if err := json.Unmarshal([]byte(pushKey.String), &pk); err == nil {
			az.PushKey = &pk
		}
	}
	return &az, nil
}

// GetAppService fetches an appservice by id, or nil when not found.
func (s *Store) GetAppService(ctx context.Context, id uuid.UUID) (*AppService, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+appserviceColumns+appserviceFrom+"WHERE appservice.id = $1", id)
	return scanAppService(row)
}

// FindAppService fetches an appservice by its unique (owner, prefix) pair.
func (s *Store) FindAppService(ctx context.Context, owner, prefix string) (*AppService, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+appserviceColumns+appserviceFrom+"WHERE owner = $1 AND prefix = $2", owner, prefix)
	return scanAppService(row)
}

// GetAppServices fetches multiple appservices by id in one query.
func (s *Store) GetAppServices(ctx context.Context, ids []uuid.UUID) ([]*AppService, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+appserviceColumns+appserviceFrom+"WHERE appservice.id = ANY($1)",
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AppService
	for rows.Next() {
		az, err := scanAppService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, az)
	}
	return out, rows.Err()
}

// InsertAppService stores a new appservice row.
func (s *Store) InsertAppService(ctx context.Context, az *AppService) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appservice (id, owner, prefix, bot, address, hs_token, as_token, push)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		az.ID, az.Owner, az.Prefix, az.Bot, az.Address, az.HSToken, az.ASToken, az.Push)
	return err
}

// FindOrCreateAppService returns the appservice for (user, prefix), creating
// it with fresh tokens on first use.
func (s *Store) FindOrCreateAppService(ctx context.Context, user *User, prefix, bot, address string, push bool) (*AppService, error) {
	az, err := s.FindAppService(ctx, user.ID, prefix)
	if err != nil || az != nil {
		return az, err
	}
	az = &AppService{
		ID:      uuid.New(),
		Owner:   user.ID,
		Prefix:  prefix,
		Bot:     bot,
		Address: address,
		HSToken: randomToken(48),
		// The externally visible token also carries the UUID, so the internal
		// part is kept shorter.
		ASToken:    randomToken(20),
		Push:       push,
		LoginToken: user.LoginToken,
	}
	if err := s.InsertAppService(ctx, az); err != nil {
		return nil, err
	}
	return az, nil
}

// SetAddress updates the upstream HTTP address. Returns false when unchanged.
func (s *Store) SetAddress(ctx context.Context, az *AppService, address string) (bool, error) {
	if address == "" || az.Address == address {
		return false, nil
	}
	az.Address = address
	_, err := s.db.ExecContext(ctx,
		"UPDATE appservice SET address = $2 WHERE id = $1", az.ID, address)
	return err == nil, err
}

// SetPush switches the delivery transport of an appservice.
func (s *Store) SetPush(ctx context.Context, az *AppService, push bool) error {
	if az.Push == push {
		return nil
	}
	az.Push = push
	_, err := s.db.ExecContext(ctx,
		"UPDATE appservice SET push = $2 WHERE id = $1", az.ID, push)
	return err
}

// SetPushKey stores (or clears) the wakeup push descriptor.
func (s *Store) SetPushKey(ctx context.Context, az *AppService, pushKey *PushKey) error {
	if pushKey != nil && pushKey.PushKey == "" {
		pushKey = nil
	}
	az.PushKey = pushKey
	var serialized any
	if pushKey != nil {
		data, err := json.Marshal(pushKey)
		if err != nil {
			return err
		}
		serialized = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE appservice SET push_key = $2 WHERE id = $1", az.ID, serialized)
	return err
}

// GeneratePassword creates a new one-time config password and stores its
// hash. The returned value is case-insensitive base32 without padding.
func (s *Store) GeneratePassword(ctx context.Context, az *AppService, lifetime time.Duration) (string, error) {
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return "", err
	}
	hash := sha256.Sum256(token)
	az.ConfigPasswordHash = hash[:]
	az.ConfigPasswordExpiry = sql.NullInt64{}
	if lifetime > 0 {
		az.ConfigPasswordExpiry = sql.NullInt64{
			Int64: time.Now().Add(lifetime).Unix(),
			Valid: true,
		}
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE appservice SET config_password_hash = $2, config_password_expiry = $3 WHERE id = $1",
		az.ID, az.ConfigPasswordHash, az.ConfigPasswordExpiry)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base32.StdEncoding.EncodeToString(token), "="), nil
}

// CheckPassword verifies a config password in constant time, honoring expiry.
func (az *AppService) CheckPassword(password string) bool {
	if len(az.ConfigPasswordHash) == 0 {
		return false
	}
	padLength := (len(password)+7)/8*8 - len(password)
	padded := strings.ToUpper(password) + strings.Repeat("=", padLength)
	token, err := base32.StdEncoding.DecodeString(padded)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(token)
	if !hmac.Equal(hash[:], az.ConfigPasswordHash) {
		return false
	}
	if az.ConfigPasswordExpiry.Valid && az.ConfigPasswordExpiry.Int64 < time.Now().Unix() {
		return false
	}
	return true
}

// DeleteAppService removes an appservice; rooms cascade via the schema.
func (s *Store) DeleteAppService(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM appservice WHERE id = $1", id)
	return err
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
