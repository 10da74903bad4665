package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"rolesync/storage"
)

// Durable slot names. Legacy slots are never written, only removed.
const (
	slotCompositeToken = "auth_token"
	slotUserRecord     = "pb_user_data"
	slotUserType       = "pb_user_type"
	slotProviderToken  = "pb_provider_token"
)

var (
	sessionSlots = []string{slotCompositeToken, slotUserRecord, slotUserType, slotProviderToken}
	legacySlots  = []string{"pb_original_token", "pocketbase_auth"}
)

// Store is the single writer of the durable session record.
type Store struct {
	kv     storage.KV
	logger *slog.Logger
}

// NewStore wraps a KV backend.
func NewStore(kv storage.KV, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Persist overwrites the durable record in one batch write.
func (s *Store) Persist(ctx context.Context, rec Record) error {
	user, err := json.Marshal(rec.User)
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}
	batch := storage.Batch{
		Put: map[string][]byte{
			slotCompositeToken: []byte(rec.CompositeToken),
			slotUserRecord:     user,
			slotUserType:       []byte(rec.Tag.UserType()),
			slotProviderToken:  []byte(rec.ProviderToken),
		},
		Delete: legacySlots,
	}
	if err := s.kv.Write(ctx, batch); err != nil {
		return fmt.Errorf("%w: persist session: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Restore reads the durable record. It returns (nil, nil) when nothing is
// stored, and clears storage before returning (nil, nil) when what is stored
// is incomplete or unreadable.
func (s *Store) Restore(ctx context.Context) (*Record, error) {
	// One snapshot read: the slots must all come from the same Persist.
	values, err := s.kv.GetMany(ctx, sessionSlots...)
	if err != nil {
		return nil, fmt.Errorf("%w: read session: %w", ErrStorageUnavailable, err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	rec, err := parseRecord(values)
	if err != nil {
		s.logger.Warn("discarding invalid stored session", "error", err)
		if clearErr := s.Clear(ctx); clearErr != nil {
			s.logger.Warn("clear invalid session failed", "error", clearErr)
		}
		return nil, nil
	}
	return rec, nil
}

// Clear removes every session slot, legacy ones included. Clearing an empty
// store succeeds.
func (s *Store) Clear(ctx context.Context) error {
	keys := make([]string, 0, len(sessionSlots)+len(legacySlots))
	keys = append(keys, sessionSlots...)
	keys = append(keys, legacySlots...)
	if err := s.kv.Write(ctx, storage.Batch{Delete: keys}); err != nil {
		return fmt.Errorf("%w: clear session: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func parseRecord(values map[string][]byte) (*Record, error) {
	for _, slot := range sessionSlots {
		if len(values[slot]) == 0 {
			return nil, fmt.Errorf("slot %s missing", slot)
		}
	}

	composite := string(values[slotCompositeToken])
	if _, err := Decode(composite); err != nil {
		return nil, fmt.Errorf("composite token: %w", err)
	}
	user, err := ParseUserRecord(values[slotUserRecord])
	if err != nil {
		return nil, err
	}
	tag, ok := ParseUserType(string(values[slotUserType]))
	if !ok {
		return nil, fmt.Errorf("unknown user type %q", values[slotUserType])
	}

	return &Record{
		ProviderToken:  string(values[slotProviderToken]),
		CompositeToken: composite,
		User:           user,
		Tag:            tag,
	}, nil
}
