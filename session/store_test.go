package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolesync/storage"
)

func sampleRecord(t *testing.T) Record {
	t.Helper()
	return sessionFor(t, "u1", "Ann", TagBaaSUser, []string{"editor"})
}

func sessionFor(t *testing.T, id, name string, tag ProviderTag, roles []string) Record {
	t.Helper()
	user := UserRecord{
		ID:    id,
		Name:  name,
		Email: id + "@example.com",
		Roles: roles,
		Extra: map[string]any{"verified": true},
	}
	provider := providerToken(t, map[string]any{"id": id, "type": "authRecord"})
	composite, err := Encode(Merge(RawClaims{"id": id}, ResolveRoles(tag, user), user))
	require.NoError(t, err)
	return Record{
		ProviderToken:  provider,
		CompositeToken: composite,
		User:           user,
		Tag:            tag,
	}
}

func TestStorePersistRestore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemory(), testLogger())
	rec := sampleRecord(t)

	require.NoError(t, store.Persist(ctx, rec))

	got, err := store.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)
}

func TestStoreRestoreEmpty(t *testing.T) {
	got, err := NewStore(storage.NewMemory(), testLogger()).Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStorePersistClearRestore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemory(), testLogger())

	require.NoError(t, store.Persist(ctx, sampleRecord(t)))
	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx), "clear must be idempotent")

	got, err := store.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreClearsLegacySlots(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, kv.Write(ctx, storage.Batch{Put: map[string][]byte{
		"pb_original_token": []byte("old"),
		"pocketbase_auth":   []byte(`{"token":"old"}`),
	}}))
	store := NewStore(kv, testLogger())

	require.NoError(t, store.Persist(ctx, sampleRecord(t)))
	for _, k := range legacySlots {
		_, err := kv.Get(ctx, k)
		require.ErrorIs(t, err, storage.ErrNotFound, k)
	}

	require.NoError(t, kv.Write(ctx, storage.Batch{Put: map[string][]byte{"pocketbase_auth": []byte("x")}}))
	require.NoError(t, store.Clear(ctx))
	_, err := kv.Get(ctx, "pocketbase_auth")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreRestoreDiscardsInvalid(t *testing.T) {
	valid := sampleRecord(t)
	cases := map[string]map[string][]byte{
		"partial": {
			slotCompositeToken: []byte(valid.CompositeToken),
		},
		"bad composite": {
			slotCompositeToken: []byte("not-a-token"),
			slotUserRecord:     []byte(`{"id":"u1"}`),
			slotUserType:       []byte("user"),
			slotProviderToken:  []byte(valid.ProviderToken),
		},
		"bad record": {
			slotCompositeToken: []byte(valid.CompositeToken),
			slotUserRecord:     []byte(`{"id":`),
			slotUserType:       []byte("user"),
			slotProviderToken:  []byte(valid.ProviderToken),
		},
		"record not an object": {
			slotCompositeToken: []byte(valid.CompositeToken),
			slotUserRecord:     []byte(`null`),
			slotUserType:       []byte("user"),
			slotProviderToken:  []byte(valid.ProviderToken),
		},
		"unknown tag": {
			slotCompositeToken: []byte(valid.CompositeToken),
			slotUserRecord:     []byte(`{"id":"u1"}`),
			slotUserType:       []byte("guest"),
			slotProviderToken:  []byte(valid.ProviderToken),
		},
	}
	for name, slots := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := storage.NewMemory()
			require.NoError(t, kv.Write(ctx, storage.Batch{Put: slots}))

			got, err := NewStore(kv, testLogger()).Restore(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			for _, slot := range sessionSlots {
				_, err := kv.Get(ctx, slot)
				require.ErrorIs(t, err, storage.ErrNotFound, "slot %s should be cleared", slot)
			}
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := NewStore(failingKV{}, testLogger())

	require.ErrorIs(t, store.Persist(ctx, sampleRecord(t)), ErrStorageUnavailable)
	require.ErrorIs(t, store.Clear(ctx), ErrStorageUnavailable)

	_, err := store.Restore(ctx)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, errDiskFull)
}

func TestStoreFailedPersistKeepsPreviousRecord(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	first := sampleRecord(t)
	require.NoError(t, NewStore(mem, testLogger()).Persist(ctx, first))

	second := first
	second.User.Name = "Bob"
	require.ErrorIs(t, NewStore(readOnlyKV{mem}, testLogger()).Persist(ctx, second), ErrStorageUnavailable)

	got, err := NewStore(mem, testLogger()).Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ann", got.User.Name)
}

func TestStoreRestoreReadsOneSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	alice := sessionFor(t, "a", "Alice", TagBaaSUser, []string{"viewer"})
	bob := sessionFor(t, "b", "Bob", TagBaaSAdmin, []string{"admin", "superuser"})
	require.NoError(t, NewStore(mem, testLogger()).Persist(ctx, alice))

	kv := &interleavingKV{KV: mem}
	kv.during = func() {
		require.NoError(t, NewStore(mem, testLogger()).Persist(ctx, bob))
	}

	got, err := NewStore(kv, testLogger()).Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, alice, *got)

	claims, err := Decode(got.CompositeToken)
	require.NoError(t, err)
	assert.Equal(t, got.User.ID, claims.Subject())

	got, err = NewStore(mem, testLogger()).Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bob, *got)
}

func TestStoreKeepsUserRecordVerbatim(t *testing.T) {
	for name, raw := range map[string]string{
		"absent fields": `{"id":"u1","email":"ann@example.com","verified":true}`,
		"empty fields":  `{"id":"u1","name":"","email":"ann@example.com","role":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := storage.NewMemory()
			rec := sampleRecord(t)
			user, err := ParseUserRecord([]byte(raw))
			require.NoError(t, err)
			rec.User = user

			require.NoError(t, NewStore(kv, testLogger()).Persist(ctx, rec))
			stored, err := kv.Get(ctx, slotUserRecord)
			require.NoError(t, err)
			assert.JSONEq(t, raw, string(stored))

			got, err := NewStore(kv, testLogger()).Restore(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			again, err := json.Marshal(got.User)
			require.NoError(t, err)
			assert.JSONEq(t, raw, string(again))
		})
	}
}
