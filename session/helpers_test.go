package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"rolesync/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func providerToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = "test-key"
	s, err := tok.SignedString([]byte("provider-secret"))
	require.NoError(t, err)
	return s
}

type fakeBaaS struct {
	mu      sync.Mutex
	token   string
	record  UserRecord
	err     error
	calls   []AccountClass
	release chan struct{}
	entered chan struct{}
}

func (f *fakeBaaS) AuthWithPassword(ctx context.Context, class AccountClass, email, password string) (ProviderAuth, error) {
	f.mu.Lock()
	f.calls = append(f.calls, class)
	release, entered := f.release, f.entered
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ProviderAuth{}, ctx.Err()
		}
	}
	if f.err != nil {
		return ProviderAuth{}, f.err
	}
	return ProviderAuth{Token: f.token, Record: f.record}, nil
}

// failingKV fails every operation.
type failingKV struct{}

var errDiskFull = errors.New("disk full")

func (failingKV) Get(context.Context, string) ([]byte, error)                   { return nil, errDiskFull }
func (failingKV) GetMany(context.Context, ...string) (map[string][]byte, error) { return nil, errDiskFull }
func (failingKV) Write(context.Context, storage.Batch) error                    { return errDiskFull }
func (failingKV) Close() error                                                  { return nil }

// readOnlyKV serves reads from an inner store but rejects writes.
type readOnlyKV struct {
	storage.KV
}

func (readOnlyKV) Write(context.Context, storage.Batch) error { return errDiskFull }

type fakeUserInfo struct {
	info map[string]any
	err  error
}

func (f fakeUserInfo) UserInfo(context.Context) (map[string]any, error) {
	return f.info, f.err
}

// seed installs rec as a completed login.
func seed(st *State, rec Record) {
	_, gen, _ := st.beginLogin()
	st.finishLogin(rec, gen)
}

// interleavingKV runs during once, right after the first read it serves,
// the way a write from another process could land mid-restore.
type interleavingKV struct {
	storage.KV
	once   sync.Once
	during func()
}

func (k *interleavingKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := k.KV.Get(ctx, key)
	k.once.Do(k.during)
	return v, err
}

func (k *interleavingKV) GetMany(ctx context.Context, keys ...string) (map[string][]byte, error) {
	v, err := k.KV.GetMany(ctx, keys...)
	k.once.Do(k.during)
	return v, err
}
