package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
)

func newInMemoryStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStore_SessionRoundTrip(t *testing.T) {
	store := newInMemoryStore(t)
	ctx := context.Background()

	err := store.SaveSession(ctx, ports.Session{Token: "tok-1", UserID: "user-1"})
	require.NoError(t, err)

	session, err := store.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", session.Token)
	assert.Equal(t, "user-1", session.UserID)
}

func TestBadgerStore_SaveSession_RequiresToken(t *testing.T) {
	store := newInMemoryStore(t)

	err := store.SaveSession(context.Background(), ports.Session{UserID: "user-1"})

	assert.Error(t, err)
}

func TestBadgerStore_Session_Missing(t *testing.T) {
	store := newInMemoryStore(t)

	_, err := store.Session(context.Background())

	assert.Error(t, err)
}

func TestBadgerStore_ConfirmationMapping(t *testing.T) {
	store := newInMemoryStore(t)
	ctx := context.Background()

	err := store.SaveConfirmationMapping(ctx, "conf-1", "booking-1")
	require.NoError(t, err)

	flowID, found, err := store.LookupConfirmation(ctx, "conf-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "booking-1", flowID)
}

func TestBadgerStore_LookupConfirmation_Unknown(t *testing.T) {
	store := newInMemoryStore(t)

	flowID, found, err := store.LookupConfirmation(context.Background(), "conf-missing")

	require.NoError(t, err, "an unknown mapping is not an error")
	assert.False(t, found)
	assert.Empty(t, flowID)
}

func TestBadgerStore_SaveConfirmationMapping_Validation(t *testing.T) {
	store := newInMemoryStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveConfirmationMapping(ctx, "", "booking-1"))
	assert.Error(t, store.SaveConfirmationMapping(ctx, "conf-1", ""))
}
