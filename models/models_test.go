package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
		assert.NotEmpty(t, k.Table())
		assert.NotEmpty(t, k.Endpoint())
	}

	_, err := ParseKind("weather")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Empty(t, Kind("weather").Table())
}

func TestKindEndpoints(t *testing.T) {
	assert.Equal(t, "trapped-civilians", KindTrappedCivilians.Endpoint())
	assert.Equal(t, "blocked-roads", KindBlockedRoad.Endpoint())
	assert.Equal(t, "supply-requests", KindSupplyRequest.Endpoint())
	assert.Equal(t, "sos_alerts", KindSOS.Table())
}

func TestSyncStateValid(t *testing.T) {
	assert.True(t, SyncPending.Valid())
	assert.True(t, SyncSynced.Valid())
	assert.False(t, SyncState("FAILED").Valid())
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, Credential{}.Expired(now))
	assert.False(t, Credential{ExpiresAt: now.Add(time.Minute)}.Expired(now))
	assert.True(t, Credential{ExpiresAt: now}.Expired(now))
	assert.True(t, Credential{ExpiresAt: now.Add(-time.Hour)}.Expired(now))
}

func TestReceiptConfirms(t *testing.T) {
	var nilReceipt *Receipt
	assert.False(t, nilReceipt.Confirms("a"))
	assert.False(t, (&Receipt{}).Confirms(""))
	assert.False(t, (&Receipt{}).Confirms("a"))
	assert.True(t, (&Receipt{LocalID: "a"}).Confirms("a"))
	assert.True(t, (&Receipt{ID: "a"}).Confirms("a"))
	assert.False(t, (&Receipt{ID: "b", LocalID: "c"}).Confirms("a"))
}

func TestErrors(t *testing.T) {
	verr := NewValidationError("severity", "severity is required")
	assert.ErrorIs(t, verr, ErrValidation)
	assert.Contains(t, verr.Error(), "severity")

	var rej error = &RejectionError{StatusCode: 503}
	assert.ErrorIs(t, rej, ErrRejected)
	assert.Equal(t, "rejected by server: status 503", rej.Error())

	var target *RejectionError
	require.True(t, errors.As(rej, &target))
	assert.Equal(t, 503, target.StatusCode)
}
