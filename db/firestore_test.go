package db

import (
	"context"
	"os"
	"testing"
	"time"

	"fieldsync/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmulatorSink(t *testing.T) *FirestoreSink {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, err := NewFirestoreSink(ctx, "fieldsync-test", "", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestFirestoreSink_DeliverIsIdempotent(t *testing.T) {
	sink := newEmulatorSink(t)
	ctx := context.Background()

	rec := newRecord(models.KindSOS, time.Now().UTC())
	rec.Author = &models.Identity{UID: "u-1", Name: "Amina"}
	authz := models.Authorization{BearerToken: "tok", DeviceID: rec.DeviceID}

	first, err := sink.Deliver(ctx, rec, authz)
	require.NoError(t, err)
	assert.True(t, first.Confirms(rec.ID))
	assert.Equal(t, "created", first.Status)

	again, err := sink.Deliver(ctx, rec, authz)
	require.NoError(t, err)
	assert.True(t, again.Confirms(rec.ID))
	assert.Equal(t, "duplicate", again.Status)

	snap, err := sink.client.Collection(collectionFor(rec.Kind)).Doc(rec.ID).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, snap.Data()["local_id"])
	assert.Equal(t, rec.DeviceID, snap.Data()["device_id"])
	assert.NotContains(t, snap.Data(), "submitted_by_device")
}

func TestFirestoreDocument_ForeignDevice(t *testing.T) {
	rec := newRecord(models.KindIncident, time.Now().UTC())

	doc := firestoreDocument(rec, models.Authorization{DeviceID: "relay-2"})
	assert.Equal(t, rec.ID, doc["local_id"])
	assert.Equal(t, "relay-2", doc["submitted_by_device"])
	assert.NotContains(t, doc, "author")

	rec.Author = &models.Identity{UID: "u-1"}
	doc = firestoreDocument(rec, models.Authorization{DeviceID: rec.DeviceID})
	assert.NotContains(t, doc, "submitted_by_device")
	assert.Equal(t, "u-1", doc["author"].(map[string]interface{})["uid"])
}
