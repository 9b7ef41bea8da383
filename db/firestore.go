package db

import (
	"context"
	"fmt"
	"time"

	"fieldsync/models"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreSink delivers records straight into Firestore collections.
// It is an alternative remote for deployments without the HTTP accept service.
type FirestoreSink struct {
	client *firestore.Client
	log    zerolog.Logger
}

// NewFirestoreSink initializes a Firestore client for the given project.
func NewFirestoreSink(ctx context.Context, projectID, credentialsPath string, logger zerolog.Logger) (*FirestoreSink, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firestore client: %w", err)
	}

	l := logger.With().Str("component", "firestore").Logger()
	l.Info().Str("project", projectID).Msg("connected to Firestore")

	return &FirestoreSink{client: client, log: l}, nil
}

// Close closes the Firestore client.
func (f *FirestoreSink) Close() error {
	return f.client.Close()
}

// Deliver creates {collection}/{id}. An existing document means an earlier
// attempt already landed, so it is reported as a duplicate receipt.
func (f *FirestoreSink) Deliver(ctx context.Context, rec *models.Record, authz models.Authorization) (*models.Receipt, error) {
	doc := f.client.Collection(collectionFor(rec.Kind)).Doc(rec.ID)

	_, err := doc.Create(ctx, firestoreDocument(rec, authz))
	switch status.Code(err) {
	case codes.OK:
		return &models.Receipt{ID: rec.ID, LocalID: rec.ID, Status: "created"}, nil
	case codes.AlreadyExists:
		f.log.Debug().Str("kind", string(rec.Kind)).Str("id", rec.ID).Msg("duplicate delivery")
		return &models.Receipt{ID: rec.ID, LocalID: rec.ID, Status: "duplicate"}, nil
	default:
		return nil, fmt.Errorf("failed to create %s document: %w", rec.Kind, err)
	}
}

func collectionFor(kind models.Kind) string {
	return kind.Table()
}

func firestoreDocument(rec *models.Record, authz models.Authorization) map[string]interface{} {
	doc := map[string]interface{}{
		"local_id":    rec.ID,
		"device_id":   rec.DeviceID,
		"created_at":  rec.CreatedAt,
		"received_at": time.Now().UTC(),
		"payload":     rec.Payload,
	}
	if rec.Author != nil {
		doc["author"] = map[string]interface{}{
			"uid":   rec.Author.UID,
			"name":  rec.Author.Name,
			"email": rec.Author.Email,
		}
	}
	if authz.DeviceID != "" && authz.DeviceID != rec.DeviceID {
		doc["submitted_by_device"] = authz.DeviceID
	}
	return doc
}
