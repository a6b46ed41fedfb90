package database

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"github.com/rideloka/geocell/internal/pkg/models"
)

// FirestoreClient wraps the Firestore SDK client.
type FirestoreClient struct {
	client *firestore.Client
}

// NewFirestoreClient creates a Firestore client, preferring an explicit
// credentials file and falling back to application default credentials.
func NewFirestoreClient(ctx context.Context, config models.FirestoreConfig) (*FirestoreClient, error) {
	credentialsFile := config.CredentialsFile
	if credentialsFile == "" {
		credentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	var client *firestore.Client
	var err error
	if credentialsFile != "" {
		client, err = firestore.NewClient(ctx, config.ProjectID, option.WithCredentialsFile(credentialsFile))
	} else {
		client, err = firestore.NewClient(ctx, config.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreClient{client: client}, nil
}

// GetClient returns the underlying Firestore client
func (fc *FirestoreClient) GetClient() *firestore.Client {
	return fc.client
}

// Close closes the Firestore client
func (fc *FirestoreClient) Close() error {
	return fc.client.Close()
}
