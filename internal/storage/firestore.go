package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/sellista/authbroker/internal/crypto"
	"github.com/sellista/authbroker/internal/emailutil"
	"github.com/sellista/authbroker/internal/idp"
	"github.com/sellista/authbroker/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FirestoreStore implements the Store interface
var _ Store = (*FirestoreStore)(nil)

const (
	usersCollection        = "users"
	integrationsCollection = "integrations"
)

// FirestoreStore persists users and integrations in Google Cloud Firestore.
// Provider access tokens are encrypted before they are written; everything
// else is stored in the clear for queryability.
type FirestoreStore struct {
	client    *firestore.Client
	encryptor crypto.Encryptor
}

type userDoc struct {
	Email     string    `firestore:"email"`
	Name      string    `firestore:"name,omitempty"`
	Picture   string    `firestore:"picture,omitempty"`
	Subject   string    `firestore:"sub,omitempty"`
	Provider  string    `firestore:"provider"`
	FirstSeen time.Time `firestore:"first_seen"`
	LastSeen  time.Time `firestore:"last_seen"`
}

type integrationDoc struct {
	Email       string    `firestore:"email"`
	Provider    string    `firestore:"provider"`
	AccountID   string    `firestore:"account_id"`
	Username    string    `firestore:"username,omitempty"`
	AccessToken string    `firestore:"access_token,omitempty"` // encrypted
	Scopes      []string  `firestore:"scopes,omitempty"`
	ExpiresAt   time.Time `firestore:"expires_at,omitempty"`
	LinkedAt    time.Time `firestore:"linked_at"`
}

// NewFirestoreStore creates a store backed by the given Firestore database.
// Database may be empty to use the project default.
func NewFirestoreStore(ctx context.Context, projectID, database string, encryptor crypto.Encryptor) (*FirestoreStore, error) {
	var client *firestore.Client
	var err error
	if database == "" {
		client, err = firestore.NewClient(ctx, projectID)
	} else {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	}
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Firestore store initialized", map[string]any{
		"project":  projectID,
		"database": database,
	})

	return &FirestoreStore{client: client, encryptor: encryptor}, nil
}

func integrationDocID(email, provider string) string {
	return email + "#" + provider
}

func (s *FirestoreStore) UpsertUser(ctx context.Context, identity idp.Identity) error {
	email := emailutil.Normalize(identity.Email)
	now := time.Now()

	ref := s.client.Collection(usersCollection).Doc(email)

	firstSeen := now
	snap, err := ref.Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("reading user %s: %w", email, err)
	}
	if err == nil {
		var existing userDoc
		if err := snap.DataTo(&existing); err == nil && !existing.FirstSeen.IsZero() {
			firstSeen = existing.FirstSeen
		}
	}

	_, err = ref.Set(ctx, userDoc{
		Email:     email,
		Name:      identity.Name,
		Picture:   identity.Picture,
		Subject:   identity.Subject,
		Provider:  identity.Provider,
		FirstSeen: firstSeen,
		LastSeen:  now,
	})
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", email, err)
	}
	return nil
}

func (s *FirestoreStore) GetUser(ctx context.Context, email string) (*User, error) {
	email = emailutil.Normalize(email)

	snap, err := s.client.Collection(usersCollection).Doc(email).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading user %s: %w", email, err)
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", email, err)
	}
	return docToUser(doc), nil
}

func (s *FirestoreStore) ListUsers(ctx context.Context) ([]User, error) {
	iter := s.client.Collection(usersCollection).Documents(ctx)
	defer iter.Stop()

	var users []User
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}

		var doc userDoc
		if err := snap.DataTo(&doc); err != nil {
			log.LogWarnWithFields("storage", "Skipping undecodable user document", map[string]any{
				"doc":   snap.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		users = append(users, *docToUser(doc))
	}
	return users, nil
}

func (s *FirestoreStore) UpsertIntegration(ctx context.Context, email string, integration Integration) error {
	email = emailutil.Normalize(email)

	encryptedToken := ""
	if integration.AccessToken != "" {
		var err error
		encryptedToken, err = s.encryptor.Encrypt(integration.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypting access token: %w", err)
		}
	}

	_, err := s.client.Collection(integrationsCollection).Doc(integrationDocID(email, integration.Provider)).Set(ctx, integrationDoc{
		Email:       email,
		Provider:    integration.Provider,
		AccountID:   integration.AccountID,
		Username:    integration.Username,
		AccessToken: encryptedToken,
		Scopes:      integration.Scopes,
		ExpiresAt:   integration.ExpiresAt,
		LinkedAt:    integration.LinkedAt,
	})
	if err != nil {
		return fmt.Errorf("upserting integration %s/%s: %w", email, integration.Provider, err)
	}
	return nil
}

func (s *FirestoreStore) GetIntegration(ctx context.Context, email, provider string) (*Integration, error) {
	email = emailutil.Normalize(email)

	snap, err := s.client.Collection(integrationsCollection).Doc(integrationDocID(email, provider)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading integration %s/%s: %w", email, provider, err)
	}

	var doc integrationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding integration %s/%s: %w", email, provider, err)
	}
	return s.docToIntegration(doc)
}

func (s *FirestoreStore) ListIntegrations(ctx context.Context, email string) ([]Integration, error) {
	email = emailutil.Normalize(email)

	iter := s.client.Collection(integrationsCollection).Where("email", "==", email).Documents(ctx)
	defer iter.Stop()

	var integrations []Integration
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing integrations for %s: %w", email, err)
		}

		var doc integrationDoc
		if err := snap.DataTo(&doc); err != nil {
			log.LogWarnWithFields("storage", "Skipping undecodable integration document", map[string]any{
				"doc":   snap.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		integration, err := s.docToIntegration(doc)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, *integration)
	}
	return integrations, nil
}

func (s *FirestoreStore) DeleteIntegration(ctx context.Context, email, provider string) error {
	email = emailutil.Normalize(email)

	_, err := s.client.Collection(integrationsCollection).Doc(integrationDocID(email, provider)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting integration %s/%s: %w", email, provider, err)
	}
	return nil
}

func (s *FirestoreStore) DeleteIntegrationsByAccount(ctx context.Context, provider, accountID string) error {
	iter := s.client.Collection(integrationsCollection).
		Where("provider", "==", provider).
		Where("account_id", "==", accountID).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("querying integrations for %s account %s: %w", provider, accountID, err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("deleting integration %s: %w", snap.Ref.ID, err)
		}
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func docToUser(doc userDoc) *User {
	return &User{
		Email:     doc.Email,
		Name:      doc.Name,
		Picture:   doc.Picture,
		Subject:   doc.Subject,
		Provider:  doc.Provider,
		FirstSeen: doc.FirstSeen,
		LastSeen:  doc.LastSeen,
	}
}

func (s *FirestoreStore) docToIntegration(doc integrationDoc) (*Integration, error) {
	accessToken := ""
	if doc.AccessToken != "" {
		var err error
		accessToken, err = s.encryptor.Decrypt(doc.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("decrypting access token for %s/%s: %w", doc.Email, doc.Provider, err)
		}
	}

	return &Integration{
		Provider:    doc.Provider,
		AccountID:   doc.AccountID,
		Username:    doc.Username,
		AccessToken: accessToken,
		Scopes:      doc.Scopes,
		ExpiresAt:   doc.ExpiresAt,
		LinkedAt:    doc.LinkedAt,
	}, nil
}
