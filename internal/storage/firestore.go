package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dodobot/authrelay/internal/crypto"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/region"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage keeps one document per identity in a Firestore
// collection. The document ID is the identity, so the upsert is a single
// transactional Set; lookups by state are equality queries.
type FirestoreStorage struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
	opts       options
}

// Ensure FirestoreStorage implements StateStore
var _ StateStore = (*FirestoreStorage)(nil)

// StateDoc is the Firestore shape of a StateRecord.
type StateDoc struct {
	ChatID       string    `firestore:"chat_id"`
	State        string    `firestore:"state"`
	Country      string    `firestore:"country"`
	CodeVerifier string    `firestore:"code_verifier,omitempty"` // encrypted
	CreatedAt    time.Time `firestore:"created_at"`
	UpdatedAt    time.Time `firestore:"updated_at"`
	ExpiresAt    time.Time `firestore:"expires_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor, opts ...Option) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:     client,
		collection: collection,
		encryptor:  encryptor,
		opts:       buildOptions(opts),
	}, nil
}

func (s *FirestoreStorage) states() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// UpsertState runs in a transaction: it rejects a state held by another
// live identity, keeps created_at of the existing document and replaces
// everything else.
func (s *FirestoreStorage) UpsertState(ctx context.Context, rec StateRecord) (*StateRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	sealed, err := s.encryptor.Encrypt(rec.CodeVerifier)
	if err != nil {
		return nil, storageErr("upsert", fmt.Errorf("encrypt verifier: %w", err))
	}

	now := s.opts.now()
	ref := s.states().Doc(rec.Identity)

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// all reads precede writes inside a Firestore transaction
		holders, err := tx.Documents(s.states().Where("state", "==", rec.State).Limit(1)).GetAll()
		if err != nil {
			return fmt.Errorf("query state holder: %w", err)
		}

		createdAt := now
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing StateDoc
			if err := snap.DataTo(&existing); err == nil && !existing.CreatedAt.IsZero() {
				createdAt = existing.CreatedAt
			}
		case status.Code(err) == codes.NotFound:
		default:
			return fmt.Errorf("get existing record: %w", err)
		}

		for _, h := range holders {
			if h.Ref.ID == rec.Identity {
				continue
			}
			var other StateDoc
			if err := h.DataTo(&other); err != nil {
				return fmt.Errorf("decode state holder: %w", err)
			}
			if now.Before(other.ExpiresAt) {
				return ErrStateConflict
			}
			if err := tx.Delete(h.Ref); err != nil {
				return fmt.Errorf("release expired state: %w", err)
			}
		}

		rec.CreatedAt = createdAt
		rec.UpdatedAt = now
		rec.ExpiresAt = now.Add(s.opts.ttl)

		return tx.Set(ref, StateDoc{
			ChatID:       rec.Identity,
			State:        rec.State,
			Country:      string(rec.Region),
			CodeVerifier: sealed,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
			ExpiresAt:    rec.ExpiresAt,
		})
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrStateConflict
		}
		return nil, storageErr("upsert", err)
	}

	return &rec, nil
}

// FindByState queries for the document holding state.
func (s *FirestoreStorage) FindByState(ctx context.Context, state string) (*StateRecord, error) {
	iter := s.states().Where("state", "==", state).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, storageErr("find", err)
	}

	var doc StateDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, storageErr("find", fmt.Errorf("decode record: %w", err))
	}

	rec := &StateRecord{
		State:     doc.State,
		Identity:  doc.ChatID,
		Region:    region.Region(doc.Country),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		ExpiresAt: doc.ExpiresAt,
	}
	if rec.Expired(s.opts.now()) {
		return nil, ErrStateNotFound
	}

	verifier, err := s.encryptor.Decrypt(doc.CodeVerifier)
	if err != nil {
		return nil, storageErr("find", fmt.Errorf("decrypt verifier: %w", err))
	}
	rec.CodeVerifier = verifier
	return rec, nil
}

// CleanupExpiredStates deletes expired documents with a BulkWriter.
func (s *FirestoreStorage) CleanupExpiredStates(ctx context.Context) (int, error) {
	iter := s.states().Where("expires_at", "<=", s.opts.now()).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	count := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return count, storageErr("cleanup", fmt.Errorf("iterate expired states: %w", err))
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return count, storageErr("cleanup", fmt.Errorf("enqueue delete: %w", err))
		}
		count++
	}
	bw.End()

	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
