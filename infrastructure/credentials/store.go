// Package credentials persists the transport session and confirmation-id
// mappings in a local Badger key-value store so they survive process
// restarts. Confirmation mappings are what let a recovered process find a
// flow again after the provider has already renamed it.
package credentials

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

const (
	keySessionToken    = "session/token"
	keySessionUserID   = "session/user_id"
	confirmationPrefix = "confirmation/"
)

// BadgerStore implements ports.CredentialStore on Badger
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ ports.CredentialStore = (*BadgerStore)(nil)

// NewBadgerStore opens the credential database at path. An empty path opens
// an in-memory database, used in tests.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, pkgerrors.NewInternalError("open credential store").WithCause(err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Session loads the stored transport session
func (s *BadgerStore) Session(ctx context.Context) (ports.Session, error) {
	var session ports.Session

	err := s.db.View(func(txn *badger.Txn) error {
		token, err := readString(txn, keySessionToken)
		if err != nil {
			return err
		}
		userID, err := readString(txn, keySessionUserID)
		if err != nil {
			return err
		}
		session = ports.Session{Token: token, UserID: userID}
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return ports.Session{}, pkgerrors.NewNotFoundError("session")
	}
	if err != nil {
		return ports.Session{}, pkgerrors.NewInternalError("read session").WithCause(err)
	}
	return session, nil
}

// SaveSession stores the transport session
func (s *BadgerStore) SaveSession(ctx context.Context, session ports.Session) error {
	if session.Token == "" {
		return pkgerrors.NewValidationError("session token is required")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keySessionToken), []byte(session.Token)); err != nil {
			return err
		}
		return txn.Set([]byte(keySessionUserID), []byte(session.UserID))
	})
	if err != nil {
		return pkgerrors.NewInternalError("save session").WithCause(err)
	}

	s.logger.Debug("session saved", zap.String("userID", session.UserID))
	return nil
}

// SaveConfirmationMapping remembers which flow a provider confirmation id
// belongs to
func (s *BadgerStore) SaveConfirmationMapping(ctx context.Context, confirmationID, flowID string) error {
	if confirmationID == "" || flowID == "" {
		return pkgerrors.NewValidationError("confirmation id and flow id are required")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(confirmationPrefix+confirmationID), []byte(flowID))
	})
	if err != nil {
		return pkgerrors.NewInternalError("save confirmation mapping").WithCause(err)
	}

	s.logger.Debug("confirmation mapping saved",
		zap.String("confirmationID", confirmationID),
		zap.String("flowID", flowID),
	)
	return nil
}

// LookupConfirmation resolves a confirmation id to its flow id
func (s *BadgerStore) LookupConfirmation(ctx context.Context, confirmationID string) (string, bool, error) {
	var flowID string

	err := s.db.View(func(txn *badger.Txn) error {
		value, err := readString(txn, confirmationPrefix+confirmationID)
		if err != nil {
			return err
		}
		flowID = value
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.NewInternalError("lookup confirmation mapping").WithCause(err)
	}
	return flowID, true, nil
}

// DB exposes the underlying handle so other components, such as the
// persistent rate limiter, can share the same database.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// Close flushes and closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	var value string
	err = item.Value(func(v []byte) error {
		value = string(v)
		return nil
	})
	return value, err
}
