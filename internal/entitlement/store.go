package entitlement

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/mitchellh/go-homedir"
	"github.com/natefinch/atomic"
	"golang.org/x/crypto/hkdf"

	"licensegate/internal/license"
)

const (
	sealInfo      = "licensegate entitlement seal v1"
	lockRetry     = 50 * time.Millisecond
	recordVersion = 1
)

// Record is the persisted client entitlement.
type Record struct {
	Version int             `json:"version"`
	Token   license.Token   `json:"token"`
	Outcome license.Outcome `json:"outcome"`
	// ActivatedAt stands in for LastOnlineCheck until the first
	// successful online check.
	ActivatedAt     time.Time `json:"activatedAt"`
	VerifiedAt      time.Time `json:"verifiedAt"`
	LastOnlineCheck time.Time `json:"lastOnlineCheck"`
	Seal            string    `json:"seal"`
}

// Store persists the client record.
type Store interface {
	// Load returns nil without error when no usable record exists.
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context) error
}

// FileStore keeps the record in a sealed JSON file.
type FileStore struct {
	path string
	key  []byte
	log  *license.ActionLogger
}

// NewFileStore creates a store at path. A leading ~ is expanded to the
// home directory. The seal key is bound to the verification key and
// product, so records never move between products.
func NewFileStore(path string, publicKey ed25519.PublicKey, productID string, logger *slog.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand cache path %q: %w", path, err)
	}

	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, publicKey, []byte(productID), []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}

	return &FileStore{
		path: expanded,
		key:  key,
		log:  license.NewActionLogger(logger, "entitlement_store"),
	}, nil
}

// Path returns the expanded record path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) lockPath() string {
	return s.path + ".lock"
}

func (s *FileStore) Load(ctx context.Context) (*Record, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	lock := flock.New(s.lockPath())
	ok, err := lock.TryRLockContext(ctx, lockRetry)
	if !ok {
		return nil, fmt.Errorf("could not acquire read lock for %v: %w", s.path, err)
	}
	defer lock.Close()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read entitlement: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn(ctx, "load", "Ignoring unreadable entitlement record",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	if !hmac.Equal([]byte(rec.Seal), []byte(s.seal(rec))) {
		s.log.Warn(ctx, "load", "Ignoring entitlement record with invalid seal",
			slog.String("path", s.path),
		)
		return nil, nil
	}

	return &rec, nil
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create entitlement directory: %w", err)
	}

	lock := flock.New(s.lockPath())
	ok, err := lock.TryLockContext(ctx, lockRetry)
	if !ok {
		return fmt.Errorf("could not acquire lock for %v: %w", s.path, err)
	}
	defer lock.Close()

	rec.Version = recordVersion
	rec.Seal = s.seal(rec)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entitlement: %w", err)
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write entitlement: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		return fmt.Errorf("restrict entitlement permissions: %w", err)
	}

	s.log.Debug(ctx, "save", "Entitlement record saved",
		slog.String("path", s.path),
		slog.String("outcome", rec.Outcome.String()),
	)
	return nil
}

func (s *FileStore) Delete(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	lock := flock.New(s.lockPath())
	ok, err := lock.TryLockContext(ctx, lockRetry)
	if !ok {
		return fmt.Errorf("could not acquire lock for %v: %w", s.path, err)
	}
	defer lock.Close()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove entitlement: %w", err)
	}
	return nil
}

// seal computes the HMAC-SHA256 over every field except Seal.
func (s *FileStore) seal(rec Record) string {
	data := strings.Join([]string{
		fmt.Sprint(rec.Version),
		rec.Token.String(),
		rec.Outcome.String(),
		formatSealTime(rec.ActivatedAt),
		formatSealTime(rec.VerifiedAt),
		formatSealTime(rec.LastOnlineCheck),
	}, "|")

	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatSealTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
