// Package store persists submitted applications together with the
// recommendation returned for them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coverwise/coverwise/internal/config"
	"github.com/coverwise/coverwise/internal/insurance"
)

var (
	ErrNotFound  = errors.New("submission not found")
	ErrDuplicate = errors.New("submission already exists")
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Submission is one recommendation request and its result. It serializes
// flat: applicant fields next to recommended_* fields.
type Submission struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	insurance.ApplicantProfile
	insurance.Recommendation
	CreatedAt time.Time `json:"created_at"`
}

// NewSubmission stamps a fresh ID and creation time.
func NewSubmission(clientID string, p insurance.ApplicantProfile, rec insurance.Recommendation) Submission {
	return Submission{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		ApplicantProfile: p,
		Recommendation:   rec,
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Store persists submissions. Implementations are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, s Submission) error
	Get(ctx context.Context, id string) (Submission, error)
	// List returns a client's submissions, newest first.
	List(ctx context.Context, clientID string, limit int) ([]Submission, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.StoreMemory:
		return NewMemory(0), nil
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.StoreRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:      cfg.Redis.Addr,
			DB:        cfg.Redis.DB,
			Password:  cfg.Redis.Password(),
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func checkSubmission(s Submission) error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("store: submission id must be set")
	}
	if strings.TrimSpace(s.ClientID) == "" {
		return errors.New("store: submission client id must be set")
	}
	return nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
