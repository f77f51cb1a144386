// Package backup periodically exports the vault rows to an
// S3-compatible bucket. Entry columns are stored as ciphertext, so a
// snapshot is exactly as opaque as the database itself; no plaintext
// ever leaves the process.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/secvault/internal/logging"
	sc "github.com/dmitrijs2005/secvault/internal/server/config"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Service snapshots the store into object storage on a fixed interval.
type Service struct {
	db     *sql.DB
	config *sc.Config
	logger logging.Logger
}

func NewService(db *sql.DB, config *sc.Config, logger logging.Logger) *Service {
	return &Service{
		db:     db,
		config: config,
		logger: logger,
	}
}

type profileRow struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ProfileKey []byte `json:"profile_key"`
}

type itemRow struct {
	ID        int64      `json:"id"`
	ProfileID int64      `json:"profile_id"`
	Kind      int16      `json:"kind"`
	Category  []byte     `json:"category"`
	Name      []byte     `json:"name"`
	Value     []byte     `json:"value"`
	Expiry    *time.Time `json:"expiry,omitempty"`
}

type tagRow struct {
	ItemID    int64  `json:"item_id"`
	Name      []byte `json:"name"`
	Value     []byte `json:"value"`
	Plaintext bool   `json:"plaintext"`
}

type snapshot struct {
	CreatedAt time.Time         `json:"created_at"`
	Config    map[string]string `json:"config"`
	Profiles  []profileRow      `json:"profiles"`
	Items     []itemRow         `json:"items"`
	Tags      []tagRow          `json:"tags"`
}

// Snapshot serializes the config, profile, item and tag rows as JSON.
func (s *Service) Snapshot(ctx context.Context) ([]byte, error) {
	snap := &snapshot{
		CreatedAt: time.Now().UTC(),
		Config:    map[string]string{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Config[name] = value
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, profile_key FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	for rows.Next() {
		var r profileRow
		if err := rows.Scan(&r.ID, &r.Name, &r.ProfileKey); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Profiles = append(snap.Profiles, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, profile_id, kind, category, name, value, expiry FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	for rows.Next() {
		var r itemRow
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Kind, &r.Category, &r.Name, &r.Value, &r.Expiry); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Items = append(snap.Items, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT item_id, name, value, plaintext FROM items_tags ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	for rows.Next() {
		var r tagRow
		if err := rows.Scan(&r.ItemID, &r.Name, &r.Value, &r.Plaintext); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Tags = append(snap.Tags, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	return json.Marshal(snap)
}

// GetRandomStorageKey builds a date-partitioned object key for a new
// snapshot.
func GetRandomStorageKey() string {
	d := time.Now()
	return fmt.Sprintf("backups/%d/%d/%d/%v.json", d.Year(), d.Month(), d.Day(), uuid.New())
}

func (s *Service) getClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
	})

	return client, nil
}

// Upload takes a snapshot and writes it to the configured bucket,
// returning the object key.
func (s *Service) Upload(ctx context.Context) (string, error) {
	data, err := s.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	client, err := s.getClient(ctx)
	if err != nil {
		return "", err
	}

	key := GetRandomStorageKey()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Run uploads a snapshot every interval until ctx is cancelled. A zero
// or negative interval disables backups.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key, err := s.Upload(ctx)
			if err != nil {
				s.logger.Error(ctx, "backup failed", "error", err.Error())
				continue
			}
			s.logger.Info(ctx, "backup uploaded", "key", key)
		}
	}
}
