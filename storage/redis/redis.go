// Package redis provides a Redis-based implementation of storage.Store.
//
// Key layout, relative to the configured prefix:
//
//	meeting:<id>   JSON live meeting row, created with SETNX
//	dialogue:<id>  list of JSON dialogue rows
//	record:<id>    JSON finalized record, created with SETNX
//	meetings       sorted set of live meeting IDs scored by creation time
//	records        sorted set of record IDs scored by finalization time
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/meetingscribe/storage"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "meetingscribe:"
	KeyPrefix string

	// Links renders download links for finalized meetings.
	Links storage.LinkBuilder

	// Now overrides time.Now.
	Now func() time.Time
}

// Store implements storage.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	links     storage.LinkBuilder
	now       func() time.Time
}

type meetingRow struct {
	HostUserID string    `json:"host_uid"`
	CreatedAt  time.Time `json:"created_at"`
}

// New creates a new Redis-based store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "meetingscribe:"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		links:     config.Links,
		now:       config.Now,
	}, nil
}

func (s *Store) meetingKey(id string) string  { return s.keyPrefix + "meeting:" + id }
func (s *Store) dialogueKey(id string) string { return s.keyPrefix + "dialogue:" + id }
func (s *Store) recordKey(id string) string   { return s.keyPrefix + "record:" + id }
func (s *Store) meetingsKey() string          { return s.keyPrefix + "meetings" }
func (s *Store) recordsKey() string           { return s.keyPrefix + "records" }

func (s *Store) CreateMeeting(ctx context.Context, meetingID, hostUserID string) error {
	n, err := s.client.Exists(ctx, s.recordKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check record %s: %w", meetingID, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: meeting %s", storage.ErrExists, meetingID)
	}

	now := s.now()
	data, err := json.Marshal(meetingRow{HostUserID: hostUserID, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.meetingKey(meetingID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create meeting %s: %w", meetingID, err)
	}
	if !ok {
		return fmt.Errorf("%w: meeting %s", storage.ErrExists, meetingID)
	}

	if err := s.client.ZAdd(ctx, s.meetingsKey(), redis.Z{Score: score(now), Member: meetingID}).Err(); err != nil {
		return fmt.Errorf("failed to index meeting %s: %w", meetingID, err)
	}
	return nil
}

func (s *Store) MeetingExists(ctx context.Context, meetingID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.meetingKey(meetingID), s.recordKey(meetingID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check meeting %s: %w", meetingID, err)
	}
	return n > 0, nil
}

func (s *Store) RecordDialogue(ctx context.Context, meetingID, userID, name, text string) error {
	if err := s.requireMeeting(ctx, meetingID); err != nil {
		return err
	}
	data, err := json.Marshal(storage.DialogueRow{UserID: userID, Name: name, Text: text, At: s.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal dialogue: %w", err)
	}
	if err := s.client.RPush(ctx, s.dialogueKey(meetingID), data).Err(); err != nil {
		return fmt.Errorf("failed to record dialogue for %s: %w", meetingID, err)
	}
	return nil
}

func (s *Store) Dialogue(ctx context.Context, meetingID string) ([]storage.DialogueRow, error) {
	if err := s.requireMeeting(ctx, meetingID); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.dialogueKey(meetingID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dialogue for %s: %w", meetingID, err)
	}
	rows := make([]storage.DialogueRow, 0, len(raw))
	for _, r := range raw {
		var row storage.DialogueRow
		if err := json.Unmarshal([]byte(r), &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dialogue: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) requireMeeting(ctx context.Context, meetingID string) error {
	n, err := s.client.Exists(ctx, s.meetingKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check meeting %s: %w", meetingID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: meeting %s", storage.ErrNotFound, meetingID)
	}
	return nil
}

func (s *Store) FinalizeMeeting(ctx context.Context, meetingID, summary, transcript string) (storage.Links, error) {
	rec := storage.Record{
		MeetingID:   meetingID,
		Summary:     summary,
		Transcript:  transcript,
		FinalizedAt: s.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return storage.Links{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(meetingID), data, 0).Result()
	if err != nil {
		return storage.Links{}, fmt.Errorf("failed to store record %s: %w", meetingID, err)
	}
	if !ok {
		return storage.Links{}, fmt.Errorf("%w: record %s", storage.ErrExists, meetingID)
	}
	if err := s.client.ZAdd(ctx, s.recordsKey(), redis.Z{Score: score(rec.FinalizedAt), Member: meetingID}).Err(); err != nil {
		return storage.Links{}, fmt.Errorf("failed to index record %s: %w", meetingID, err)
	}
	return s.links.Links(meetingID), nil
}

func (s *Store) LoadRecord(ctx context.Context, meetingID string) (*storage.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(meetingID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: record %s", storage.ErrNotFound, meetingID)
		}
		return nil, fmt.Errorf("failed to get record %s: %w", meetingID, err)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *Store) DeleteMeeting(ctx context.Context, meetingID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.meetingKey(meetingID), s.dialogueKey(meetingID))
		pipe.ZRem(ctx, s.meetingsKey(), meetingID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete meeting %s: %w", meetingID, err)
	}
	return nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff, err := storage.Cutoff(s.now(), age)
	if err != nil {
		return 0, err
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(score(cutoff), 'f', 0, 64)}

	records, err := s.client.ZRangeByScore(ctx, s.recordsKey(), rng).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan records: %w", err)
	}
	meetings, err := s.client.ZRangeByScore(ctx, s.meetingsKey(), rng).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan meetings: %w", err)
	}

	n := 0
	for _, id := range records {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.recordKey(id))
			pipe.ZRem(ctx, s.recordsKey(), id)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to purge record %s: %w", id, err)
		}
		n++
	}
	for _, id := range meetings {
		if err := s.DeleteMeeting(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// score orders sorted set members by millisecond timestamp.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

var _ storage.Store = (*Store)(nil)
