// Package dynamodb provides a storage.Store backed by a single DynamoDB
// table with a string partition key PK and string sort key SK.
//
// Item layout:
//
//	PK=MEETING#<id> SK=META          live meeting row
//	PK=MEETING#<id> SK=LINE#<ts>#<n> one dialogue row
//	PK=RECORD#<id>  SK=META          finalized record
//
// Meeting and record rows carry a numeric ts attribute (unix millis) used
// by PurgeOlderThan.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ggoodman/meetingscribe/storage"
)

const (
	pkMeetingPrefix = "MEETING#"
	pkRecordPrefix  = "RECORD#"
	skMeta          = "META"
	skLinePrefix    = "LINE#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Config contains configuration options for the DynamoDB store.
type Config struct {
	// API is usually a *dynamodb.Client.
	API dynamodbAPI

	// Table is the table name.
	Table string

	// Links renders download links for finalized meetings.
	Links storage.LinkBuilder

	// Now overrides time.Now.
	Now func() time.Time
}

// Store implements storage.Store on DynamoDB.
type Store struct {
	api   dynamodbAPI
	table string
	links storage.LinkBuilder
	now   func() time.Time
}

// New creates a new DynamoDB store.
func New(config Config) (*Store, error) {
	if config.API == nil {
		return nil, errors.New("dynamodb: api must not be nil")
	}
	if strings.TrimSpace(config.Table) == "" {
		return nil, errors.New("dynamodb: table name must not be empty")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store{api: config.API, table: config.Table, links: config.Links, now: config.Now}, nil
}

func meetingPK(id string) string { return pkMeetingPrefix + id }
func recordPK(id string) string  { return pkRecordPrefix + id }

var lineSeq atomic.Uint64

// lineSK sorts dialogue rows by time, then by write order within this
// process.
func lineSK(ts time.Time) string {
	return fmt.Sprintf("%s%019d#%010d", skLinePrefix, ts.UnixNano(), lineSeq.Add(1))
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *Store) CreateMeeting(ctx context.Context, meetingID, hostUserID string) error {
	rec, err := s.getItem(ctx, recordPK(meetingID), skMeta)
	if err != nil {
		return fmt.Errorf("dynamodb: CreateMeeting: %w", err)
	}
	if rec != nil {
		return fmt.Errorf("%w: meeting %s", storage.ErrExists, meetingID)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: meetingPK(meetingID)},
			"SK":      &types.AttributeValueMemberS{Value: skMeta},
			"hostUid": &types.AttributeValueMemberS{Value: hostUserID},
			"ts":      millis(s.now()),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return fmt.Errorf("%w: meeting %s", storage.ErrExists, meetingID)
		}
		return fmt.Errorf("dynamodb: CreateMeeting: %w", err)
	}
	return nil
}

func (s *Store) MeetingExists(ctx context.Context, meetingID string) (bool, error) {
	for _, pk := range []string{meetingPK(meetingID), recordPK(meetingID)} {
		item, err := s.getItem(ctx, pk, skMeta)
		if err != nil {
			return false, fmt.Errorf("dynamodb: MeetingExists: %w", err)
		}
		if item != nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RecordDialogue(ctx context.Context, meetingID, userID, name, text string) error {
	if err := s.requireMeeting(ctx, meetingID); err != nil {
		return err
	}
	now := s.now()
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":   &types.AttributeValueMemberS{Value: meetingPK(meetingID)},
			"SK":   &types.AttributeValueMemberS{Value: lineSK(now)},
			"uid":  &types.AttributeValueMemberS{Value: userID},
			"name": &types.AttributeValueMemberS{Value: name},
			"text": &types.AttributeValueMemberS{Value: text},
			"ts":   millis(now),
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: RecordDialogue: %w", err)
	}
	return nil
}

func (s *Store) Dialogue(ctx context.Context, meetingID string) ([]storage.DialogueRow, error) {
	if err := s.requireMeeting(ctx, meetingID); err != nil {
		return nil, err
	}
	items, err := s.queryPartition(ctx, meetingPK(meetingID), skLinePrefix)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: Dialogue: %w", err)
	}

	rows := make([]storage.DialogueRow, 0, len(items))
	for _, item := range items {
		row, err := itemToDialogue(item)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: Dialogue unmarshal: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) requireMeeting(ctx context.Context, meetingID string) error {
	item, err := s.getItem(ctx, meetingPK(meetingID), skMeta)
	if err != nil {
		return fmt.Errorf("dynamodb: get meeting: %w", err)
	}
	if item == nil {
		return fmt.Errorf("%w: meeting %s", storage.ErrNotFound, meetingID)
	}
	return nil
}

func (s *Store) FinalizeMeeting(ctx context.Context, meetingID, summary, transcript string) (storage.Links, error) {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: recordPK(meetingID)},
			"SK":         &types.AttributeValueMemberS{Value: skMeta},
			"summary":    &types.AttributeValueMemberS{Value: summary},
			"transcript": &types.AttributeValueMemberS{Value: transcript},
			"ts":         millis(s.now()),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return storage.Links{}, fmt.Errorf("%w: record %s", storage.ErrExists, meetingID)
		}
		return storage.Links{}, fmt.Errorf("dynamodb: FinalizeMeeting: %w", err)
	}
	return s.links.Links(meetingID), nil
}

func (s *Store) LoadRecord(ctx context.Context, meetingID string) (*storage.Record, error) {
	item, err := s.getItem(ctx, recordPK(meetingID), skMeta)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: LoadRecord: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: record %s", storage.ErrNotFound, meetingID)
	}

	summary, _ := strAttr(item, "summary")       // allow empty
	transcript, _ := strAttr(item, "transcript") // allow empty
	ts, err := intAttr(item, "ts")
	if err != nil {
		return nil, fmt.Errorf("dynamodb: LoadRecord decode: %w", err)
	}
	return &storage.Record{
		MeetingID:   meetingID,
		Summary:     summary,
		Transcript:  transcript,
		FinalizedAt: time.UnixMilli(ts).UTC(),
	}, nil
}

func (s *Store) DeleteMeeting(ctx context.Context, meetingID string) error {
	items, err := s.queryPartition(ctx, meetingPK(meetingID), "")
	if err != nil {
		return fmt.Errorf("dynamodb: DeleteMeeting query: %w", err)
	}
	for _, item := range items {
		if err := s.deleteItem(ctx, item); err != nil {
			return fmt.Errorf("dynamodb: DeleteMeeting: %w", err)
		}
	}
	return nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff, err := storage.Cutoff(s.now(), age)
	if err != nil {
		return 0, err
	}
	limit := cutoff.UnixMilli()

	var expired []map[string]types.AttributeValue
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("SK = :meta AND ts <= :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta":   &types.AttributeValueMemberS{Value: skMeta},
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(limit, 10)},
		},
	}
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("dynamodb: PurgeOlderThan scan: %w", err)
		}
		for _, item := range out.Items {
			if sk, _ := strAttr(item, "SK"); sk != skMeta {
				continue
			}
			if ts, err := intAttr(item, "ts"); err != nil || ts > limit {
				continue
			}
			expired = append(expired, item)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	n := 0
	for _, item := range expired {
		pk, err := strAttr(item, "PK")
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(pk, pkRecordPrefix):
			err = s.deleteItem(ctx, item)
		case strings.HasPrefix(pk, pkMeetingPrefix):
			err = s.DeleteMeeting(ctx, strings.TrimPrefix(pk, pkMeetingPrefix))
		default:
			continue
		}
		if err != nil {
			return n, fmt.Errorf("dynamodb: PurgeOlderThan: %w", err)
		}
		n++
	}
	return n, nil
}

// Close is a no-op; the SDK client holds no resources that need closing.
func (s *Store) Close() error { return nil }

func (s *Store) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// queryPartition returns every item under pk whose sort key starts with
// prefix, in sort key order. An empty prefix matches the whole partition.
func (s *Store) queryPartition(ctx context.Context, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(true),
	}
	if prefix != "" {
		in.KeyConditionExpression = aws.String("PK = :pk AND begins_with(SK, :prefix)")
		in.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: prefix}
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) deleteItem(ctx context.Context, item map[string]types.AttributeValue) error {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return err
	}
	_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(pk, sk),
	})
	return err
}

func itemToDialogue(item map[string]types.AttributeValue) (storage.DialogueRow, error) {
	uid, err := strAttr(item, "uid")
	if err != nil {
		return storage.DialogueRow{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return storage.DialogueRow{}, err
	}
	name, _ := strAttr(item, "name") // allow empty
	ts, err := intAttr(item, "ts")
	if err != nil {
		return storage.DialogueRow{}, err
	}
	return storage.DialogueRow{UserID: uid, Name: name, Text: text, At: time.UnixMilli(ts).UTC()}, nil
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamodb: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamodb: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamodb: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamodb: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamodb: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

var _ storage.Store = (*Store)(nil)
