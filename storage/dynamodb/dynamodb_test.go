package dynamodb

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/meetingscribe/storage"
	"github.com/ggoodman/meetingscribe/storage/storagetest"
)

// fakeTable is an in-memory table keyed by PK and SK. It understands the
// handful of expressions Store issues, ignores FilterExpression and pages
// Query and Scan results so pagination is exercised.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue
	pageSize int

	scanErr    error
	lastScanIn *dynamodb.ScanInput
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]map[string]types.AttributeValue), pageSize: 2}
}

func s(item map[string]types.AttributeValue, k string) string {
	if v, ok := item[k].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.items[s(in.Key, "PK")][s(in.Key, "SK")]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, sk := s(in.Item, "PK"), s(in.Item, "SK")
	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(PK)" {
		if _, ok := f.items[pk][sk]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := s(in.ExpressionAttributeValues, ":pk")
	prefix := s(in.ExpressionAttributeValues, ":prefix")

	var all []map[string]types.AttributeValue
	for sk, item := range f.items[pk] {
		if strings.HasPrefix(sk, prefix) {
			all = append(all, item)
		}
	}
	slices.SortFunc(all, func(a, b map[string]types.AttributeValue) int { return cmp.Compare(s(a, "SK"), s(b, "SK")) })
	page, next := f.page(all, in.ExclusiveStartKey)
	return &dynamodb.QueryOutput{Items: page, LastEvaluatedKey: next}, nil
}

func (f *fakeTable) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScanIn = in
	if f.scanErr != nil {
		return nil, f.scanErr
	}

	var all []map[string]types.AttributeValue
	for _, part := range f.items {
		for _, item := range part {
			all = append(all, item)
		}
	}
	slices.SortFunc(all, func(a, b map[string]types.AttributeValue) int {
		return cmp.Or(cmp.Compare(s(a, "PK"), s(b, "PK")), cmp.Compare(s(a, "SK"), s(b, "SK")))
	})
	page, next := f.page(all, in.ExclusiveStartKey)
	return &dynamodb.ScanOutput{Items: page, LastEvaluatedKey: next}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := s(in.Key, "PK")
	delete(f.items[pk], s(in.Key, "SK"))
	if len(f.items[pk]) == 0 {
		delete(f.items, pk)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTable) page(all []map[string]types.AttributeValue, start map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if len(start) > 0 {
		for i, item := range all {
			if s(item, "PK") == s(start, "PK") && s(item, "SK") == s(start, "SK") {
				all = all[i+1:]
				break
			}
		}
	}
	if len(all) <= f.pageSize {
		return all, nil
	}
	last := all[f.pageSize-1]
	return all[:f.pageSize], key(s(last, "PK"), s(last, "SK"))
}

func mustNewStore(t *testing.T, api dynamodbAPI, now func() time.Time) *Store {
	t.Helper()
	st, err := New(Config{
		API:   api,
		Table: "test-table",
		Links: storage.LinkBuilder{BaseURL: "http://scribe.test"},
		Now:   now,
	})
	require.NoError(t, err)
	return st
}

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return mustNewStore(t, newFakeTable(), nil)
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Table: "t"})
	require.Error(t, err)

	_, err = New(Config{API: newFakeTable(), Table: "  "})
	require.Error(t, err)
}

func TestDialogue_PaginatesInOrder(t *testing.T) {
	db := newFakeTable()
	st := mustNewStore(t, db, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateMeeting(ctx, "m1", "host"))
	want := []string{"a", "b", "c", "d", "e"}
	for _, text := range want {
		require.NoError(t, st.RecordDialogue(ctx, "m1", "u1", "Alice", text))
	}

	rows, err := st.Dialogue(ctx, "m1")
	require.NoError(t, err)
	got := make([]string, len(rows))
	for i, r := range rows {
		got[i] = r.Text
	}
	require.Equal(t, want, got)
}

func TestCreateMeeting_WritesMetaItem(t *testing.T) {
	db := newFakeTable()
	now := time.UnixMilli(1_700_000_000_000)
	st := mustNewStore(t, db, func() time.Time { return now })

	require.NoError(t, st.CreateMeeting(context.Background(), "m1", "host-1"))

	item := db.items["MEETING#m1"]["META"]
	require.NotNil(t, item)
	require.Equal(t, "host-1", s(item, "hostUid"))
	ts, err := intAttr(item, "ts")
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), ts)
}

func TestPurge_FiltersClientSide(t *testing.T) {
	db := newFakeTable()
	now := time.UnixMilli(1_700_000_000_000)
	st := mustNewStore(t, db, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, st.CreateMeeting(ctx, "old", "host"))
	require.NoError(t, st.RecordDialogue(ctx, "old", "u1", "Alice", "hello"))
	_, err := st.FinalizeMeeting(ctx, "old-rec", "notes", "")
	require.NoError(t, err)

	now = now.Add(72 * time.Hour)
	require.NoError(t, st.CreateMeeting(ctx, "new", "host"))

	n, err := st.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, "SK = :meta AND ts <= :cutoff", aws.ToString(db.lastScanIn.FilterExpression))
	require.NotContains(t, db.items, "MEETING#old")
	require.NotContains(t, db.items, "RECORD#old-rec")
	require.Contains(t, db.items, "MEETING#new")
}

func TestPurge_ScanError(t *testing.T) {
	db := newFakeTable()
	db.scanErr = errors.New("throttled")
	st := mustNewStore(t, db, nil)

	_, err := st.PurgeOlderThan(context.Background(), time.Hour)
	require.Error(t, err)
	require.Contains(t, err.Error(), "throttled")
}

func TestLoadRecord_DecodesTimestamp(t *testing.T) {
	db := newFakeTable()
	now := time.UnixMilli(1_700_000_000_123).UTC()
	st := mustNewStore(t, db, func() time.Time { return now })
	ctx := context.Background()

	links, err := st.FinalizeMeeting(ctx, "m1", "notes", "Alice: hi")
	require.NoError(t, err)
	require.Equal(t, "http://scribe.test/download?id=m1&kind=notes", links.Notes)

	rec, err := st.LoadRecord(ctx, "m1")
	require.NoError(t, err)
	require.True(t, rec.FinalizedAt.Equal(now))
	require.Equal(t, "Alice: hi", rec.Transcript)
}
