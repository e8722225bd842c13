package journal

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory table honouring PK/SK, Query on PK with
// pagination, and batch deletes.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue
	pageSize int
	queries  int
	batches  int
	failPut  error
	// holdBack is how many upcoming BatchWriteItem calls leave their last
	// request unprocessed, the way a throttled table does.
	holdBack int
}

func newFakeDynamo(pageSize int) *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]map[string]types.AttributeValue), pageSize: pageSize}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return nil, f.failPut
	}
	pk, sk := str(in.Item["PK"]), str(in.Item["SK"])
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	pk := str(in.ExpressionAttributeValues[":pk"])
	var sks []string
	for sk := range f.items[pk] {
		sks = append(sks, sk)
	}
	sort.Strings(sks)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey["SK"])
		for start < len(sks) && sks[start] <= after {
			start++
		}
	}
	end := start + f.pageSize
	out := &dynamodb.QueryOutput{}
	if end < len(sks) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sks[end-1]},
		}
	} else {
		end = len(sks)
	}
	for _, sk := range sks[start:end] {
		out.Items = append(out.Items, f.items[pk][sk])
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	out := &dynamodb.BatchWriteItemOutput{}
	for table, reqs := range in.RequestItems {
		if len(reqs) > maxBatchWrite {
			return nil, errors.New("too many items in batch")
		}
		if f.holdBack > 0 && len(reqs) > 0 {
			f.holdBack--
			out.UnprocessedItems = map[string][]types.WriteRequest{table: reqs[len(reqs)-1:]}
			reqs = reqs[:len(reqs)-1]
		}
		for _, r := range reqs {
			if r.DeleteRequest != nil {
				delete(f.items[str(r.DeleteRequest.Key["PK"])], str(r.DeleteRequest.Key["SK"]))
			}
		}
	}
	return out, nil
}

func sampleSession() *Session {
	return &Session{
		Key:       Key("p1", "DJI_0001.JPG", 26214400),
		ProjectID: "p1",
		FileName:  "DJI_0001.JPG",
		Size:      26214400,
		UploadID:  "upload-1",
		FileKey:   "projects/p1/user-uploads/DJI_0001.JPG",
		Staging:   true,
		BatchID:   "8d3c9b1e-6a1f-4c2e-9a55-0f3a7f1d2b44",
		PartSize:  5 << 20,
	}
}

func TestKey(t *testing.T) {
	if got := Key("p1", "a.jpg", 42); got != "p1/a.jpg/42" {
		t.Errorf("Key = %q", got)
	}
}

// journals exercises both implementations with the same contract.
func journals(t *testing.T) map[string]Journal {
	t.Helper()
	dj := NewDynamoJournal(newFakeDynamo(2), "uploads")
	return map[string]Journal{"memory": NewMemoryJournal(), "dynamo": dj}
}

func TestJournalRoundTrip(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sampleSession()
			if err := j.Put(ctx, s); err != nil {
				t.Fatalf("Put: %v", err)
			}
			for _, n := range []int{3, 1, 2} {
				if err := j.RecordPart(ctx, s.Key, Part{Number: n, ETag: "etag-" + strconv.Itoa(n)}); err != nil {
					t.Fatalf("RecordPart(%d): %v", n, err)
				}
			}
			// Re-recording a part replaces it.
			if err := j.RecordPart(ctx, s.Key, Part{Number: 2, ETag: "etag-2b"}); err != nil {
				t.Fatalf("RecordPart: %v", err)
			}

			got, err := j.Get(ctx, s.Key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got == nil {
				t.Fatal("Get returned nil for a journaled session")
			}
			if got.Key != s.Key || got.UploadID != "upload-1" || got.FileKey != s.FileKey || !got.Staging || got.BatchID != s.BatchID {
				t.Errorf("unexpected session: %+v", got)
			}
			if got.CreatedAt == 0 {
				t.Error("CreatedAt was not stamped")
			}
			want := []Part{{1, "etag-1"}, {2, "etag-2b"}, {3, "etag-3"}}
			if len(got.Parts) != len(want) {
				t.Fatalf("parts = %+v, want %+v", got.Parts, want)
			}
			for i := range want {
				if got.Parts[i] != want[i] {
					t.Errorf("parts[%d] = %+v, want %+v", i, got.Parts[i], want[i])
				}
			}

			if err := j.Delete(ctx, s.Key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if got, err := j.Get(ctx, s.Key); err != nil || got != nil {
				t.Errorf("Get after Delete = %+v, %v", got, err)
			}
		})
	}
}

func TestJournalGetMissing(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			got, err := j.Get(context.Background(), "p1/none.jpg/1")
			if err != nil || got != nil {
				t.Errorf("Get(missing) = %+v, %v; want nil, nil", got, err)
			}
		})
	}
}

func TestMemoryJournalReturnsCopies(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	s := sampleSession()
	j.Put(ctx, s)
	j.RecordPart(ctx, s.Key, Part{Number: 1, ETag: "a"})

	got, _ := j.Get(ctx, s.Key)
	got.Parts[0].ETag = "mutated"
	got.UploadID = "mutated"

	again, _ := j.Get(ctx, s.Key)
	if again.Parts[0].ETag != "a" || again.UploadID != "upload-1" {
		t.Error("caller mutation leaked into the journal")
	}
}

func TestMemoryJournalRecordPartUnknownKey(t *testing.T) {
	j := NewMemoryJournal()
	if err := j.RecordPart(context.Background(), "gone", Part{Number: 1, ETag: "x"}); err != nil {
		t.Fatalf("RecordPart: %v", err)
	}
	if got, _ := j.Get(context.Background(), "gone"); got != nil {
		t.Error("RecordPart created a session")
	}
}

func TestDynamoJournalItemLayout(t *testing.T) {
	fake := newFakeDynamo(100)
	j := NewDynamoJournal(fake, "uploads")
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	ctx := context.Background()
	s := sampleSession()
	if err := j.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	j.RecordPart(ctx, s.Key, Part{Number: 12, ETag: "e"})

	pk := "UPLOAD#" + s.Key
	meta, ok := fake.items[pk]["META"]
	if !ok {
		t.Fatalf("no META item under %s", pk)
	}
	ttl, ok := meta["expiresAt"].(*types.AttributeValueMemberN)
	if !ok {
		t.Fatal("META item has no numeric expiresAt")
	}
	if want := strconv.FormatInt(fixed.Add(TTL).Unix(), 10); ttl.Value != want {
		t.Errorf("expiresAt = %s, want %s", ttl.Value, want)
	}
	if _, ok := fake.items[pk]["PART#00012"]; !ok {
		t.Errorf("part item not stored under zero-padded SK: %v", fake.items[pk])
	}
	if _, ok := meta["Key"]; ok {
		t.Error("Key field should not be marshalled")
	}
}

func TestDynamoJournalPaginatesAndBatchesDeletes(t *testing.T) {
	fake := newFakeDynamo(7)
	j := NewDynamoJournal(fake, "uploads")
	ctx := context.Background()

	s := sampleSession()
	j.Put(ctx, s)
	for n := 1; n <= 40; n++ {
		j.RecordPart(ctx, s.Key, Part{Number: n, ETag: "e" + strconv.Itoa(n)})
	}

	got, err := j.Get(ctx, s.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Parts) != 40 {
		t.Fatalf("expected 40 parts across pages, got %d", len(got.Parts))
	}
	for i, p := range got.Parts {
		if p.Number != i+1 {
			t.Fatalf("parts out of order at %d: %d", i, p.Number)
		}
	}
	if fake.queries < 6 {
		t.Errorf("expected paginated queries, got %d", fake.queries)
	}

	if err := j.Delete(ctx, s.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fake.batches != 2 {
		t.Errorf("41 items should take 2 batch writes, got %d", fake.batches)
	}
	if n := len(fake.items["UPLOAD#"+s.Key]); n != 0 {
		t.Errorf("%d items left after Delete", n)
	}
}

func TestDynamoJournalPutError(t *testing.T) {
	fake := newFakeDynamo(10)
	fake.failPut = errors.New("ProvisionedThroughputExceededException")
	j := NewDynamoJournal(fake, "uploads")
	err := j.Put(context.Background(), sampleSession())
	if err == nil || !errors.Is(err, fake.failPut) {
		t.Errorf("expected wrapped put error, got %v", err)
	}
}

func TestDynamoJournalRetriesUnprocessedDeletes(t *testing.T) {
	fake := newFakeDynamo(10)
	j := NewDynamoJournal(fake, "uploads")
	var delays []time.Duration
	j.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	ctx := context.Background()
	s := sampleSession()
	j.Put(ctx, s)
	j.RecordPart(ctx, s.Key, Part{Number: 1, ETag: "e1"})
	j.RecordPart(ctx, s.Key, Part{Number: 2, ETag: "e2"})
	fake.holdBack = 2

	if err := j.Delete(ctx, s.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := len(fake.items["UPLOAD#"+s.Key]); n != 0 {
		t.Errorf("%d items left after Delete", n)
	}
	if fake.batches != 3 {
		t.Errorf("expected 3 batch writes, got %d", fake.batches)
	}
	if len(delays) != 2 || delays[1] != 2*delays[0] {
		t.Errorf("backoff = %v, want two doubling waits", delays)
	}
	if got, err := j.Get(ctx, s.Key); err != nil || got != nil {
		t.Errorf("Get after Delete = %+v, %v", got, err)
	}
}

func TestDynamoJournalGivesUpOnUnprocessedDeletes(t *testing.T) {
	fake := newFakeDynamo(10)
	j := NewDynamoJournal(fake, "uploads")
	j.sleep = func(context.Context, time.Duration) error { return nil }

	ctx := context.Background()
	s := sampleSession()
	j.Put(ctx, s)
	fake.holdBack = 100

	err := j.Delete(ctx, s.Key)
	if err == nil || !strings.Contains(err.Error(), "unprocessed") {
		t.Fatalf("expected unprocessed error, got %v", err)
	}
	if fake.batches != maxUnprocessedRetries+1 {
		t.Errorf("expected %d batch writes, got %d", maxUnprocessedRetries+1, fake.batches)
	}
}
