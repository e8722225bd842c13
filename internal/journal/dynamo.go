package journal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// Single-table layout: every record of a session shares PK=UPLOAD#{key}.
// The session itself is SK=META and each part is SK=PART#{number}.
const (
	pkPrefix = "UPLOAD#"
	skMeta   = "META"
	skPart   = "PART#"

	// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
	maxBatchWrite = 25
	// maxUnprocessedRetries bounds how often throttled deletes are resent.
	maxUnprocessedRetries = 3
	unprocessedBackoff    = 100 * time.Millisecond
)

// DynamoAPI is the subset of the DynamoDB client the journal uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoJournal stores sessions in a DynamoDB table with a PK/SK schema and
// an expiresAt TTL attribute.
type DynamoJournal struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

var _ Journal = (*DynamoJournal)(nil)

// NewDynamoJournal creates a journal over tableName.
func NewDynamoJournal(client DynamoAPI, tableName string) *DynamoJournal {
	return &DynamoJournal{client: client, tableName: tableName, now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sessionPK(key string) string {
	return pkPrefix + key
}

func partSK(n int) string {
	// Zero-padded so SK order matches part order.
	return fmt.Sprintf("%s%05d", skPart, n)
}

func (d *DynamoJournal) expiresAt() int64 {
	return d.now().Add(TTL).Unix()
}

// putItem marshals data and writes it with PK, SK and TTL attributes.
func (d *DynamoJournal) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(d.expiresAt(), 10)}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &d.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// queryAll returns every item under pk, following pagination.
func (d *DynamoJournal) queryAll(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              &d.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}

	var all []map[string]types.AttributeValue
	for {
		result, err := d.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		all = append(all, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return all, nil
}

func (d *DynamoJournal) Put(ctx context.Context, s *Session) error {
	if s.CreatedAt == 0 {
		s.CreatedAt = d.now().Unix()
	}
	if err := d.putItem(ctx, sessionPK(s.Key), skMeta, s); err != nil {
		return fmt.Errorf("put upload session %s: %w", s.Key, err)
	}
	for _, p := range s.Parts {
		if err := d.putItem(ctx, sessionPK(s.Key), partSK(p.Number), p); err != nil {
			return fmt.Errorf("put upload session %s part %d: %w", s.Key, p.Number, err)
		}
	}
	log.Debug().Str("key", s.Key).Str("uploadId", s.UploadID).Msg("Upload session journaled")
	return nil
}

func (d *DynamoJournal) Get(ctx context.Context, key string) (*Session, error) {
	items, err := d.queryAll(ctx, sessionPK(key))
	if err != nil {
		return nil, fmt.Errorf("get upload session %s: %w", key, err)
	}

	var session *Session
	var parts []Part
	for _, item := range items {
		sk, _ := item["SK"].(*types.AttributeValueMemberS)
		if sk == nil {
			continue
		}
		switch {
		case sk.Value == skMeta:
			var s Session
			if err := attributevalue.UnmarshalMap(item, &s); err != nil {
				return nil, fmt.Errorf("unmarshal upload session %s: %w", key, err)
			}
			session = &s
		case strings.HasPrefix(sk.Value, skPart):
			var p Part
			if err := attributevalue.UnmarshalMap(item, &p); err != nil {
				return nil, fmt.Errorf("unmarshal upload session %s %s: %w", key, sk.Value, err)
			}
			parts = append(parts, p)
		}
	}
	if session == nil {
		return nil, nil
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	session.Key = key
	session.Parts = parts
	return session, nil
}

func (d *DynamoJournal) RecordPart(ctx context.Context, key string, p Part) error {
	if err := d.putItem(ctx, sessionPK(key), partSK(p.Number), p); err != nil {
		return fmt.Errorf("record part %d of %s: %w", p.Number, key, err)
	}
	return nil
}

// Delete removes the session and all its parts.
func (d *DynamoJournal) Delete(ctx context.Context, key string) error {
	items, err := d.queryAll(ctx, sessionPK(key))
	if err != nil {
		return fmt.Errorf("delete upload session %s: %w", key, err)
	}

	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
	}
	for i := 0; i < len(keys); i += maxBatchWrite {
		end := i + maxBatchWrite
		if end > len(keys) {
			end = len(keys)
		}
		var requests []types.WriteRequest
		for _, k := range keys[i:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := d.batchDelete(ctx, key, requests); err != nil {
			return err
		}
	}
	log.Debug().Str("key", key).Int("items", len(keys)).Msg("Upload session removed from journal")
	return nil
}

// batchDelete sends one BatchWriteItem and resends whatever DynamoDB hands
// back unprocessed, with exponential backoff. A leftover META item would
// make the next run resume an upload that no longer exists, so running out
// of retries is an error.
func (d *DynamoJournal) batchDelete(ctx context.Context, key string, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.tableName: requests}
	for attempt := 0; ; attempt++ {
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("BatchWriteItem delete (%d items): %w", len(pending[d.tableName]), err)
		}
		pending = out.UnprocessedItems
		left := len(pending[d.tableName])
		if left == 0 {
			return nil
		}
		if attempt == maxUnprocessedRetries {
			return fmt.Errorf("delete upload session %s: %d items still unprocessed after %d retries", key, left, maxUnprocessedRetries)
		}
		delay := unprocessedBackoff << attempt
		log.Debug().Str("key", key).Int("unprocessed", left).Dur("delay", delay).Msg("Retrying unprocessed journal deletes")
		if err := d.sleep(ctx, delay); err != nil {
			return fmt.Errorf("delete upload session %s: %w", key, err)
		}
	}
}
