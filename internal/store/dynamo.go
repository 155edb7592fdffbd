package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
//
// Each record is stored twice: the record item (PK = MEDIA#{id}) and an
// external-id marker (PK = EXT#{externalId}) written in the same
// transaction. The marker's attribute_not_exists condition is the unique
// constraint.
const (
	pkMedia    = "MEDIA#"
	pkExternal = "EXT#"
	skRecord   = "RECORD"
	skExternal = "EXT"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoLedger.
type DynamoAPI interface {
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoLedger implements Ledger using AWS DynamoDB.
type DynamoLedger struct {
	client    DynamoAPI
	tableName string
}

// Compile-time interface check.
var _ Ledger = (*DynamoLedger)(nil)

// NewDynamoLedger creates a DynamoLedger for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoLedger(client DynamoAPI, tableName string) *DynamoLedger {
	return &DynamoLedger{
		client:    client,
		tableName: tableName,
	}
}

func mediaPK(id string) string {
	return pkMedia + id
}

func externalPK(externalID string) string {
	return pkExternal + externalID
}

func recordKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: mediaPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skRecord},
	}
}

func (s *DynamoLedger) ListKnownExternalIDs(ctx context.Context) (IDSet, error) {
	items, err := s.scanPrefix(ctx, pkExternal, aws.String("PK"))
	if err != nil {
		return nil, err
	}

	ids := make(IDSet, len(items))
	for _, item := range items {
		if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
			ids[strings.TrimPrefix(pk.Value, pkExternal)] = struct{}{}
		}
	}
	return ids, nil
}

func (s *DynamoLedger) Insert(ctx context.Context, record *IngestedMediaRecord) (*IngestedMediaRecord, error) {
	if err := validateForInsert(record); err != nil {
		return nil, err
	}
	stored := prepareForInsert(record)

	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: mediaPK(stored.ID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skRecord}

	marker := map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: externalPK(stored.ExternalID)},
		"SK":       &types.AttributeValueMemberS{Value: skExternal},
		"recordId": &types.AttributeValueMemberS{Value: stored.ID},
	}

	notExists := aws.String("attribute_not_exists(PK)")

	start := time.Now()
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: &s.tableName, Item: item, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: &s.tableName, Item: marker, ConditionExpression: notExists}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && markerConflict(canceled) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, stored.ExternalID)
		}
		return nil, fmt.Errorf("TransactWriteItems record %s: %w", stored.ExternalID, err)
	}

	log.Debug().
		Str("id", stored.ID).
		Str("externalId", stored.ExternalID).
		Dur("duration", time.Since(start)).
		Msg("Ledger record persisted")
	return stored, nil
}

// markerConflict reports whether the transaction failed on the external-id
// marker's condition (second item).
func markerConflict(e *types.TransactionCanceledException) bool {
	if len(e.CancellationReasons) < 2 {
		return false
	}
	code := e.CancellationReasons[1].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func (s *DynamoLedger) UpdateMatch(ctx context.Context, id string, projectID int64, distanceMeters float64) error {
	return s.update(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET projectId = :p, matchDistanceMeters = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberN{Value: strconv.FormatInt(projectID, 10)},
			":d": &types.AttributeValueMemberN{Value: strconv.FormatFloat(distanceMeters, 'f', -1, 64)},
		},
	})
}

func (s *DynamoLedger) ClearMatch(ctx context.Context, id string) error {
	return s.update(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("REMOVE projectId, matchDistanceMeters"),
	})
}

// update applies input to an existing record item.
func (s *DynamoLedger) update(ctx context.Context, id string, input *dynamodb.UpdateItemInput) error {
	input.TableName = &s.tableName
	input.Key = recordKey(id)
	input.ConditionExpression = aws.String("attribute_exists(PK)")

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("UpdateItem PK=%s: %w", mediaPK(id), err)
	}

	log.Debug().Str("id", id).Str("update", *input.UpdateExpression).Msg("Ledger match updated")
	return nil
}

func (s *DynamoLedger) ListUnmatched(ctx context.Context) ([]IngestedMediaRecord, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	unmatched := all[:0]
	for _, r := range all {
		if !r.IsMatched() {
			unmatched = append(unmatched, r)
		}
	}
	return unmatched, nil
}

func (s *DynamoLedger) ListAll(ctx context.Context) ([]IngestedMediaRecord, error) {
	items, err := s.scanPrefix(ctx, pkMedia, nil)
	if err != nil {
		return nil, err
	}

	records := make([]IngestedMediaRecord, 0, len(items))
	for _, item := range items {
		var r IngestedMediaRecord
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			log.Warn().Err(err).Msg("Failed to unmarshal ledger record, skipping")
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// scanPrefix scans the table for items whose PK begins with prefix.
func (s *DynamoLedger) scanPrefix(ctx context.Context, prefix string, projection *string) ([]map[string]types.AttributeValue, error) {
	start := time.Now()
	input := &dynamodb.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: aws.String("begins_with(PK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ProjectionExpression: projection,
	}

	var allItems []map[string]types.AttributeValue

	// DynamoDB returns up to 1MB per Scan call.
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Scan PK prefix=%s: %w", prefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	log.Debug().
		Str("prefix", prefix).
		Int("itemCount", len(allItems)).
		Dur("duration", time.Since(start)).
		Msg("Ledger scan completed")
	return allItems, nil
}
