package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"queuewatch/internal/domain"
)

const (
	attrID          = "id"
	attrQueueName   = "queueName"
	attrLegacyQueue = "sqsName"
	attrEnabled     = "enabled"
	attrAutoConfirm = "autoConfirm"
	attrCreatedAt   = "createdAt"

	enabledIndex = "enabled-index"
)

// DynamoAPI is the subset of the DynamoDB client the registry uses.
type DynamoAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Dynamo is a Registry backed by a DynamoDB table with an enabled index and a
// queue-name index.
type Dynamo struct {
	client    DynamoAPI
	table     string
	queueAttr string
}

var _ Registry = (*Dynamo)(nil)

// NewDynamo returns a DynamoDB registry. With legacy set, the queue name is
// stored under the older sqsName attribute and index.
func NewDynamo(client DynamoAPI, table string, legacy bool) *Dynamo {
	d := &Dynamo{client: client, table: table, queueAttr: attrQueueName}
	if legacy {
		d.queueAttr = attrLegacyQueue
	}
	return d
}

func (d *Dynamo) queueIndex() string { return d.queueAttr + "-index" }

// EnsureTable creates the table and both indexes when DescribeTable reports
// it missing, then waits up to maxWait for it to become active.
func (d *Dynamo) EnsureTable(ctx context.Context, maxWait time.Duration) (created bool, err error) {
	_, err = d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err == nil {
		return false, nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return false, fmt.Errorf("%w: describe table: %v", domain.ErrRegistryUnavailable, err)
	}
	_, err = d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(d.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(d.queueAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrEnabled), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName:  aws.String(enabledIndex),
				KeySchema:  []types.KeySchemaElement{{AttributeName: aws.String(attrEnabled), KeyType: types.KeyTypeHash}},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName:  aws.String(d.queueIndex()),
				KeySchema:  []types.KeySchemaElement{{AttributeName: aws.String(d.queueAttr), KeyType: types.KeyTypeHash}},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("%w: create table: %v", domain.ErrRegistryWrite, err)
	}
	if maxWait > 0 {
		w := dynamodb.NewTableExistsWaiter(d.client)
		if err := w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, maxWait); err != nil {
			return true, fmt.Errorf("%w: wait for table: %v", domain.ErrRegistryUnavailable, err)
		}
	}
	return true, nil
}

func (d *Dynamo) QueryEnabled(ctx context.Context) ([]domain.WatchRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		IndexName:                 aws.String(enabledIndex),
		KeyConditionExpression:    aws.String("#e = :e"),
		ExpressionAttributeNames:  map[string]string{"#e": attrEnabled},
		ExpressionAttributeValues: map[string]types.AttributeValue{":e": flag(true)},
	}
	var records []domain.WatchRecord
	for {
		out, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
		}
		for _, item := range out.Items {
			rec, err := d.decode(item)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
			}
			records = append(records, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (d *Dynamo) Insert(ctx context.Context, queueName string, extra map[string]any, enabled bool) (string, error) {
	if !validQueueName(queueName) {
		return "", domain.ErrInvalidQueueName
	}
	rec := newRecord(queueName, extra, enabled)
	item, err := d.encode(rec, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrRegistryWrite, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrRegistryWrite, err)
	}
	return rec.ID, nil
}

func (d *Dynamo) Exists(ctx context.Context, queueName string) (bool, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		IndexName:                 aws.String(d.queueIndex()),
		KeyConditionExpression:    aws.String("#q = :q"),
		ExpressionAttributeNames:  map[string]string{"#q": d.queueAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":q": &types.AttributeValueMemberS{Value: queueName}},
		Select:                    types.SelectCount,
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
	}
	return out.Count > 0, nil
}

func (d *Dynamo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id}},
		UpdateExpression:          aws.String("SET #e = :e"),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeNames:  map[string]string{"#e": attrEnabled},
		ExpressionAttributeValues: map[string]types.AttributeValue{":e": flag(enabled)},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistryWrite, err)
	}
	return nil
}

// flag encodes enabled as a number so it can key the enabled index.
func flag(b bool) types.AttributeValue {
	if b {
		return &types.AttributeValueMemberN{Value: "1"}
	}
	return &types.AttributeValueMemberN{Value: "0"}
}

func (d *Dynamo) encode(rec domain.WatchRecord, now time.Time) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(rec.Extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra: %w", err)
	}
	if item == nil {
		item = map[string]types.AttributeValue{}
	}
	item[attrID] = &types.AttributeValueMemberS{Value: rec.ID}
	item[d.queueAttr] = &types.AttributeValueMemberS{Value: rec.QueueName}
	item[attrEnabled] = flag(rec.Enabled)
	item[attrAutoConfirm] = &types.AttributeValueMemberBOOL{Value: rec.AutoConfirm}
	item[attrCreatedAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)}
	return item, nil
}

func (d *Dynamo) decode(item map[string]types.AttributeValue) (domain.WatchRecord, error) {
	var (
		rec       domain.WatchRecord
		enabled   int
		createdMs int64
	)
	if err := attributevalue.Unmarshal(item[attrID], &rec.ID); err != nil {
		return rec, fmt.Errorf("decode id: %w", err)
	}
	if err := attributevalue.Unmarshal(item[d.queueAttr], &rec.QueueName); err != nil {
		return rec, fmt.Errorf("record %s: decode queue name: %w", rec.ID, err)
	}
	if v, ok := item[attrEnabled]; ok {
		if err := attributevalue.Unmarshal(v, &enabled); err != nil {
			return rec, fmt.Errorf("record %s: decode enabled: %w", rec.ID, err)
		}
	}
	rec.Enabled = enabled != 0
	if v, ok := item[attrAutoConfirm]; ok {
		if err := attributevalue.Unmarshal(v, &rec.AutoConfirm); err != nil {
			return rec, fmt.Errorf("record %s: decode autoConfirm: %w", rec.ID, err)
		}
	}
	if v, ok := item[attrCreatedAt]; ok {
		if err := attributevalue.Unmarshal(v, &createdMs); err == nil {
			rec.CreatedAt = time.UnixMilli(createdMs)
		}
	}

	rest := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		switch k {
		case attrID, attrQueueName, attrLegacyQueue, attrEnabled, attrAutoConfirm, attrCreatedAt:
			continue
		}
		rest[k] = v
	}
	rec.Extra = map[string]any{}
	if err := attributevalue.UnmarshalMap(rest, &rec.Extra); err != nil {
		return rec, fmt.Errorf("record %s: decode extra: %w", rec.ID, err)
	}
	return rec, nil
}
