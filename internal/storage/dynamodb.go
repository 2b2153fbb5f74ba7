package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"hypersearch/internal/model"
)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

const (
	condNotExists    = "attribute_not_exists(pk)"
	condValueEquals  = "#v = :expected"
	condCounterEqual = "#c = :expected"
	exprAddOne       = "ADD #n :one"
	exprModelsOfJob  = "pk = :pk AND begins_with(sk, :prefix)"

	codeConditionFailed = "ConditionalCheckFailed"
)

// DynamoStore keeps job fields, models and hash indexes in one table with
// a string partition key "pk" and sort key "sk".
//
//	job#<job>   field#<name>     job field value
//	job#<job>   model#<id>       model index entry
//	job#<job>   phash#<hash>     params hash owner
//	job#<job>   qhash#<hash>     particle hash owner
//	model#<id>  record           model record
//	seq         models           model id sequence
type DynamoStore struct {
	client DDBClient
	table  string
}

func NewDynamoStore(client DDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Init(_ context.Context) error {
	if s.client == nil {
		return ErrNotInitialized
	}
	if s.table == "" {
		return errors.New("dynamodb table is required")
	}
	return nil
}

func ddbKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func ddbItem(pk, sk string, attrs map[string]types.AttributeValue) map[string]types.AttributeValue {
	item := ddbKey(pk, sk)
	for k, v := range attrs {
		item[k] = v
	}
	return item
}

func jobPK(jobID string) string         { return "job#" + jobID }
func modelPK(id int64) string           { return "model#" + strconv.FormatInt(id, 10) }
func modelIndexSK(id int64) string      { return fmt.Sprintf("model#%020d", id) }
func paramsHashSK(hash string) string   { return "phash#" + hash }
func particleHashSK(hash string) string { return "qhash#" + hash }

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func readNum(item map[string]types.AttributeValue, name string) (int64, error) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("invalid %s attribute in dynamodb", name)
	}
	return strconv.ParseInt(attr.Value, 10, 64)
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            ddbKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s/%s: %w", pk, sk, err)
	}
	return out.Item, nil
}

func (s *DynamoStore) GetJobField(ctx context.Context, jobID, field string) (string, bool, error) {
	item, err := s.getItem(ctx, jobPK(jobID), "field#"+field)
	if err != nil || item == nil {
		return "", false, err
	}
	attr, ok := item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, errors.New("invalid value attribute in dynamodb")
	}
	return attr.Value, true, nil
}

func (s *DynamoStore) CompareAndSwapJobField(ctx context.Context, jobID, field, value string, expected *string) (bool, error) {
	if err := s.Init(ctx); err != nil {
		return false, err
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: ddbItem(jobPK(jobID), "field#"+field, map[string]types.AttributeValue{
			"value": &types.AttributeValueMemberS{Value: value},
		}),
		ConditionExpression: aws.String(condNotExists),
	}
	if expected != nil {
		input.ConditionExpression = aws.String(condValueEquals)
		input.ExpressionAttributeNames = map[string]string{"#v": "value"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: *expected},
		}
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb set %s: %w", field, err)
	}
	return true, nil
}

func (s *DynamoStore) nextModelID(ctx context.Context) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       ddbKey("seq", "models"),
		UpdateExpression:          aws.String(exprAddOne),
		ExpressionAttributeNames:  map[string]string{"#n": "n"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": numAttr(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("dynamodb model sequence: %w", err)
	}
	return readNum(out.Attributes, "n")
}

func recordItem(rec model.ModelRecord, payload []byte) map[string]types.AttributeValue {
	return ddbItem(modelPK(rec.ID), "record", map[string]types.AttributeValue{
		"job":     &types.AttributeValueMemberS{Value: rec.JobID},
		"counter": numAttr(rec.UpdateCounter),
		"payload": &types.AttributeValueMemberB{Value: payload},
	})
}

func hashPut(table, jobID, sk string, id int64) types.TransactWriteItem {
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(table),
		Item:                ddbItem(jobPK(jobID), sk, map[string]types.AttributeValue{"model": numAttr(id)}),
		ConditionExpression: aws.String(condNotExists),
	}}
}

func (s *DynamoStore) InsertModel(ctx context.Context, rec model.ModelRecord) (model.ModelRecord, bool, error) {
	if existing, ok, err := s.modelByParamsHash(ctx, rec.JobID, rec.ParamsHash); err != nil || ok {
		return existing, false, err
	}
	id, err := s.nextModelID(ctx)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	rec.ID = id
	rec.UpdateCounter = 0
	stamp(&rec)
	payload, err := EncodeModel(rec)
	if err != nil {
		return model.ModelRecord{}, false, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                recordItem(rec, payload),
				ConditionExpression: aws.String(condNotExists),
			}},
			hashPut(s.table, rec.JobID, paramsHashSK(rec.ParamsHash), id),
			hashPut(s.table, rec.JobID, particleHashSK(rec.ParticleHash), id),
			{Put: &types.Put{
				TableName: aws.String(s.table),
				Item:      ddbItem(jobPK(rec.JobID), modelIndexSK(id), map[string]types.AttributeValue{"model": numAttr(id)}),
			}},
		},
	})
	if err != nil {
		var cancelled *types.TransactionCanceledException
		if !errors.As(err, &cancelled) {
			return model.ModelRecord{}, false, fmt.Errorf("dynamodb insert model: %w", err)
		}
		existing, ok, lookupErr := s.modelByParamsHash(ctx, rec.JobID, rec.ParamsHash)
		if lookupErr != nil {
			return model.ModelRecord{}, false, lookupErr
		}
		if ok {
			return existing, false, nil
		}
		return model.ModelRecord{}, false, ErrDuplicateHash
	}
	return rec, true, nil
}

func (s *DynamoStore) modelByParamsHash(ctx context.Context, jobID, hash string) (model.ModelRecord, bool, error) {
	item, err := s.getItem(ctx, jobPK(jobID), paramsHashSK(hash))
	if err != nil || item == nil {
		return model.ModelRecord{}, false, err
	}
	id, err := readNum(item, "model")
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	return s.GetModel(ctx, id)
}

func (s *DynamoStore) GetModel(ctx context.Context, id int64) (model.ModelRecord, bool, error) {
	item, err := s.getItem(ctx, modelPK(id), "record")
	if err != nil || item == nil {
		return model.ModelRecord{}, false, err
	}
	attr, ok := item["payload"].(*types.AttributeValueMemberB)
	if !ok {
		return model.ModelRecord{}, false, errors.New("invalid payload attribute in dynamodb")
	}
	rec, err := DecodeModel(attr.Value)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model %d: %w", id, err)
	}
	return rec, true, nil
}

func (s *DynamoStore) ListModels(ctx context.Context, jobID string) ([]model.ModelRecord, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	var out []model.ModelRecord
	var start map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String(exprModelsOfJob),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: jobPK(jobID)},
				":prefix": &types.AttributeValueMemberS{Value: "model#"},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb list models: %w", err)
		}
		for _, item := range resp.Items {
			id, err := readNum(item, "model")
			if err != nil {
				return nil, err
			}
			rec, ok, err := s.GetModel(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, rec)
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = resp.LastEvaluatedKey
	}
}

func (s *DynamoStore) CompareAndSwapModel(ctx context.Context, rec model.ModelRecord, expectedCounter int64) (bool, error) {
	cur, ok, err := s.GetModel(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("model %d: %w", rec.ID, ErrModelNotFound)
	}
	if cur.UpdateCounter != expectedCounter {
		return false, nil
	}
	rec.JobID = cur.JobID
	rec.UpdateCounter = expectedCounter + 1
	stamp(&rec)
	payload, err := EncodeModel(rec)
	if err != nil {
		return false, err
	}

	put := &types.Put{
		TableName:                 aws.String(s.table),
		Item:                      recordItem(rec, payload),
		ConditionExpression:       aws.String(condCounterEqual),
		ExpressionAttributeNames:  map[string]string{"#c": "counter"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":expected": numAttr(expectedCounter)},
	}
	items := []types.TransactWriteItem{{Put: put}}
	if rec.ParamsHash != cur.ParamsHash {
		items = append(items,
			hashPut(s.table, rec.JobID, paramsHashSK(rec.ParamsHash), rec.ID),
			types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(s.table), Key: ddbKey(jobPK(cur.JobID), paramsHashSK(cur.ParamsHash))}},
		)
	}
	if rec.ParticleHash != cur.ParticleHash {
		items = append(items,
			hashPut(s.table, rec.JobID, particleHashSK(rec.ParticleHash), rec.ID),
			types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(s.table), Key: ddbKey(jobPK(cur.JobID), particleHashSK(cur.ParticleHash))}},
		)
	}

	if len(items) == 1 {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeNames:  put.ExpressionAttributeNames,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
		if err != nil {
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				return false, nil
			}
			return false, fmt.Errorf("dynamodb update model %d: %w", rec.ID, err)
		}
		return true, nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var cancelled *types.TransactionCanceledException
		if !errors.As(err, &cancelled) {
			return false, fmt.Errorf("dynamodb update model %d: %w", rec.ID, err)
		}
		reasons := cancelled.CancellationReasons
		if len(reasons) > 0 && aws.ToString(reasons[0].Code) == codeConditionFailed {
			return false, nil
		}
		return false, ErrDuplicateHash
	}
	return true, nil
}
