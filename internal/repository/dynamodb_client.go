package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
)

const (
	skProfile   = "PROFILE"
	skClaim     = "CLAIM"
	skPrefixMsg = "MSG#"
	claimTTL    = 24 * time.Hour

	// sortableTime is fixed width so that sort keys order lexicographically.
	sortableTime = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a single DynamoDB table holding accounts, chat turns and
// update claims.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

func userPK(externalUserID string) string {
	return "USER#" + externalUserID
}

func chatPK(chatID string) string {
	return "CHAT#" + chatID
}

func updatePK(updateID int64) string {
	return "UPDATE#" + strconv.FormatInt(updateID, 10)
}

// msgSK orders turns by creation time; the turn id breaks ties.
func msgSK(ts time.Time, turnID string) string {
	return skPrefixMsg + ts.UTC().Format(sortableTime) + "#" + turnID
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// GetOrCreateAccount returns the account for externalUserID, creating it with
// a zero usage count on first contact. Creation is a conditional put, so two
// concurrent first contacts end up sharing the account that won the write.
func (c *Client) GetOrCreateAccount(ctx context.Context, externalUserID, displayName string) (domain.Account, error) {
	if strings.TrimSpace(externalUserID) == "" {
		return domain.Account{}, errors.New("repository: GetOrCreateAccount: external user id is required")
	}

	acc, found, err := c.getAccount(ctx, externalUserID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetOrCreateAccount: %w", err)
	}
	if found {
		return acc, nil
	}

	acc = domain.Account{
		ID:             c.newID(),
		ExternalUserID: externalUserID,
		DisplayName:    displayName,
		UsageCount:     0,
		CreatedAt:      c.now(),
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                accountItem(acc),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return acc, nil
	}
	if !isConditionFailed(err) {
		return domain.Account{}, fmt.Errorf("repository: GetOrCreateAccount put: %w", err)
	}

	winner, found, err := c.getAccount(ctx, externalUserID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetOrCreateAccount reread: %w", err)
	}
	if !found {
		return domain.Account{}, errors.New("repository: GetOrCreateAccount: account vanished after conditional put")
	}
	return winner, nil
}

func (c *Client) getAccount(ctx context.Context, externalUserID string) (domain.Account, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(externalUserID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Account{}, false, nil
	}
	acc, err := itemToAccount(out.Item)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("decode account: %w", err)
	}
	return acc, true, nil
}

// IncrementUsage atomically adds one to the account's usage count and returns
// the new value.
func (c *Client) IncrementUsage(ctx context.Context, acc domain.Account) (int, error) {
	if strings.TrimSpace(acc.ExternalUserID) == "" {
		return 0, errors.New("repository: IncrementUsage: external user id is required")
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(acc.ExternalUserID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression:    aws.String("ADD usageCount :one"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementUsage: %w", err)
	}
	if out == nil {
		return 0, errors.New("repository: IncrementUsage: empty response")
	}
	n, err := intAttr(out.Attributes, "usageCount")
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementUsage decode usage: %w", err)
	}
	return n, nil
}

// AppendTurn persists a new turn, assigning its id and creation time.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if strings.TrimSpace(turn.ChatID) == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: chat id is required")
	}
	turn.ID = c.newID()
	turn.CreatedAt = c.now()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn, nil
}

// RecentTurns returns up to limit of the newest turns in the chat, oldest first.
func (c *Client) RecentTurns(ctx context.Context, chatID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, errors.New("repository: RecentTurns: limit must be positive")
	}
	return c.queryTurns(ctx, "RecentTurns", limit, "PK = :pk AND begins_with(SK, :prefix)",
		map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(chatID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		})
}

// TurnsBefore returns up to limit turns of current's chat whose sort key is
// strictly below current's, oldest first. Turns appended after current by a
// concurrent update are never included.
func (c *Client) TurnsBefore(ctx context.Context, current domain.Turn, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, errors.New("repository: TurnsBefore: limit must be positive")
	}
	if strings.TrimSpace(current.ID) == "" {
		return nil, errors.New("repository: TurnsBefore: current turn has no id")
	}
	return c.queryTurns(ctx, "TurnsBefore", limit, "PK = :pk AND SK BETWEEN :prefix AND :before",
		map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(current.ChatID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			":before": &types.AttributeValueMemberS{Value: msgSK(current.CreatedAt, current.ID)},
		}, current.ID)
}

// queryTurns reads newest first so LIMIT favors the most recent context, then
// returns the page oldest first. BETWEEN is inclusive, so exclude drops the
// upper bound's own turn; one extra item is requested to make room for it.
func (c *Client) queryTurns(ctx context.Context, op string, limit int, keyCond string, values map[string]types.AttributeValue, exclude ...string) ([]domain.Turn, error) {
	pageSize := limit + len(exclude)
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(pageSize)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: %s query: %w", op, err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: %s unmarshal: %w", op, err)
		}
		if slices.Contains(exclude, turn.ID) {
			continue
		}
		turns = append(turns, turn)
	}
	if len(turns) > limit {
		turns = turns[:limit]
	}
	reverseTurns(turns)
	return turns, nil
}

// ClaimUpdate records that updateID is being processed. It reports false when
// the update was already claimed.
func (c *Client) ClaimUpdate(ctx context.Context, updateID int64) (bool, error) {
	now := c.now()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: updatePK(updateID)},
			"SK":        &types.AttributeValueMemberS{Value: skClaim},
			"claimedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(claimTTL).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("repository: ClaimUpdate: %w", err)
}

// ReleaseUpdate removes a claim so a redelivery is processed again.
func (c *Client) ReleaseUpdate(ctx context.Context, updateID int64) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: updatePK(updateID)},
			"SK": &types.AttributeValueMemberS{Value: skClaim},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ReleaseUpdate: %w", err)
	}
	return nil
}

func reverseTurns(turns []domain.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func accountItem(acc domain.Account) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: userPK(acc.ExternalUserID)},
		"SK":             &types.AttributeValueMemberS{Value: skProfile},
		"accountId":      &types.AttributeValueMemberS{Value: acc.ID},
		"externalUserId": &types.AttributeValueMemberS{Value: acc.ExternalUserID},
		"displayName":    &types.AttributeValueMemberS{Value: acc.DisplayName},
		"usageCount":     &types.AttributeValueMemberN{Value: strconv.Itoa(acc.UsageCount)},
		"createdAt":      &types.AttributeValueMemberS{Value: acc.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: chatPK(turn.ChatID)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(turn.CreatedAt, turn.ID)},
		"turnId":     &types.AttributeValueMemberS{Value: turn.ID},
		"chatId":     &types.AttributeValueMemberS{Value: turn.ChatID},
		"accountId":  &types.AttributeValueMemberS{Value: turn.AccountID},
		"text":       &types.AttributeValueMemberS{Value: turn.Text},
		"isFromUser": &types.AttributeValueMemberBOOL{Value: turn.IsFromUser},
		"createdAt":  &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToAccount(item map[string]types.AttributeValue) (domain.Account, error) {
	id, err := strAttr(item, "accountId")
	if err != nil {
		return domain.Account{}, err
	}
	ext, err := strAttr(item, "externalUserId")
	if err != nil {
		return domain.Account{}, err
	}
	usage, err := intAttr(item, "usageCount")
	if err != nil {
		return domain.Account{}, err
	}
	name, _ := strAttr(item, "displayName") // allow empty
	created, _ := timeAttr(item, "createdAt")

	return domain.Account{
		ID:             id,
		ExternalUserID: ext,
		DisplayName:    name,
		UsageCount:     usage,
		CreatedAt:      created,
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	chatID, err := strAttr(item, "chatId")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	fromUser, err := boolAttr(item, "isFromUser")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	accountID, _ := strAttr(item, "accountId")

	return domain.Turn{
		ID:         id,
		ChatID:     chatID,
		AccountID:  accountID,
		Text:       text,
		IsFromUser: fromUser,
		CreatedAt:  created,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
