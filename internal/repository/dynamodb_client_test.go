package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeDynamo struct {
	getOuts      []*dynamodb.GetItemOutput
	getErr       error
	putErrs      []error
	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
	deleteErr    error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	getCalls     int
	putInputs    []*dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	lastDeleteIn *dynamodb.DeleteItemInput
	lastQueryIn  *dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.getOuts) == 0 {
		return &dynamodb.GetItemOutput{}, nil
	}
	out := f.getOuts[0]
	f.getOuts = f.getOuts[1:]
	return out, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	if len(f.putErrs) == 0 {
		return &dynamodb.PutItemOutput{}, nil
	}
	err := f.putErrs[0]
	f.putErrs = f.putErrs[1:]
	return &dynamodb.PutItemOutput{}, err
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

var conditionFailed = &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}

func strPtr(s string) *string { return &s }

func makeAccountItem(externalID, accountID string, usage int) map[string]types.AttributeValue {
	return accountItem(domain.Account{
		ID:             accountID,
		ExternalUserID: externalID,
		DisplayName:    "alice",
		UsageCount:     usage,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func makeTurnItem(chatID, text string, fromUser bool, ts time.Time) map[string]types.AttributeValue {
	return turnItem(domain.Turn{
		ID:         "turn-" + text,
		ChatID:     chatID,
		AccountID:  "acc-1",
		Text:       text,
		IsFromUser: fromUser,
		CreatedAt:  ts,
	})
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.newID = func() string { return "generated-id" }
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "test-table")
	require.ErrorContains(t, err, "must not be nil")

	_, err = New(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestGetOrCreateAccount_Existing(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: makeAccountItem("7", "acc-1", 3)}}}
	c := mustNewClient(t, db)

	acc, err := c.GetOrCreateAccount(context.Background(), "7", "ignored")
	require.NoError(t, err)
	require.Equal(t, "acc-1", acc.ID)
	require.Equal(t, 3, acc.UsageCount)
	require.Equal(t, "alice", acc.DisplayName)
	require.Empty(t, db.putInputs)
}

func TestGetOrCreateAccount_CreatesOnFirstContact(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	acc, err := c.GetOrCreateAccount(context.Background(), "7", "bob")
	require.NoError(t, err)
	require.Equal(t, "generated-id", acc.ID)
	require.Equal(t, "7", acc.ExternalUserID)
	require.Equal(t, "bob", acc.DisplayName)
	require.Zero(t, acc.UsageCount)

	require.Len(t, db.putInputs, 1)
	put := db.putInputs[0]
	require.Equal(t, "attribute_not_exists(PK)", *put.ConditionExpression)
	require.Equal(t, "USER#7", put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "0", put.Item["usageCount"].(*types.AttributeValueMemberN).Value)
}

func TestGetOrCreateAccount_LostRaceReadsWinner(t *testing.T) {
	db := &fakeDynamo{
		getOuts: []*dynamodb.GetItemOutput{{}, {Item: makeAccountItem("7", "acc-winner", 0)}},
		putErrs: []error{fmt.Errorf("operation error: %w", conditionFailed)},
	}
	c := mustNewClient(t, db)

	acc, err := c.GetOrCreateAccount(context.Background(), "7", "")
	require.NoError(t, err)
	require.Equal(t, "acc-winner", acc.ID)
	require.Equal(t, 2, db.getCalls)
}

func TestGetOrCreateAccount_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("RequestTimeout")})
	_, err := c.GetOrCreateAccount(context.Background(), "7", "")
	require.ErrorContains(t, err, "GetOrCreateAccount")

	c = mustNewClient(t, &fakeDynamo{putErrs: []error{errors.New("ProvisionedThroughputExceededException")}})
	_, err = c.GetOrCreateAccount(context.Background(), "7", "")
	require.ErrorContains(t, err, "GetOrCreateAccount put")

	c = mustNewClient(t, &fakeDynamo{})
	_, err = c.GetOrCreateAccount(context.Background(), " ", "")
	require.ErrorContains(t, err, "required")
}

func TestGetOrCreateAccount_MalformedItem(t *testing.T) {
	item := makeAccountItem("7", "acc-1", 0)
	item["usageCount"] = &types.AttributeValueMemberS{Value: "bad"}
	c := mustNewClient(t, &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: item}}})
	_, err := c.GetOrCreateAccount(context.Background(), "7", "")
	require.ErrorContains(t, err, "decode account")
}

func TestIncrementUsage_UsesAtomicAdd(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"usageCount": &types.AttributeValueMemberN{Value: "4"},
	}}}
	c := mustNewClient(t, db)

	n, err := c.IncrementUsage(context.Background(), domain.Account{ID: "acc-1", ExternalUserID: "7", UsageCount: 3})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "ADD usageCount :one", *db.lastUpdateIn.UpdateExpression)
	require.Equal(t, "attribute_exists(PK)", *db.lastUpdateIn.ConditionExpression)
	require.Equal(t, "USER#7", db.lastUpdateIn.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestIncrementUsage_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("boom")})
	_, err := c.IncrementUsage(context.Background(), domain.Account{ExternalUserID: "7"})
	require.ErrorContains(t, err, "IncrementUsage")

	c = mustNewClient(t, &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{}})
	_, err = c.IncrementUsage(context.Background(), domain.Account{ExternalUserID: "7"})
	require.ErrorContains(t, err, "decode usage")

	_, err = c.IncrementUsage(context.Background(), domain.Account{})
	require.ErrorContains(t, err, "required")
}

func TestAppendTurn_AssignsIDAndTimestamp(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	fixed := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	turn, err := c.AppendTurn(context.Background(), domain.Turn{ChatID: "42", AccountID: "acc-1", Text: "hello", IsFromUser: true})
	require.NoError(t, err)
	require.Equal(t, "generated-id", turn.ID)
	require.Equal(t, fixed, turn.CreatedAt)

	put := db.putInputs[0]
	require.Equal(t, "CHAT#42", put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MSG#2026-02-27T12:00:00.000000000Z#generated-id", put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.True(t, put.Item["isFromUser"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)
}

func TestAppendTurn_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErrs: []error{errors.New("boom")}})
	_, err := c.AppendTurn(context.Background(), domain.Turn{ChatID: "42", Text: "hello"})
	require.ErrorContains(t, err, "AppendTurn")

	_, err = c.AppendTurn(context.Background(), domain.Turn{Text: "hello"})
	require.ErrorContains(t, err, "chat id is required")
}

func TestRecentTurns_QueryShape(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)

	turns, err := c.RecentTurns(context.Background(), "42", 10)
	require.NoError(t, err)
	require.Empty(t, turns)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(10), *db.lastQueryIn.Limit)
	require.Equal(t, "CHAT#42", db.lastQueryIn.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestRecentTurns_ReordersDescendingResultsToChronological(t *testing.T) {
	base := time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC)
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeTurnItem("42", "newest", false, base.Add(2*time.Minute)),
		makeTurnItem("42", "middle", true, base.Add(time.Minute)),
		makeTurnItem("42", "oldest", true, base),
	}}}
	c := mustNewClient(t, db)

	turns, err := c.RecentTurns(context.Background(), "42", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "oldest", turns[0].Text)
	require.Equal(t, "middle", turns[1].Text)
	require.Equal(t, "newest", turns[2].Text)
	require.False(t, turns[2].IsFromUser)
	require.Equal(t, base, turns[0].CreatedAt)
}

func TestRecentTurns_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.RecentTurns(context.Background(), "42", 10)
	require.ErrorContains(t, err, "RecentTurns query")

	item := makeTurnItem("42", "x", true, time.Now())
	delete(item, "text")
	c = mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}})
	_, err = c.RecentTurns(context.Background(), "42", 10)
	require.ErrorContains(t, err, "text")

	_, err = c.RecentTurns(context.Background(), "42", 0)
	require.ErrorContains(t, err, "limit")
}

func TestTurnsBefore_BoundsQueryByCurrentSortKey(t *testing.T) {
	base := time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC)
	current := domain.Turn{ID: "turn-current", ChatID: "42", CreatedAt: base.Add(2 * time.Minute)}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeTurnItem("42", "current", true, current.CreatedAt),
		makeTurnItem("42", "middle", false, base.Add(time.Minute)),
		makeTurnItem("42", "oldest", true, base),
	}}}
	c := mustNewClient(t, db)

	turns, err := c.TurnsBefore(context.Background(), current, 2)
	require.NoError(t, err)
	require.Equal(t, "PK = :pk AND SK BETWEEN :prefix AND :before", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(3), *db.lastQueryIn.Limit)
	require.Equal(t, msgSK(current.CreatedAt, current.ID),
		db.lastQueryIn.ExpressionAttributeValues[":before"].(*types.AttributeValueMemberS).Value)

	require.Len(t, turns, 2)
	require.Equal(t, "oldest", turns[0].Text)
	require.Equal(t, "middle", turns[1].Text)
}

func TestTurnsBefore_TrimsToLimitKeepingNewest(t *testing.T) {
	base := time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC)
	current := domain.Turn{ID: "turn-absent", ChatID: "42", CreatedAt: base.Add(time.Hour)}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeTurnItem("42", "c", true, base.Add(2*time.Minute)),
		makeTurnItem("42", "b", true, base.Add(time.Minute)),
		makeTurnItem("42", "a", true, base),
	}}}
	c := mustNewClient(t, db)

	turns, err := c.TurnsBefore(context.Background(), current, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "b", turns[0].Text)
	require.Equal(t, "c", turns[1].Text)
}

func TestTurnsBefore_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ThrottlingException")})
	_, err := c.TurnsBefore(context.Background(), domain.Turn{ID: "t", ChatID: "42"}, 10)
	require.ErrorContains(t, err, "TurnsBefore query")

	_, err = c.TurnsBefore(context.Background(), domain.Turn{ChatID: "42"}, 10)
	require.ErrorContains(t, err, "no id")

	_, err = c.TurnsBefore(context.Background(), domain.Turn{ID: "t", ChatID: "42"}, 0)
	require.ErrorContains(t, err, "limit")
}

func TestMsgSK_OrdersLexicographically(t *testing.T) {
	whole := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	fraction := whole.Add(100 * time.Millisecond)
	require.Less(t, msgSK(whole, "a"), msgSK(fraction, "a"))
	require.Less(t, msgSK(fraction, "a"), msgSK(whole.Add(time.Second), "a"))
}

func TestClaimUpdate(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ok, err := c.ClaimUpdate(context.Background(), 1001)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "UPDATE#1001", db.putInputs[0].Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, db.putInputs[0].Item, "ttl")

	db = &fakeDynamo{putErrs: []error{conditionFailed}}
	c = mustNewClient(t, db)
	ok, err = c.ClaimUpdate(context.Background(), 1001)
	require.NoError(t, err)
	require.False(t, ok)

	db = &fakeDynamo{putErrs: []error{errors.New("boom")}}
	c = mustNewClient(t, db)
	_, err = c.ClaimUpdate(context.Background(), 1001)
	require.ErrorContains(t, err, "ClaimUpdate")
}

func TestReleaseUpdate(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ReleaseUpdate(context.Background(), 1001))
	require.Equal(t, "UPDATE#1001", db.lastDeleteIn.Key["PK"].(*types.AttributeValueMemberS).Value)

	c = mustNewClient(t, &fakeDynamo{deleteErr: errors.New("boom")})
	require.ErrorContains(t, c.ReleaseUpdate(context.Background(), 1001), "ReleaseUpdate")
}
