package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

type fakeGetter struct {
	vals  map[string]string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", errors.New("ParameterNotFound")
	}
	return v, nil
}

func TestGetParameter_HappyPath_RequestsDecryption(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/relay/telegram-bot-token"), Value: strPtr(`{"token":"abc"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /relay/telegram-bot-token ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"abc"}`, v)
	require.Equal(t, "/relay/telegram-bot-token", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken(" sk-1 ").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-1", token)

	_, err = StaticToken("").Token(context.Background())
	require.Error(t, err)
}

func TestNewCachedToken_Validates(t *testing.T) {
	_, err := NewCachedToken(nil, "/relay/token")
	require.Error(t, err)

	_, err = NewCachedToken(&fakeGetter{}, " ")
	require.Error(t, err)
}

func TestCachedToken_FetchesOnce(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{"/relay/open-router-token": `{"token":"sk-from-ssm"}`}}
	src, err := NewCachedToken(g, "/relay/open-router-token")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		token, err := src.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", token)
	}
	require.Equal(t, 1, g.calls)
}

func TestCachedToken_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	src, err := NewCachedToken(g, "/relay/open-router-token")
	require.NoError(t, err)

	_, err = src.Token(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.vals = map[string]string{"/relay/open-router-token": `{"token":"sk-2"}`}
	token, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-2", token)
	require.Equal(t, 2, g.calls)
}

func TestCachedToken_BadPayloads(t *testing.T) {
	cases := map[string]string{
		"malformed":     `{"broken`,
		"missing token": `{"other":"value"}`,
		"blank token":   `{"token":"  "}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			src, err := NewCachedToken(&fakeGetter{vals: map[string]string{"p": raw}}, "p")
			require.NoError(t, err)
			_, err = src.Token(context.Background())
			require.Error(t, err)
		})
	}
}
