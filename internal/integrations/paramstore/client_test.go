package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	calls  int
	lastIn *ssm.GetParameterInput
	out    *ssm.GetParameterOutput
	err    error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.lastIn = in
	return f.out, f.err
}

func strptr(s string) *string { return &s }

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeSSM{out: &ssm.GetParameterOutput{
		Parameter: &types.Parameter{Value: strptr("secret-value")},
	}}
	c, err := New(api)
	require.NoError(t, err)

	v, err := c.GetParameter(context.Background(), " /chat-agent/whatsapp-token ")
	require.NoError(t, err)
	require.Equal(t, "secret-value", v)
	require.Equal(t, "/chat-agent/whatsapp-token", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_EmptyName(t *testing.T) {
	c, err := New(&fakeSSM{})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "   ")
	require.Error(t, err)
}

func TestGetParameter_MissingValue(t *testing.T) {
	c, err := New(&fakeSSM{out: &ssm.GetParameterOutput{}})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "/chat-agent/key")
	require.Error(t, err)
}

func TestGetParameter_APIError(t *testing.T) {
	c, err := New(&fakeSSM{err: errors.New("access denied")})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "/chat-agent/key")
	require.ErrorContains(t, err, "access denied")
}

type countingGetter struct {
	calls int
	val   string
	err   error
}

func (g *countingGetter) GetParameter(context.Context, string) (string, error) {
	g.calls++
	return g.val, g.err
}

func TestCached_FetchesOnce(t *testing.T) {
	inner := &countingGetter{val: "v1"}
	c, err := NewCached(inner)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := c.GetParameter(context.Background(), "/chat-agent/key")
		require.NoError(t, err)
		require.Equal(t, "v1", v)
	}
	require.Equal(t, 1, inner.calls)
}

func TestCached_ErrorNotCached(t *testing.T) {
	inner := &countingGetter{err: errors.New("unavailable")}
	c, err := NewCached(inner)
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "/chat-agent/key")
	require.Error(t, err)

	inner.err = nil
	inner.val = "recovered"
	v, err := c.GetParameter(context.Background(), "/chat-agent/key")
	require.NoError(t, err)
	require.Equal(t, "recovered", v)
	require.Equal(t, 2, inner.calls)
}
