package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/contracts"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/c", false},
		{"#", "/anything", true},
		{"/a/#", "/a/b/c", true},
		{"/a/#", "/a", true},
		{"/a/#", "/ab", false},
		{"/a/#", "/b/a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic), "%s vs %s", tt.pattern, tt.topic)
	}
}

func TestFilteringInterceptor(t *testing.T) {
	ctx := context.Background()
	topics := NewTopicFilter("/a/#")

	t.Run("matching message reaches the callback", func(t *testing.T) {
		out, err := NewFilteringInterceptor(topics, SkipSilently).Intercept(ctx, newRequest("x"), upper())
		require.NoError(t, err)
		assert.Equal(t, "X", out)
	})

	t.Run("skip silently answers empty", func(t *testing.T) {
		msg := newRequest("x")
		msg.Topic = "/other"
		out, err := NewFilteringInterceptor(topics, SkipSilently).Intercept(ctx, msg, upper())
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("skip with error", func(t *testing.T) {
		msg := newRequest("x")
		msg.Topic = "/other"
		_, err := NewFilteringInterceptor(topics, SkipWithError).Intercept(ctx, msg, upper())
		assert.ErrorIs(t, err, ErrFiltered)
	})

	t.Run("filter errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		f := MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) { return false, boom })
		_, err := NewFilteringInterceptor(f, SkipSilently).Intercept(ctx, newRequest("x"), upper())
		assert.ErrorIs(t, err, boom)
	})
}

func TestCompositeFilters(t *testing.T) {
	ctx := context.Background()
	yes := MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) { return true, nil })
	no := MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) { return false, nil })
	msg := newRequest("x")

	ok, err := NewCompositeFilter(yes, no).ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = NewCompositeFilter(yes, yes).ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewOrFilter(no, yes).ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewOrFilter(no, no).ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageTypeFilter(t *testing.T) {
	f := NewMessageTypeFilter(contracts.MessageTypeEvent)
	ok, _ := f.ShouldProcess(context.Background(), &contracts.Message{Type: contracts.MessageTypeEvent})
	assert.True(t, ok)
	ok, _ = f.ShouldProcess(context.Background(), &contracts.Message{Type: contracts.MessageTypeRequest})
	assert.False(t, ok)
}

func TestConditionalInterceptor(t *testing.T) {
	wrap := NewInterceptorFunc("wrap", func(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
		out, err := next.Invoke(ctx, msg)
		return "<" + out + ">", err
	})
	ci := NewConditionalInterceptor(NewTopicFilter("/a/b"), wrap)
	assert.Equal(t, "ConditionalInterceptor[wrap]", ci.Name())

	out, err := ci.Intercept(context.Background(), newRequest("x"), upper())
	require.NoError(t, err)
	assert.Equal(t, "<X>", out)

	msg := newRequest("y")
	msg.Topic = "/c"
	out, err = ci.Intercept(context.Background(), msg, upper())
	require.NoError(t, err)
	assert.Equal(t, "Y", out)
}
