package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) ConsumerHook {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
				order = append(order, "before:"+name)
				return ctx, km, append(data, name...), nil
			},
			After: func(context.Context, string, kafka.Message, []byte, error) {
				order = append(order, "after:"+name)
			},
		}
	}

	chain := NewHookChain(mk("a"), nil, mk("b"))
	_, _, data, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "xab", string(data))

	chain.AfterHandle(context.Background(), "t", kafka.Message{}, data, nil)
	assert.Equal(t, []string{"before:a", "before:b", "after:b", "after:a"}, order)
}

func TestHookChain_PanicBecomesHookError(t *testing.T) {
	var notified int
	boom := HookFuncs{
		Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
			panic("bad hook")
		},
	}
	counter := HookFuncs{
		Err: func(context.Context, string, kafka.Message, []byte, error) { notified++ },
		After: func(context.Context, string, kafka.Message, []byte, error) {
			panic("after panics are swallowed")
		},
	}

	chain := NewHookChain(counter, boom)
	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, []byte("x"))

	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
	assert.Equal(t, 1, notified)

	assert.NotPanics(t, func() {
		chain.AfterHandle(context.Background(), "t", kafka.Message{}, nil, nil)
	})
}

func TestTracingHook_SetsContext(t *testing.T) {
	h := NewTracingHook(nil, time.Second)
	km := kafka.Message{Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc")}}}

	ctx, _, _, err := h.BeforeHandle(context.Background(), "t", km, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "abc", TraceIDFrom(ctx))
	_, ok := ctx.Value(CtxStartTime).(time.Time)
	assert.True(t, ok)
}

func TestPayloadGuard(t *testing.T) {
	g := NewPayloadGuard(4)

	_, _, _, err := g.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	assert.True(t, errors.Is(err, ErrPoisonMessage))

	_, _, _, err = g.BeforeHandle(context.Background(), "t", kafka.Message{}, []byte("12345"))
	assert.ErrorIs(t, err, ErrPoisonMessage)

	_, _, _, err = g.BeforeHandle(context.Background(), "t", kafka.Message{}, []byte("1234"))
	assert.NoError(t, err)
}

func TestBackoffWithJitter_Bounds(t *testing.T) {
	min, max := 10*time.Millisecond, 80*time.Millisecond
	for attempt := 0; attempt < 40; attempt++ {
		d := backoffWithJitter(min, max, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, max)
	}
}
