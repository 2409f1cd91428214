package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	To string `json:"to"`
}

type greeter struct {
	prefix string
}

func (g *greeter) Handle(_ context.Context, in greetInput) (string, error) {
	return g.prefix + in.To, nil
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	def := DefineFunc("SendWelcome", func(context.Context, greetInput) (string, error) { return "", nil })

	assert.True(t, reg.Register(def))
	assert.False(t, reg.Register(def))
	assert.False(t, reg.Register(DefineFunc("SendWelcome", func(context.Context, any) (any, error) { return nil, nil })))

	assert.Len(t, reg.All(), 1)
	got, err := reg.Resolve("SendWelcome")
	require.NoError(t, err)
	assert.Same(t, def, got)
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve("Missing")

	var unknown *UnknownJobError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Missing", unknown.Name)
}

func TestRegistry_Queues(t *testing.T) {
	noop := func(context.Context, any) (any, error) { return nil, nil }
	reg := NewRegistry()
	reg.Register(
		DefineFunc("A", noop),
		DefineFunc("B", noop, OnQueue("mail")),
		DefineFunc("C", noop, OnQueue("mail")),
		DefineFunc("D", noop, OnQueue(testQueue)),
	)

	assert.Equal(t, []string{testQueue, "mail"}, reg.Queues(testQueue))

	names := make([]string, 0, 4)
	for _, def := range reg.All() {
		names = append(names, def.Name())
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, names, "registration order is kept")
}

func TestDefine_Handle(t *testing.T) {
	built := 0
	def := Define("Greet", func() Handler[greetInput, string] {
		built++
		return &greeter{prefix: "hello "}
	}, OnQueue("mail"), Every("@hourly"), WithAttempts(5))

	assert.Equal(t, "Greet", def.Name())
	assert.Equal(t, "mail", def.Queue())
	assert.Equal(t, "@hourly", def.Schedule())
	assert.Equal(t, 5, def.Attempts())

	out, err := def.Handle(context.Background(), json.RawMessage(`{"to":"a@b.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello a@b.com", out)

	out, err = def.Handle(context.Background(), json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, "hello ", out)

	_, err = def.Handle(context.Background(), json.RawMessage(`[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `decode input for job "Greet"`)

	assert.Equal(t, 2, built, "a handler is built per execution")
}
