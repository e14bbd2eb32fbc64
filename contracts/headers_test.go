package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaders(t *testing.T) {
	t.Run("Get returns the first match", func(t *testing.T) {
		h := NewHeaders("a", "1", "b", "2", "a", "3")

		v, ok := h.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "1", v)
		assert.Equal(t, []string{"1", "3"}, h.GetAll("a"))
	})

	t.Run("Add keeps insertion order", func(t *testing.T) {
		var h Headers
		h.Add("x", "1")
		h.Add("y", "2")
		h.Add("x", "3")

		assert.Equal(t, Headers{{"x", "1"}, {"y", "2"}, {"x", "3"}}, h)
	})

	t.Run("AddOrReplace updates first and drops duplicates", func(t *testing.T) {
		h := NewHeaders("a", "1", "b", "2", "a", "3")
		h.AddOrReplace("a", "9")

		assert.Equal(t, Headers{{"a", "9"}, {"b", "2"}}, h)

		h.AddOrReplace("c", "4")
		assert.Equal(t, "4", h.Value("c"))
		assert.Len(t, h, 3)
	})

	t.Run("AddIfNotExists does not overwrite", func(t *testing.T) {
		h := NewHeaders("a", "1")
		h.AddIfNotExists("a", "2")
		h.AddIfNotExists("b", "3")

		assert.Equal(t, Headers{{"a", "1"}, {"b", "3"}}, h)
	})

	t.Run("Remove deletes every occurrence", func(t *testing.T) {
		h := NewHeaders("a", "1", "b", "2", "a", "3")
		h.Remove("a")

		assert.Equal(t, Headers{{"b", "2"}}, h)
	})

	t.Run("Clone is independent", func(t *testing.T) {
		h := NewHeaders("a", "1")
		c := h.Clone()
		c.AddOrReplace("a", "2")

		assert.Equal(t, "1", h.Value("a"))
		assert.Equal(t, "2", c.Value("a"))
	})

	t.Run("FailedAttempts parses the counter", func(t *testing.T) {
		assert.Equal(t, 0, Headers{}.FailedAttempts())
		assert.Equal(t, 3, NewHeaders(HeaderFailedAttempts, "3").FailedAttempts())
		assert.Equal(t, 0, NewHeaders(HeaderFailedAttempts, "x").FailedAttempts())
	})
}

func TestEndpoint(t *testing.T) {
	t.Run("structural equality", func(t *testing.T) {
		a := NewEndpoint("orders").WithChunking(10)
		b := NewEndpoint("orders").WithChunking(10)
		c := NewEndpoint("orders").WithChunking(20)

		assert.Equal(t, a, b)
		assert.True(t, a == b)
		assert.False(t, a == c)

		seen := map[Endpoint]int{a: 1}
		assert.Equal(t, 1, seen[b])
	})

	t.Run("consumer group name is unique per endpoint", func(t *testing.T) {
		assert.Equal(t, "orders", NewEndpoint("orders").ConsumerGroupName())
		assert.Equal(t, "orders|billing", NewEndpoint("orders").WithGroup("billing").ConsumerGroupName())
		assert.NotEqual(t,
			NewEndpoint("orders").WithGroup("g").ConsumerGroupName(),
			NewEndpoint("invoices").WithGroup("g").ConsumerGroupName())
	})

	t.Run("validation", func(t *testing.T) {
		assert.NoError(t, NewEndpoint("orders").Validate())
		assert.ErrorIs(t, Endpoint{}.Validate(), ErrInvalidEndpoint)
		assert.ErrorIs(t, Endpoint{Name: "x", Serializer: "xml"}.Validate(), ErrInvalidEndpoint)
		assert.ErrorIs(t, NewEndpoint("x").WithChunking(-1).Validate(), ErrInvalidEndpoint)
	})
}
