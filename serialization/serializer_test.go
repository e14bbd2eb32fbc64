package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

type userCreated struct {
	Name string `json:"name"`
}

type taggedEvent struct {
	contracts.BaseMessage
	Value int `json:"value"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("registers and creates instances", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[userCreated](r, "UserCreated"))

		instance, err := r.New("UserCreated")
		require.NoError(t, err)
		assert.IsType(t, &userCreated{}, instance)
		assert.True(t, r.IsRegistered("UserCreated"))
	})

	t.Run("resolves names for values and pointers", func(t *testing.T) {
		r := NewTypeRegistry()
		MustRegister[userCreated](r, "UserCreated")

		name, err := r.TypeName(&userCreated{})
		require.NoError(t, err)
		assert.Equal(t, "UserCreated", name)

		name, err = r.TypeName(userCreated{})
		require.NoError(t, err)
		assert.Equal(t, "UserCreated", name)
	})

	t.Run("declared tags win", func(t *testing.T) {
		r := NewTypeRegistry()
		name, err := r.TypeName(&taggedEvent{BaseMessage: contracts.NewBaseMessage("Tagged")})
		require.NoError(t, err)
		assert.Equal(t, "Tagged", name)
	})

	t.Run("rejects conflicting registrations", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[userCreated](r, "X"))
		require.NoError(t, Register[userCreated](r, "X"))
		assert.ErrorIs(t, Register[taggedEvent](r, "X"), ErrDuplicateType)
		assert.Error(t, Register[taggedEvent](r, ""))
	})

	t.Run("unknown types", func(t *testing.T) {
		r := NewTypeRegistry()
		_, err := r.New("Nope")
		assert.ErrorIs(t, err, ErrUnknownType)
		_, err = r.TypeName(struct{}{})
		assert.ErrorIs(t, err, ErrUnknownType)
		assert.Equal(t, []string{}, r.ListTypes())
	})
}

func TestJSONSerializer(t *testing.T) {
	r := NewTypeRegistry()
	MustRegister[userCreated](r, "UserCreated")
	s := NewJSONSerializer(r)

	t.Run("round trip through the type header", func(t *testing.T) {
		var headers contracts.Headers
		data, err := s.Serialize(&userCreated{Name: "ada"}, &headers)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"ada"}`, string(data))
		assert.Equal(t, "UserCreated", headers.Value(contracts.HeaderMessageType))

		msg, err := s.Deserialize(data, headers)
		require.NoError(t, err)
		assert.Equal(t, &userCreated{Name: "ada"}, msg)
	})

	t.Run("missing type header", func(t *testing.T) {
		_, err := s.Deserialize([]byte(`{}`), nil)
		var serr *contracts.SerializationError
		require.ErrorAs(t, err, &serr)
		assert.ErrorIs(t, err, contracts.ErrMissingHeader)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := s.Deserialize([]byte(`{`), contracts.NewHeaders(contracts.HeaderMessageType, "UserCreated"))
		var serr *contracts.SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "UserCreated", serr.MessageType)
	})
}

func TestBinarySerializer(t *testing.T) {
	var headers contracts.Headers
	data, err := BinarySerializer{}.Serialize(contracts.NewBinaryMessage([]byte{1, 2, 3}, "image/png"), &headers)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "image/png", headers.Value(contracts.HeaderContentType))

	msg, err := BinarySerializer{}.Deserialize(data, headers)
	require.NoError(t, err)
	assert.Equal(t, "image/png", msg.(*contracts.BinaryMessage).ContentType)

	_, err = BinarySerializer{}.Serialize(42, &headers)
	assert.Error(t, err)
}

func TestSerializers(t *testing.T) {
	s := NewSerializers(nil)

	json, err := s.For(contracts.Endpoint{Name: "a"})
	require.NoError(t, err)
	assert.IsType(t, &JSONSerializer{}, json)

	bin, err := s.For(contracts.Endpoint{Name: "a", Serializer: contracts.SerializerBinary})
	require.NoError(t, err)
	assert.Equal(t, s.Binary(), bin)

	_, err = s.For(contracts.Endpoint{Name: "a", Serializer: "avro"})
	assert.ErrorIs(t, err, contracts.ErrInvalidEndpoint)
}
