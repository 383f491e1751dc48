package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type order struct {
	Base

	Number string
	Total  float64
}

func (o *order) FromFields(fields map[string]interface{}) error {
	o.Number, _ = fields["number"].(string)
	o.Total, _ = fields["total"].(float64)
	return nil
}

func (o *order) Fields() map[string]interface{} {
	return map[string]interface{}{
		"number": o.Number,
		"total":  o.Total,
	}
}

func orderDescriptor() *Descriptor {
	return &Descriptor{
		ModelName:    "Order",
		ModelVersion: 1,
		Schema: []Field{
			{Name: "number", Required: true},
			{Name: "total"},
		},
		New: func() Entity { return &order{} },
	}
}

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c := New()
	require.NoError(t, c.Register(orderDescriptor()))
	return c
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestDecodeSplitsSchemaExtraAndMeta(t *testing.T) {
	c := newCodec(t)

	payload := mustStruct(t, map[string]interface{}{
		"number":       "ORD-7",
		"total":        42.5,
		"internalNote": "platform-only field",
		"meta": map[string]interface{}{
			"technicalId": "t-123",
			"state":       "open",
		},
	})

	e, err := c.Decode("Order", 1, payload)
	require.NoError(t, err)

	o := e.(*order)
	assert.Equal(t, "ORD-7", o.Number)
	assert.Equal(t, 42.5, o.Total)
	assert.Equal(t, "t-123", o.TechnicalID)
	assert.Equal(t, "open", o.State())
	assert.Equal(t, "platform-only field", o.Extra()["internalNote"])

	// Schema fields must not leak into the passthrough map.
	assert.NotContains(t, o.Extra(), "number")
	assert.NotContains(t, o.Extra(), "meta")
}

func TestDecodeMissingRequiredField(t *testing.T) {
	c := newCodec(t)

	_, err := c.Decode("Order", 1, mustStruct(t, map[string]interface{}{"total": 1.0}))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeUnknownModel(t *testing.T) {
	c := newCodec(t)

	_, err := c.Decode("Order", 2, mustStruct(t, map[string]interface{}{"number": "x"}))
	require.ErrorIs(t, err, ErrUnknownModel)

	_, err = c.Decode("Invoice", 1, mustStruct(t, map[string]interface{}{"number": "x"}))
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newCodec(t)

	original := map[string]interface{}{
		"number":  "ORD-9",
		"total":   12.0,
		"currier": "dhl",
		"flags":   []interface{}{"a", "b"},
		"meta": map[string]interface{}{
			"technicalId": "t-9",
			"state":       "shipped",
		},
	}

	e, err := c.Decode("Order", 1, mustStruct(t, original))
	require.NoError(t, err)

	out, err := c.Encode("Order", 1, e)
	require.NoError(t, err)
	assert.Equal(t, original, out.AsMap())
}

func TestEncodeSchemaFieldsWinOverStaleExtra(t *testing.T) {
	c := newCodec(t)

	e, err := c.Decode("Order", 1, mustStruct(t, map[string]interface{}{
		"number": "ORD-1",
		"total":  5.0,
	}))
	require.NoError(t, err)

	e.(*order).Total = 99.0

	out, err := c.Encode("Order", 1, e)
	require.NoError(t, err)
	assert.Equal(t, 99.0, out.AsMap()["total"])
}

func TestDecodeNilPayloadFailsRequiredCheck(t *testing.T) {
	c := newCodec(t)

	_, err := c.Decode("Order", 1, nil)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRegisterDuplicateModel(t *testing.T) {
	c := newCodec(t)
	require.ErrorIs(t, c.Register(orderDescriptor()), ErrDuplicateModel)
}

func TestModelsSorted(t *testing.T) {
	c := newCodec(t)
	d2 := orderDescriptor()
	d2.ModelVersion = 2
	require.NoError(t, c.Register(d2))

	keys := c.Models()
	require.Len(t, keys, 2)
	assert.Equal(t, ModelKey{Name: "Order", Version: 1}, keys[0])
	assert.Equal(t, ModelKey{Name: "Order", Version: 2}, keys[1])
}
