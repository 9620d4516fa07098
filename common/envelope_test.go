package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 1: full envelope with application fields
	{
		payload := []byte(`{
			"type": "price_update",
			"timestamp": "2025-03-01T12:30:45.123Z",
			"target": "group:dashboards",
			"rune": "UNCOMMON.GOODS",
			"price": 12.5
		}`)
		parsed, err := ParseEnvelope(payload)
		assert.Nil(err)
		assert.Equal("price_update", parsed.Type)
		assert.Equal(Target{"group:dashboards"}, parsed.Target)
		assert.Nil(parsed.From)
		expectedTS, err := time.Parse(time.RFC3339Nano, "2025-03-01T12:30:45.123Z")
		assert.Nil(err)
		assert.True(expectedTS.Equal(parsed.Timestamp))
		// reserved keys never leak into the payload fields
		assert.Len(parsed.Fields, 2)
		assert.Equal("UNCOMMON.GOODS", parsed.Fields["rune"])
		assert.Equal(12.5, parsed.Fields["price"])
	}

	// Case 2: target as a string array
	{
		payload := []byte(`{"type": "alert", "target": ["all", "type:monitor"]}`)
		parsed, err := ParseEnvelope(payload)
		assert.Nil(err)
		assert.Equal(Target{"all", "type:monitor"}, parsed.Target)
	}

	// Case 3: missing type discriminator
	{
		_, err := ParseEnvelope([]byte(`{"target": "all", "value": 1}`))
		assert.NotNil(err)
	}

	// Case 4: not JSON at all
	{
		_, err := ParseEnvelope([]byte(`hello there`))
		assert.NotNil(err)
	}

	// Case 5: sender stamp round-trips
	{
		payload := []byte(`{
			"type": "chat",
			"from": {"id": "abc", "name": "alice", "type": "ui"},
			"text": "hi"
		}`)
		parsed, err := ParseEnvelope(payload)
		assert.Nil(err)
		assert.NotNil(parsed.From)
		assert.Equal("abc", parsed.From.ID)
		assert.Equal("alice", parsed.From.Name)
		value, ok := parsed.StringField("text")
		assert.True(ok)
		assert.Equal("hi", value)
	}
}

func TestEnvelopeSerialization(t *testing.T) {
	assert := assert.New(t)

	// Case 1: single target serializes as a plain string
	{
		msg := NewEnvelope("alert", map[string]interface{}{"severity": "high"})
		msg.Target = Target{"group:ops"}
		raw, err := msg.Serialize()
		assert.Nil(err)
		onWire := map[string]interface{}{}
		assert.Nil(json.Unmarshal(raw, &onWire))
		assert.Equal("alert", onWire["type"])
		assert.Equal("group:ops", onWire["target"])
		assert.Equal("high", onWire["severity"])
		_, hasTS := onWire["timestamp"]
		assert.True(hasTS)
	}

	// Case 2: multiple targets serialize as an array
	{
		msg := NewEnvelope("alert", nil)
		msg.Target = Target{"a", "b"}
		raw, err := msg.Serialize()
		assert.Nil(err)
		onWire := map[string]interface{}{}
		assert.Nil(json.Unmarshal(raw, &onWire))
		assert.Equal([]interface{}{"a", "b"}, onWire["target"])
	}

	// Case 3: a zero timestamp is filled in on serialization
	{
		msg := Envelope{Type: "probe"}
		raw, err := msg.Serialize()
		assert.Nil(err)
		parsed, err := ParseEnvelope(raw)
		assert.Nil(err)
		assert.False(parsed.Timestamp.IsZero())
	}

	// Case 4: wire payload round-trips through parse
	{
		original := NewEnvelope("snapshot", map[string]interface{}{"count": float64(3)})
		raw, err := original.Serialize()
		assert.Nil(err)
		parsed, err := ParseEnvelope(raw)
		assert.Nil(err)
		assert.Equal(original.Type, parsed.Type)
		assert.Equal(original.Fields, parsed.Fields)
	}
}

func TestEnvelopeSenderStamping(t *testing.T) {
	assert := assert.New(t)

	original := NewEnvelope("chat", map[string]interface{}{"text": "hello"})
	original.Target = Target{"all"}

	stamped := original.WithSender(SenderInfo{ID: "abc", Name: "alice", Type: "ui"})

	// the delivered copy carries the stamp and no addressing expression
	assert.NotNil(stamped.From)
	assert.Equal("alice", stamped.From.Name)
	assert.Empty(stamped.Target)
	assert.Equal(original.Fields, stamped.Fields)

	// the original is untouched
	assert.Nil(original.From)
	assert.Equal(Target{"all"}, original.Target)

	// field mutation on the copy does not reach the original
	stamped.Fields["text"] = "changed"
	assert.Equal("hello", original.Fields["text"])
}

func TestTextEnvelopeWrapping(t *testing.T) {
	assert := assert.New(t)

	wrapped := NewTextEnvelope([]byte("raw payload"))
	assert.Equal(MsgTypeText, wrapped.Type)
	content, ok := wrapped.StringField("content")
	assert.True(ok)
	assert.Equal("raw payload", content)

	// non-string and missing field reads
	_, ok = wrapped.StringField("missing")
	assert.False(ok)
	wrapped.Fields["number"] = 42
	_, ok = wrapped.StringField("number")
	assert.False(ok)
}
