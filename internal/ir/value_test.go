package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRObjectSortedKeys(t *testing.T) {
	obj := IRObject{"c": IRInt(1), "a": IRInt(2), "b": IRInt(3)}
	assert.Equal(t, []string{"a", "b", "c"}, obj.SortedKeys())
	assert.Empty(t, IRObject{}.SortedKeys())
}

func TestIRObjectString(t *testing.T) {
	obj := IRObject{"receiver": IRString("bob"), "n": IRInt(1)}
	assert.Equal(t, "bob", obj.String("receiver"))
	assert.Equal(t, "", obj.String("n"))
	assert.Equal(t, "", obj.String("missing"))
}

func TestIRObjectJSONRoundTrip(t *testing.T) {
	obj := IRObject{
		"amount": Amount(30),
		"flag":   IRBool(true),
		"list":   IRArray{IRInt(1), IRString("x")},
		"nested": IRObject{"k": IRInt(-4)},
	}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":"30","flag":true,"list":[1,"x"],"nested":{"k":-4}}`, string(data))

	var back IRObject
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}

func TestUnmarshalRejectsFloatsAndNull(t *testing.T) {
	for _, in := range []string{`{"a":1.5}`, `{"a":1e3}`, `{"a":null}`, `[1]`} {
		var obj IRObject
		assert.Error(t, json.Unmarshal([]byte(in), &obj), in)
	}
}
