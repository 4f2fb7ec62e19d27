// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	event := NewEvent(EventMemoryAdded, "acme", "c1", map[string]interface{}{
		"concepts_extracted": 2,
	})

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "MEMORY_ADDED", decoded["event_kind"])
	assert.Equal(t, "acme", decoded["tenant_id"])
	assert.Equal(t, "c1", decoded["origin_instance_id"])
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "data")
}

func TestEventOmitsEmptyData(t *testing.T) {
	raw, err := json.Marshal(NewEvent(EventHeartbeat, "acme", "", nil))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestIsValidEventKind(t *testing.T) {
	for _, kind := range ValidEventKinds() {
		assert.True(t, IsValidEventKind(kind))
	}
	assert.False(t, IsValidEventKind("MEMORY_REMOVED"))
	assert.False(t, IsValidEventKind(""))
}
