package infra

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestStreamEntryField(t *testing.T) {
	entry := streamEntry(redis.XMessage{
		ID:     "1690000000000-0",
		Values: map[string]any{"txn": `{"txn_id":"t1"}`},
	})
	assert.Equal(t, "1690000000000-0", entry.ID)
	assert.Equal(t, []byte(`{"txn_id":"t1"}`), entry.Payload)
}

func TestStreamEntryMissingField(t *testing.T) {
	entry := streamEntry(redis.XMessage{
		ID:     "1690000000001-0",
		Values: map[string]any{"other": "x"},
	})
	assert.Equal(t, "1690000000001-0", entry.ID)
	assert.Nil(t, entry.Payload)
}
