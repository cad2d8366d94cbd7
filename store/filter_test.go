package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openmem/mnemo/record"
)

func TestFilterMatches(t *testing.T) {
	r := record.NewEpisodic("alice", "conv-1", "user", "s", "e", "text", time.Now())

	assert.True(t, (*Filter)(nil).Matches(r))
	assert.True(t, NewFilter().Matches(r))
	assert.True(t, NewFilter().Kind(record.KindEpisodic).Matches(r))
	assert.False(t, NewFilter().Kind(record.KindSemantic).Matches(r))
	assert.True(t, NewFilter().Eq(FieldConversationID, "conv-1").Kind(record.KindEpisodic).Matches(r))
	assert.False(t, NewFilter().Eq(FieldConversationID, "conv-2").Matches(r))
	assert.True(t, NewFilter().In(FieldID, "x", r.ID).Matches(r))
	assert.False(t, NewFilter().In(FieldID).Matches(r), "empty In matches nothing")
	assert.False(t, NewFilter().Eq("no_such_field", "v").Matches(r))
}
