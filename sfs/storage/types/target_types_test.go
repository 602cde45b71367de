package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsistencyTransitions(t *testing.T) {
	assert.True(t, IsValidConsistencyTransition(ConsistencyGood, ConsistencyNeedsResync))
	assert.True(t, IsValidConsistencyTransition(ConsistencyNeedsResync, ConsistencyGood))
	assert.True(t, IsValidConsistencyTransition(ConsistencyNeedsResync, ConsistencyBad))
	assert.True(t, IsValidConsistencyTransition(ConsistencyBad, ConsistencyNeedsResync))
	assert.True(t, IsValidConsistencyTransition(ConsistencyBad, ConsistencyBad))
	assert.False(t, IsValidConsistencyTransition(ConsistencyBad, ConsistencyGood))
}

func TestBuddyOf(t *testing.T) {
	g := MirrorBuddyGroup{GroupId: 1, PrimaryTargetId: 101, SecondaryTargetId: 201}

	buddy, ok := g.BuddyOf(101)
	assert.True(t, ok)
	assert.Equal(t, TargetId(201), buddy)

	buddy, ok = g.BuddyOf(201)
	assert.True(t, ok)
	assert.Equal(t, TargetId(101), buddy)

	_, ok = g.BuddyOf(5)
	assert.False(t, ok)

	switched := g.SwitchOver()
	assert.True(t, switched.IsPrimary(201))
	assert.True(t, g.IsPrimary(101))
}

func TestParseTargetId(t *testing.T) {
	id, err := ParseTargetId("42")
	assert.NoError(t, err)
	assert.Equal(t, TargetId(42), id)

	_, err = ParseTargetId("70000")
	assert.Error(t, err)
}
