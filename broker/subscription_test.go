package broker

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionIndexBasicOps(t *testing.T) {
	assert := assert.New(t)

	uut := NewSubscriptionIndex()

	client1 := uuid.New().String()
	client2 := uuid.New().String()

	// Case 1: empty index
	{
		assert.False(uut.HasGroup("traders"))
		assert.False(uut.HasChannel("prices"))
		assert.Empty(uut.GroupMembers("traders"))
		assert.Equal(0, uut.GroupCount())
		assert.Equal(0, uut.ChannelCount())
	}

	// Case 2: insertion
	{
		uut.AddToGroup("traders", client1)
		uut.AddToGroup("traders", client2)
		uut.AddToChannel("prices", client1)
		assert.True(uut.HasGroup("traders"))
		assert.True(uut.HasChannel("prices"))
		assert.Len(uut.GroupMembers("traders"), 2)
		assert.Equal([]string{client1}, uut.ChannelMembers("prices"))
		assert.Equal(1, uut.GroupCount())
		assert.Equal(1, uut.ChannelCount())
	}

	// Case 3: repeat insertion is a no-op
	{
		uut.AddToGroup("traders", client1)
		assert.Len(uut.GroupMembers("traders"), 2)
	}

	// Case 4: removal
	{
		assert.True(uut.RemoveFromGroup("traders", client1))
		assert.False(uut.RemoveFromGroup("traders", client1))
		assert.Equal([]string{client2}, uut.GroupMembers("traders"))
	}

	// Case 5: the last member leaving removes the set entirely
	{
		assert.True(uut.RemoveFromGroup("traders", client2))
		assert.False(uut.HasGroup("traders"))
		assert.Equal(0, uut.GroupCount())
		assert.True(uut.RemoveFromChannel("prices", client1))
		assert.False(uut.HasChannel("prices"))
	}

	// Case 6: removal against unknown names
	{
		assert.False(uut.RemoveFromGroup("missing", client1))
		assert.False(uut.RemoveFromChannel("missing", client1))
	}
}

func TestSubscriptionIndexPurge(t *testing.T) {
	assert := assert.New(t)

	uut := NewSubscriptionIndex()

	target := uuid.New().String()
	bystander := uuid.New().String()

	for itr := 0; itr < 3; itr++ {
		uut.AddToGroup(fmt.Sprintf("group-%d", itr), target)
		uut.AddToChannel(fmt.Sprintf("channel-%d", itr), target)
	}
	uut.AddToGroup("group-0", bystander)

	uut.PurgeClient(target)

	// only the shared group survives, holding only the bystander
	assert.Equal(1, uut.GroupCount())
	assert.Equal(0, uut.ChannelCount())
	assert.Equal([]string{bystander}, uut.GroupMembers("group-0"))
}
