package broker

import "sort"

// SubscriptionIndex two independent name to client-ID-set indexes layered on
// top of the connection registry: groups and channels. There is no semantic
// difference between the two beyond naming convention.
//
// The index carries no locking of its own. It is mutated only from the broker
// event loop.
type SubscriptionIndex struct {
	groups   map[string]map[string]bool
	channels map[string]map[string]bool
}

// NewSubscriptionIndex define a new empty SubscriptionIndex
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		groups:   make(map[string]map[string]bool),
		channels: make(map[string]map[string]bool),
	}
}

// addMember insert a client ID into a named set, creating the set if absent
func addMember(index map[string]map[string]bool, name, clientID string) {
	members, ok := index[name]
	if !ok {
		members = make(map[string]bool)
		index[name] = members
	}
	members[clientID] = true
}

// removeMember delete a client ID from a named set. An emptied set is removed
// from the index entirely.
func removeMember(index map[string]map[string]bool, name, clientID string) bool {
	members, ok := index[name]
	if !ok {
		return false
	}
	if !members[clientID] {
		return false
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(index, name)
	}
	return true
}

// AddToGroup insert a client into a group
func (x *SubscriptionIndex) AddToGroup(group, clientID string) {
	addMember(x.groups, group, clientID)
}

// RemoveFromGroup remove a client from a group
func (x *SubscriptionIndex) RemoveFromGroup(group, clientID string) bool {
	return removeMember(x.groups, group, clientID)
}

// AddToChannel insert a client into a channel
func (x *SubscriptionIndex) AddToChannel(channel, clientID string) {
	addMember(x.channels, channel, clientID)
}

// RemoveFromChannel remove a client from a channel
func (x *SubscriptionIndex) RemoveFromChannel(channel, clientID string) bool {
	return removeMember(x.channels, channel, clientID)
}

// GroupMembers list the client IDs currently in a group
func (x *SubscriptionIndex) GroupMembers(group string) []string {
	return sortedNameSet(x.groups[group])
}

// ChannelMembers list the client IDs currently in a channel
func (x *SubscriptionIndex) ChannelMembers(channel string) []string {
	return sortedNameSet(x.channels[channel])
}

// HasGroup whether a group currently has any member
func (x *SubscriptionIndex) HasGroup(group string) bool {
	_, ok := x.groups[group]
	return ok
}

// HasChannel whether a channel currently has any member
func (x *SubscriptionIndex) HasChannel(channel string) bool {
	_, ok := x.channels[channel]
	return ok
}

// GroupCount number of non-empty groups
func (x *SubscriptionIndex) GroupCount() int {
	return len(x.groups)
}

// ChannelCount number of non-empty channels
func (x *SubscriptionIndex) ChannelCount() int {
	return len(x.channels)
}

// PurgeClient remove a client ID from every group and channel set it appears
// in
func (x *SubscriptionIndex) PurgeClient(clientID string) {
	for name := range x.groups {
		removeMember(x.groups, name, clientID)
	}
	for name := range x.channels {
		removeMember(x.channels, name, clientID)
	}
}

// sortedNameSet flatten a name set into a sorted list
func sortedNameSet(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
