package ws

import "sync"

// DropFunc is called for a channel that could not accept a broadcast.
type DropFunc func(ch Channel, err error)

// Rooms maps conversations to the channels joined to them.
type Rooms struct {
	onDrop DropFunc

	rooms      [shardCount]roomShard
	membership [shardCount]membershipShard
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu      sync.RWMutex
	members map[string]Channel
}

type membershipShard struct {
	mu        sync.Mutex
	byChannel map[string]map[string]struct{}
}

func NewRooms(onDrop DropFunc) *Rooms {
	r := &Rooms{onDrop: onDrop}
	for i := range r.rooms {
		r.rooms[i].rooms = make(map[string]*room)
		r.membership[i].byChannel = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Rooms) Join(ch Channel, conversationID string) {
	shard := &r.rooms[shardFor(conversationID)]
	shard.mu.Lock()
	rm, ok := shard.rooms[conversationID]
	if !ok {
		rm = &room{members: make(map[string]Channel)}
		shard.rooms[conversationID] = rm
	}
	rm.mu.Lock()
	rm.members[ch.ID()] = ch
	rm.mu.Unlock()
	shard.mu.Unlock()

	ms := &r.membership[shardFor(ch.ID())]
	ms.mu.Lock()
	joined, ok := ms.byChannel[ch.ID()]
	if !ok {
		joined = make(map[string]struct{})
		ms.byChannel[ch.ID()] = joined
	}
	joined[conversationID] = struct{}{}
	ms.mu.Unlock()
}

func (r *Rooms) Leave(ch Channel, conversationID string) {
	r.leaveRoom(ch, conversationID)

	ms := &r.membership[shardFor(ch.ID())]
	ms.mu.Lock()
	if joined, ok := ms.byChannel[ch.ID()]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(ms.byChannel, ch.ID())
		}
	}
	ms.mu.Unlock()
}

// LeaveAll removes ch from every room it joined.
func (r *Rooms) LeaveAll(ch Channel) {
	ms := &r.membership[shardFor(ch.ID())]
	ms.mu.Lock()
	joined := ms.byChannel[ch.ID()]
	delete(ms.byChannel, ch.ID())
	ms.mu.Unlock()

	for conversationID := range joined {
		r.leaveRoom(ch, conversationID)
	}
}

func (r *Rooms) leaveRoom(ch Channel, conversationID string) {
	shard := &r.rooms[shardFor(conversationID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rm, ok := shard.rooms[conversationID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, ch.ID())
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(shard.rooms, conversationID)
	}
}

// Members snapshots the channels joined to conversationID.
func (r *Rooms) Members(conversationID string) []Channel {
	shard := &r.rooms[shardFor(conversationID)]
	shard.mu.Lock()
	rm, ok := shard.rooms[conversationID]
	shard.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]Channel, 0, len(rm.members))
	for _, ch := range rm.members {
		out = append(out, ch)
	}
	return out
}

func (r *Rooms) IsJoined(ch Channel, conversationID string) bool {
	ms := &r.membership[shardFor(ch.ID())]
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.byChannel[ch.ID()][conversationID]
	return ok
}

// Broadcast enqueues payload on every member except exclude and returns
// how many channels accepted it. Channels that refuse are handed to the
// drop callback after the fan-out completes.
func (r *Rooms) Broadcast(conversationID string, payload []byte, exclude Channel) int {
	var excludeID string
	if exclude != nil {
		excludeID = exclude.ID()
	}

	delivered := 0
	type refusal struct {
		ch  Channel
		err error
	}
	var refused []refusal
	for _, ch := range r.Members(conversationID) {
		if ch.ID() == excludeID {
			continue
		}
		if err := ch.Enqueue(payload); err != nil {
			refused = append(refused, refusal{ch: ch, err: err})
			continue
		}
		delivered++
	}
	if r.onDrop != nil {
		for _, f := range refused {
			r.onDrop(f.ch, f.err)
		}
	}
	return delivered
}
