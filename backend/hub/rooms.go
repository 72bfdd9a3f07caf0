package hub

// roomTable maps a session id to its current member set. Rooms are created
// on first join and removed together with their last member, so an empty
// room never stays in the table. The table is touched only by the hub loop
// and therefore needs no locking.
type roomTable struct {
	rooms map[string]map[*Connection]struct{}
}

func newRoomTable() *roomTable {
	return &roomTable{
		rooms: make(map[string]map[*Connection]struct{}),
	}
}

// join adds conn to the room and the room to conn's joined set,
// keeping both sides of the membership consistent in one step.
func (rt *roomTable) join(sessionID string, conn *Connection) {
	members, ok := rt.rooms[sessionID]
	if !ok {
		members = make(map[*Connection]struct{})
		rt.rooms[sessionID] = members
	}
	members[conn] = struct{}{}
	conn.rooms[sessionID] = struct{}{}
}

func (rt *roomTable) leave(sessionID string, conn *Connection) {
	if members, ok := rt.rooms[sessionID]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(rt.rooms, sessionID)
		}
	}
	delete(conn.rooms, sessionID)
}

func (rt *roomTable) leaveAll(conn *Connection) {
	for sessionID := range conn.rooms {
		rt.leave(sessionID, conn)
	}
}

func (rt *roomTable) isMember(sessionID string, conn *Connection) bool {
	_, ok := rt.rooms[sessionID][conn]
	return ok
}

// members returns a snapshot of the room's member set. Broadcasts iterate
// the snapshot so evicting a member mid-delivery cannot corrupt iteration.
func (rt *roomTable) members(sessionID string) []*Connection {
	room := rt.rooms[sessionID]
	if len(room) == 0 {
		return nil
	}
	members := make([]*Connection, 0, len(room))
	for conn := range room {
		members = append(members, conn)
	}
	return members
}

func (rt *roomTable) participants(sessionID string) int {
	return len(rt.rooms[sessionID])
}
