package app

import "quiz-room-service/internal/domain"

type joinKey struct {
	userID string
	connID string
}

// join admits userID over connID. A user already present is refreshed: the
// snapshots go to the caller only and peers see no broadcast.
func (s *roomState) join(connID string, sink Sink, userID, username string) ([]domain.PresenceEntry, error) {
	now := s.now()
	key := joinKey{userID: userID, connID: connID}
	if s.connOwner[connID] == userID {
		if last, ok := s.lastJoin[key]; ok && now.Sub(last) < s.cfg.JoinDebounce {
			s.cfg.Metrics.JoinThrottled()
			return nil, domain.ErrJoinThrottled
		}
	}
	s.lastJoin[key] = now

	if u, ok := s.users[userID]; ok {
		u.Username = username
		u.ConnectionIDs[connID] = struct{}{}
		s.connOwner[connID] = userID
		s.sinks[connID] = sink
		// A new tab supersedes the user's connections that are waiting out their grace period.
		for id := range u.ConnectionIDs {
			if id != connID && s.evictions.cancel(id) {
				s.detachConn(u, id)
			}
		}
		users := s.presenceSnapshot()
		s.sendTo(sink, domain.EventRoomUsersUpdated, users)
		s.sendTo(sink, domain.EventRoomProgressUpdated, s.progressSnapshot())
		s.logger.Debug("join refreshed", "user", userID, "conn", connID)
		return users, nil
	}

	s.seq++
	s.users[userID] = &domain.UserEntry{
		UserID:        userID,
		Username:      username,
		JoinTime:      now,
		ConnectionIDs: map[string]struct{}{connID: {}},
		IsOwner:       len(s.users) == 0,
		Seq:           s.seq,
	}
	s.connOwner[connID] = userID
	s.sinks[connID] = sink
	s.progressFor(userID)
	s.syncMemberCount()
	s.refreshQuorum()

	users := s.presenceSnapshot()
	s.broadcast(domain.EventRoomUsersUpdated, users)
	s.broadcast(domain.EventRoomProgressUpdated, s.progressSnapshot())
	s.logger.Info("user joined", "user", userID, "conn", connID, "owner", s.users[userID].IsOwner)
	return users, nil
}

// leave detaches connID; the user becomes absent immediately once no connection remains.
func (s *roomState) leave(connID, userID string) error {
	u, ok := s.users[userID]
	if !ok || s.connOwner[connID] != userID {
		return domain.ErrNotMember
	}
	s.detachConn(u, connID)
	if len(u.ConnectionIDs) == 0 {
		s.removeUser(userID)
		s.logger.Info("user left", "user", userID, "conn", connID)
	}
	return nil
}

// markDisconnected stops delivery to connID and starts its grace period.
func (s *roomState) markDisconnected(connID string) {
	userID, ok := s.connOwner[connID]
	if !ok {
		return
	}
	delete(s.sinks, connID)
	s.evictions.schedule(connID)
	s.logger.Debug("connection in grace period", "user", userID, "conn", connID)
}

// finalizeEviction removes connID once its grace period elapsed without a reconnect.
func (s *roomState) finalizeEviction(connID string, gen uint64) {
	if !s.evictions.claim(connID, gen) {
		return
	}
	userID, ok := s.connOwner[connID]
	if !ok {
		return
	}
	u, ok := s.users[userID]
	if !ok {
		return
	}
	if _, still := u.ConnectionIDs[connID]; !still {
		return
	}
	s.detachConn(u, connID)
	if len(u.ConnectionIDs) == 0 {
		s.removeUser(userID)
		s.cfg.Metrics.Evicted()
		s.logger.Info("user evicted after grace period", "user", userID, "conn", connID)
	}
}

func (s *roomState) detachConn(u *domain.UserEntry, connID string) {
	delete(u.ConnectionIDs, connID)
	delete(s.connOwner, connID)
	delete(s.sinks, connID)
	delete(s.lastJoin, joinKey{userID: u.UserID, connID: connID})
	s.evictions.cancel(connID)
}

// removeUser completes PRESENT -> ABSENT. The progress record is retained for a rejoin.
func (s *roomState) removeUser(userID string) {
	delete(s.users, userID)
	s.syncMemberCount()
	s.broadcast(domain.EventRoomUsersUpdated, s.presenceSnapshot())
	s.reevaluateQuorum()
}

// sendUsers answers an on-demand presence request.
func (s *roomState) sendUsers(sink Sink) []domain.PresenceEntry {
	users := s.presenceSnapshot()
	s.sendTo(sink, domain.EventRoomUsersUpdated, users)
	return users
}

// resetVacant clears room-level state once the last member is gone, so a room
// reused by a join already queued behind the departure starts over.
func (s *roomState) resetVacant() {
	if len(s.users) != 0 {
		return
	}
	s.evictions.stopAll()
	clear(s.connOwner)
	clear(s.sinks)
	clear(s.lastJoin)
	clear(s.progress)
	clear(s.textAnswers)
	clear(s.quorumMet)
	clear(s.skipped)
	s.currentQuestion = 0
}
