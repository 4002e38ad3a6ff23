package session

import (
	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

// handleConnect admits a first-time device: seed dedup, count check, slot
// assignment, durable linkage, ack timer, admission response.
func (s *Session) handleConnect(ev Event) {
	con := ev.(ConnectEvent)

	if dup := s.dedupeSeed(con.Seed, con.Endpoint); dup {
		return
	}
	if !s.checkCounts(con.LocalPlayers) {
		s.deny(con.Endpoint, wire.ReasonCountsBad)
		return
	}
	s.admit(con.Endpoint, wire.HostNone, con.LocalPlayers, con.Seed, false)
}

// handleReconnect re-admits a device that already holds (or lost) a slot in
// a named session, then replays its stored messages before any new traffic.
func (s *Session) handleReconnect(ev Event) {
	rec := ev.(ReconnectEvent)

	if rec.HostID != wire.HostNone {
		if prev, ok := s.hosts[rec.HostID]; ok {
			if prev.Seed != rec.Seed {
				// A live different-seed device holds the slot.
				s.deny(rec.Endpoint, wire.ReasonSpotTaken)
				return
			}
			if prev.Endpoint != nil && prev.Endpoint.ID() == rec.Endpoint.ID() {
				log.WithField("session", s.id).WithField("host", rec.HostID).
					Debug("dropping duplicate reconnect")
				return
			}
			// Same seed on a new endpoint: the device moved networks.
			// Discard the old record, never merge.
			s.detachHost(prev.HostID)
		}
	} else if s.dedupeSeed(rec.Seed, rec.Endpoint) {
		return
	}

	if !s.checkCounts(rec.LocalPlayers) {
		s.deny(rec.Endpoint, wire.ReasonCountsBad)
		return
	}
	hid := s.admit(rec.Endpoint, rec.HostID, rec.LocalPlayers, rec.Seed, true)
	if hid != wire.HostNone {
		s.deliverStored(hid)
	}
}

// dedupeSeed polices the seed invariant: a seed maps to at most one record.
// Returns true when the packet should be dropped as a duplicate. A known
// seed on a different endpoint means the device moved; the old record is
// discarded and admission proceeds.
func (s *Session) dedupeSeed(seed wire.Seed, ep Endpoint) bool {
	for _, hr := range s.hosts {
		if hr.Seed != seed {
			continue
		}
		if hr.Endpoint != nil && hr.Endpoint.ID() == ep.ID() {
			log.WithField("session", s.id).WithField("seed", seed).
				Debug("dropping duplicate admission packet")
			return true
		}
		s.detachHost(hr.HostID)
		return false
	}
	return false
}

// checkCounts rejects admissions that would overflow the declared total.
func (s *Session) checkCounts(localPlayers uint8) bool {
	if s.playersExpected == 0 {
		return true
	}
	return int(s.playersHere)+int(localPlayers) <= int(s.playersExpected)
}

// admit installs a HostRecord and emits the admission response. Admission
// is provisional until acknowledged: the ack timer rolls it back otherwise.
// Returns the assigned slot, or wire.HostNone on persistence failure.
func (s *Session) admit(ep Endpoint, want wire.HostID, localPlayers uint8, seed wire.Seed, reconnect bool) wire.HostID {
	// The gateway assigns fresh slots: durable device rows from a previous
	// life of the session count as occupied even when no host is attached.
	hid, err := s.deps.Gateway.AddDevice(s.ctx, s.connName, want, localPlayers, seed)
	if err != nil {
		log.WithError(err).WithField("session", s.id).Error("persisting admission failed")
		s.deny(ep, wire.ReasonNone)
		return wire.HostNone
	}

	hr := &HostRecord{
		HostID:        hid,
		Endpoint:      ep,
		LocalPlayers:  localPlayers,
		Seed:          seed,
		LastHeartbeat: s.now(),
		AckPending:    true,
		ackMsgID:      s.deps.Acks.Next(),
	}
	s.hosts[hid] = hr
	s.playersHere += localPlayers
	s.pendingAcks++

	if s.state == StateEmpty {
		s.state = StateWaitingForMore
		s.armHeartSweep()
	}
	s.armConnTimer()
	s.armAckTimer(hid)

	resp := &wire.ConnectResp{
		Reconnect:        reconnect,
		HostID:           hid,
		SessionID:        s.id,
		HeartbeatSeconds: s.deps.Config.HeartbeatSeconds,
		PlayersExpected:  s.playersExpected,
		PlayersHere:      s.playersHere,
		ConnName:         s.connName,
	}
	if !s.sendTo(hr, resp) {
		return wire.HostNone
	}

	log.WithField("session", s.id).WithField("host", hid).
		WithField("players_here", s.playersHere).
		WithField("players_expected", s.playersExpected).Debug("device admitted")

	s.maybeAllHere()
	return hid
}

// handleAck finalizes a provisional admission.
func (s *Session) handleAck(ev Event) {
	a := ev.(AckEvent)
	hr, ok := s.hosts[a.HostID]
	if !ok || !hr.AckPending {
		log.WithField("session", s.id).WithField("host", a.HostID).
			Debug("dropping unexpected admission ack")
		return
	}
	hr.AckPending = false
	s.pendingAcks--
	s.cancelAckTimer(a.HostID)
	s.deps.Acks.Acknowledge(hr.ackMsgID)
	if err := s.deps.Gateway.SetDeviceAckd(s.ctx, s.connName, a.HostID, true); err != nil {
		log.WithError(err).WithField("session", s.id).Warn("persisting ack flag failed")
	}
	s.maybeAllHere()
}

// handleAckTimeout rolls back an admission that was never acknowledged: no
// residual HostRecord, no residual player-count contribution.
func (s *Session) handleAckTimeout(ev Event) {
	to := ev.(AckTimeoutEvent)
	hr, ok := s.hosts[to.HostID]
	if !ok || !hr.AckPending {
		return // acknowledged in the meantime, or already gone
	}
	log.WithField("session", s.id).WithField("host", to.HostID).
		Info("admission never acknowledged, rolling back")
	s.removeHost(to.HostID, wire.ReasonAckTimeout, false, true)
}

// maybeAllHere emits the all-expected-present event exactly once per fill:
// counts met and nothing provisional outstanding.
func (s *Session) maybeAllHere() {
	if s.state == StateAllConnected {
		return
	}
	if s.playersExpected > 0 && s.playersHere == s.playersExpected && s.pendingAcks == 0 {
		s.Push(AllHereEvent{})
	}
}

// handleAllHere announces the assembled party to every device.
func (s *Session) handleAllHere(Event) {
	s.cancelConnTimer()
	for hid, hr := range s.hosts {
		s.sendTo(hr, &wire.AllHere{DestHost: hid, ConnName: s.connName})
	}
	s.state = StateAllConnected
	log.WithField("session", s.id).WithField("conn_name", s.connName).
		Info("all expected players present")
}

// handleForward delivers one opaque payload, or stores it when the
// destination is unreachable. A failed send demotes to storage too: the
// message must not be lost between the failure and the endpoint teardown.
func (s *Session) handleForward(ev Event) {
	fwd := ev.(ForwardEvent)

	dest, ok := s.hosts[fwd.DestHost]
	if ok && dest.Endpoint != nil {
		out := &wire.FwdMessage{
			Relayed:   true,
			SessionID: s.id,
			SrcHost:   fwd.SrcHost,
			DestHost:  fwd.DestHost,
			Body:      fwd.Body,
		}
		if s.sendTo(dest, out) {
			if src, ok := s.hosts[fwd.SrcHost]; ok {
				src.LastHeartbeat = s.now()
			}
			return
		}
	}

	if _, err := s.deps.Gateway.StoreMessage(s.ctx, s.connName, fwd.SrcHost, fwd.DestHost, fwd.Body); err != nil {
		log.WithError(err).WithField("session", s.id).WithField("dest", fwd.DestHost).
			Error("storing message for offline host failed")
		return
	}
	log.WithField("session", s.id).WithField("dest", fwd.DestHost).
		Debug("stored message for offline host")
}

// deliverStored drains the destination's queue oldest-first. Each message
// is removed from storage only after its send succeeded.
func (s *Session) deliverStored(hid wire.HostID) {
	hr, ok := s.hosts[hid]
	if !ok || hr.Endpoint == nil {
		return
	}
	for {
		msg, err := s.deps.Gateway.FetchOldestMessage(s.ctx, s.connName, hid)
		if err != nil {
			log.WithError(err).WithField("session", s.id).Warn("fetching stored message failed")
			return
		}
		if msg == nil {
			return
		}
		out := &wire.FwdMessage{
			Relayed:   true,
			SessionID: s.id,
			SrcHost:   msg.SrcHost,
			DestHost:  hid,
			Body:      msg.Body,
		}
		if !s.sendTo(hr, out) {
			return
		}
		if err := s.deps.Gateway.RemoveMessage(s.ctx, msg.ID); err != nil {
			log.WithError(err).WithField("msg_id", msg.ID).Warn("removing delivered message failed")
			return
		}
	}
}

// handleDisconnect is a device leaving on purpose.
func (s *Session) handleDisconnect(ev Event) {
	d := ev.(DisconnectEvent)
	if _, ok := s.hosts[d.HostID]; !ok {
		log.WithField("session", s.id).WithField("host", d.HostID).
			Debug("disconnect for unknown host")
		return
	}
	s.removeHost(d.HostID, wire.ReasonDeparted, true, true)
}

// handleDeviceGone drops a device an outside authority declared permanently
// gone.
func (s *Session) handleDeviceGone(ev Event) {
	g := ev.(DeviceGoneEvent)
	if _, ok := s.hosts[g.HostID]; !ok {
		return
	}
	s.removeHost(g.HostID, wire.ReasonLostOther, true, true)
}

// handleEndpointRemoved reacts to a transport-level loss.
func (s *Session) handleEndpointRemoved(ev Event) {
	rm := ev.(EndpointRemovedEvent)
	hr := s.hostByEndpoint(rm.EndpointID)
	if hr == nil {
		return
	}
	// The transport is already gone; nothing to write to it.
	hr.Endpoint = nil
	s.removeHost(hr.HostID, wire.ReasonLostOther, true, true)
}

// handleHeartbeat refreshes a device's last-seen time. A heartbeat arriving
// on the wrong endpoint for its claimed identity is logged as suspicious
// but changes nothing; treating it as an attack is a policy decision left
// open.
func (s *Session) handleHeartbeat(ev Event) {
	hb := ev.(HeartbeatEvent)
	hr, ok := s.hosts[hb.HostID]
	if !ok {
		log.WithField("session", s.id).WithField("host", hb.HostID).
			Debug("heartbeat for unknown host")
		return
	}
	if hr.Endpoint == nil || hr.Endpoint.ID() != hb.EndpointID {
		log.WithField("session", s.id).WithField("host", hb.HostID).
			WithField("endpoint", hb.EndpointID).Warn("heartbeat from unexpected endpoint")
		return
	}
	hr.LastHeartbeat = s.now()
}

// handleHeartSweep synthesizes heartbeat-failed events for silent devices.
func (s *Session) handleHeartSweep(Event) {
	window := 2 * int64(s.deps.Config.HeartbeatSeconds)
	if window <= 0 {
		return
	}
	now := s.now()
	for hid, hr := range s.hosts {
		if int64(now.Sub(hr.LastHeartbeat).Seconds()) > window {
			s.Push(HeartbeatFailedEvent{HostID: hid})
		}
	}
}

// handleHeartbeatFailed drops only the offending device; the session
// survives.
func (s *Session) handleHeartbeatFailed(ev Event) {
	hf := ev.(HeartbeatFailedEvent)
	hr, ok := s.hosts[hf.HostID]
	if !ok {
		return
	}
	log.WithField("session", s.id).WithField("host", hf.HostID).
		Info("device missed heartbeats, disconnecting")
	if hr.Endpoint != nil {
		s.sendTo(hr, &wire.DisconnectYou{Reason: wire.ReasonHeartYou})
	}
	s.removeHost(hf.HostID, wire.ReasonHeartOther, true, true)
}

// handleConnTimeout gives up on a session that never filled. Its row is
// killed too; nobody can reconnect into a party that never assembled.
func (s *Session) handleConnTimeout(Event) {
	log.WithField("session", s.id).Info("session never filled, disconnecting all")
	s.teardown(wire.ReasonTimeout, true)
}

// handleStaleConnTimeout swallows a connect timer that lost its race with
// the final admission.
func (s *Session) handleStaleConnTimeout(Event) {}

// handleShutdown forcibly disconnects every endpoint. The durable row
// survives so devices can reconnect after the restart.
func (s *Session) handleShutdown(Event) {
	s.teardown(wire.ReasonShutdown, false)
}

// teardown notifies and detaches every device, then retires the in-process
// object. killRow also marks the durable row dead.
func (s *Session) teardown(why wire.Reason, killRow bool) {
	for _, hid := range s.hostIDs() {
		hr, ok := s.hosts[hid]
		if !ok {
			continue
		}
		if hr.Endpoint != nil {
			s.sendTo(hr, &wire.DisconnectYou{Reason: why})
		}
		s.detachHost(hid)
	}
	s.state = StateDead
	s.dead = true
	s.cancelConnTimer()
	s.cancelHeartSweep()
	if killRow {
		if err := s.deps.Gateway.KillSession(s.ctx, s.connName); err != nil {
			log.WithError(err).WithField("session", s.id).Warn("marking session dead failed")
		}
	}
}

// hostIDs snapshots current slots so removal during iteration stays safe.
func (s *Session) hostIDs() []wire.HostID {
	ids := make([]wire.HostID, 0, len(s.hosts))
	for hid := range s.hosts {
		ids = append(ids, hid)
	}
	return ids
}

// detachHost drops one slot's record: rolls back the player-count
// contribution, the durable linkage and any pending ack, and closes the
// endpoint. State and liveness are untouched; replacement admissions use
// this directly.
func (s *Session) detachHost(hid wire.HostID) {
	hr, ok := s.hosts[hid]
	if !ok {
		return
	}

	if s.playersHere >= hr.LocalPlayers {
		s.playersHere -= hr.LocalPlayers
	} else {
		s.playersHere = 0
	}
	if hr.AckPending {
		s.pendingAcks--
	}
	s.cancelAckTimer(hid)
	delete(s.hosts, hid)

	if err := s.deps.Gateway.RemoveDevice(s.ctx, s.connName, hid); err != nil {
		log.WithError(err).WithField("session", s.id).WithField("host", hid).
			Warn("removing device record failed")
	}
	if hr.Endpoint != nil {
		_ = hr.Endpoint.Close()
	}
}

// removeHost releases one slot for good: detaches the record, notifies the
// others when asked, and re-arms the connect timer since the session
// reverts to waiting. An emptied session retires its in-process object.
func (s *Session) removeHost(hid wire.HostID, notifyWhy wire.Reason, notify bool, rearm bool) {
	if _, ok := s.hosts[hid]; !ok {
		return
	}
	s.detachHost(hid)

	if notify {
		for _, other := range s.hosts {
			s.sendTo(other, &wire.DisconnectOther{Reason: notifyWhy, LostHost: hid})
		}
	}

	if len(s.hosts) == 0 {
		// Emptied: retire the in-process object. The durable row stays,
		// so a later reconnect revives the session by name.
		s.state = StateDead
		s.cancelHeartSweep()
		s.cancelConnTimer()
		s.dead = true
		return
	}

	if s.state == StateAllConnected {
		s.state = StateWaitingForMore
	}
	if rearm {
		s.armConnTimer()
	}
}

// deny rejects an admission attempt and closes the endpoint.
func (s *Session) deny(ep Endpoint, why wire.Reason) {
	payload, err := wire.Encode(&wire.ConnectDenied{Reason: why})
	if err == nil {
		_ = ep.WriteFrame(payload)
	}
	_ = ep.Close()
	log.WithField("session", s.id).WithField("reason", why.String()).
		Info("admission denied")
}

// sendTo encodes and writes one message. A write failure reports the
// endpoint lost, which queues its removal behind the current event.
func (s *Session) sendTo(hr *HostRecord, msg wire.Message) bool {
	if hr.Endpoint == nil {
		return false
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		log.WithError(err).WithField("session", s.id).Error("encoding outbound message failed")
		return false
	}
	if err := hr.Endpoint.WriteFrame(payload); err != nil {
		log.WithError(err).WithField("session", s.id).WithField("host", hr.HostID).
			Info("write failed, dropping endpoint")
		s.Push(EndpointRemovedEvent{EndpointID: hr.Endpoint.ID()})
		return false
	}
	if err := s.deps.Gateway.RecordBytesSent(s.ctx, s.connName, hr.HostID, len(payload)); err != nil {
		log.WithError(err).WithField("session", s.id).Debug("recording sent bytes failed")
	}
	return true
}
