package session

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/roomsync/roomsync/protocol"
)

// remotePeer is the per-remote transport record: the WebRTC connection, its
// data channel, and the authentication state gating it. Keyed by the
// remote's relay-assigned peer id; at most one record exists per id.
type remotePeer struct {
	id        string
	initiator bool

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	hs            *handshake
	authenticated bool

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	negotiationTimer *time.Timer
	authTimer        *time.Timer
	unsubscribe      func()
}

// sendFrame implements frameSender over the data channel.
func (p *remotePeer) sendFrame(f protocol.ChannelFrame) error {
	if p.dc == nil {
		return fmt.Errorf("%w: channel not open", protocol.ErrTransient)
	}
	data, err := protocol.MarshalChannelFrame(f)
	if err != nil {
		return err
	}
	return p.dc.Send(data)
}

func (s *Session) webrtcConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, url := range s.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	if s.settingEngine != nil {
		api := webrtc.NewAPI(webrtc.WithSettingEngine(*s.settingEngine))
		return api.NewPeerConnection(s.webrtcConfig())
	}
	return webrtc.NewPeerConnection(s.webrtcConfig())
}

// considerPeer reacts to a discovery event for id. The lexicographically
// lower relay id initiates, so exactly one side offers even when both
// discover each other at once. Discovery for an already represented peer is
// a no-op.
func (s *Session) considerPeer(id string) {
	if id == "" || id == s.relayID {
		return
	}
	if _, ok := s.peers[id]; ok {
		return
	}
	if s.relayID < id {
		if err := s.initiatePeer(id); err != nil {
			s.log.Warn("failed to initiate transport",
				zap.String("peer_id", id), zap.Error(err))
		}
	}
	// Otherwise the remote initiates; our record is created by its offer.
}

// initiatePeer creates the offering side of a transport.
func (s *Session) initiatePeer(id string) error {
	pc, err := s.newPeerConnection()
	if err != nil {
		return err
	}

	p := &remotePeer{id: id, initiator: true, pc: pc}
	s.peers[id] = p
	s.installPeerHandlers(p)
	s.armNegotiationTimer(p)

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		s.closePeer(p, err)
		return err
	}
	s.installChannelHandlers(p, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.closePeer(p, err)
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.closePeer(p, err)
		return err
	}

	s.sendSignal(protocol.SignalFrame{
		Type: protocol.SignalOffer,
		To:   id,
		SDP:  offer.SDP,
	})
	return nil
}

// dataChannelLabel names the single ordered reliable channel per transport.
const dataChannelLabel = "room-sync"

// handleOffer creates (or, on glare, replaces) the answering side.
func (s *Session) handleOffer(from, sdp string) {
	if existing, ok := s.peers[from]; ok {
		if existing.initiator && s.relayID > from {
			// Both sides initiated; the lower id wins, so our nascent
			// transport yields to the inbound offer.
			s.closePeer(existing, nil)
		} else {
			return
		}
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		s.log.Warn("failed to create peer connection", zap.Error(err))
		return
	}

	p := &remotePeer{id: from, pc: pc}
	s.peers[from] = p
	s.installPeerHandlers(p)
	s.armNegotiationTimer(p)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.post(func() {
			if s.peers[from] != p {
				return
			}
			s.installChannelHandlers(p, dc)
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		s.closePeer(p, err)
		return
	}
	p.remoteSet = true
	s.flushCandidates(p)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.closePeer(p, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.closePeer(p, err)
		return
	}

	s.sendSignal(protocol.SignalFrame{
		Type: protocol.SignalAnswer,
		To:   from,
		SDP:  answer.SDP,
	})
}

func (s *Session) handleAnswer(from, sdp string) {
	p, ok := s.peers[from]
	if !ok || !p.initiator || p.remoteSet {
		return
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		s.closePeer(p, err)
		return
	}
	p.remoteSet = true
	s.flushCandidates(p)
}

func (s *Session) handleCandidate(from string, f protocol.SignalFrame) {
	p, ok := s.peers[from]
	if !ok {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     f.Candidate,
		SDPMid:        f.SDPMid,
		SDPMLineIndex: f.SDPMLineIndex,
	}
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		return
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		s.log.Debug("failed to add ICE candidate",
			zap.String("peer_id", from), zap.Error(err))
	}
}

func (s *Session) flushCandidates(p *remotePeer) {
	for _, init := range p.pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			s.log.Debug("failed to add buffered ICE candidate",
				zap.String("peer_id", p.id), zap.Error(err))
		}
	}
	p.pending = nil
}

// installPeerHandlers wires connection-level callbacks. Callbacks fire on
// pion's goroutines, so they post back into the session loop.
func (s *Session) installPeerHandlers(p *remotePeer) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.post(func() {
			if s.peers[p.id] != p {
				return
			}
			s.sendSignal(protocol.SignalFrame{
				Type:          protocol.SignalCandidate,
				To:            p.id,
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		})
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.post(func() {
				if s.peers[p.id] != p {
					return
				}
				s.closePeer(p, fmt.Errorf("%w: connection %s", protocol.ErrTransient, state))
			})
		}
	})
}

func (s *Session) installChannelHandlers(p *remotePeer, dc *webrtc.DataChannel) {
	p.dc = dc

	dc.OnOpen(func() {
		s.post(func() {
			if s.peers[p.id] != p {
				return
			}
			s.startAuthentication(p)
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.post(func() {
			if s.peers[p.id] != p {
				return
			}
			s.handleChannelMessage(p, msg.Data)
		})
	})

	dc.OnClose(func() {
		s.post(func() {
			if s.peers[p.id] != p {
				return
			}
			s.closePeer(p, fmt.Errorf("%w: channel closed", protocol.ErrTransient))
		})
	})
}

func (s *Session) armNegotiationTimer(p *remotePeer) {
	p.negotiationTimer = time.AfterFunc(s.cfg.NegotiationBudget, func() {
		s.post(func() {
			if s.peers[p.id] != p || p.authenticated {
				return
			}
			s.closePeer(p, fmt.Errorf("%w: negotiation budget exhausted", protocol.ErrTransient))
		})
	})
}

// startAuthentication sends our challenge the moment the channel opens and
// arms the auth-response deadline.
func (s *Session) startAuthentication(p *remotePeer) {
	p.hs = newHandshake(s.keys.Auth)
	if err := p.hs.begin(p); err != nil {
		s.closePeer(p, err)
		return
	}
	p.authTimer = time.AfterFunc(s.cfg.AuthResponseBudget, func() {
		s.post(func() {
			if s.peers[p.id] != p || p.hs == nil || p.hs.remoteVerified {
				return
			}
			s.closePeer(p, fmt.Errorf("%w: auth response deadline", protocol.ErrProtocolViolation))
		})
	})
}

// handleChannelMessage dispatches one data channel frame. Before the
// transport is authenticated only auth frames are legal; after it, only
// sync frames are.
func (s *Session) handleChannelMessage(p *remotePeer, data []byte) {
	f, err := protocol.UnmarshalChannelFrame(data)
	if err != nil {
		s.closePeer(p, err)
		return
	}

	if !p.authenticated {
		if p.hs == nil || !protocol.IsAuthFrame(f.Type) {
			s.closePeer(p, fmt.Errorf("%w: %s before authentication", protocol.ErrProtocolViolation, f.Type))
			return
		}
		if err := p.hs.handleFrame(f, p); err != nil {
			s.closePeer(p, err)
			return
		}
		if p.hs.authenticated() {
			s.markAuthenticated(p)
		}
		return
	}

	switch f.Type {
	case protocol.FrameSyncRequest:
		s.sendFullState(p)
	case protocol.FrameSyncResponse, protocol.FrameUpdate:
		s.applyRemoteUpdate(p, f)
	default:
		s.closePeer(p, fmt.Errorf("%w: unexpected frame %s", protocol.ErrProtocolViolation, f.Type))
	}
}

// markAuthenticated flips the transport into the replicating state: request
// the remote snapshot and start fanning out local updates, filtered by
// origin so nothing is echoed back to its source.
func (s *Session) markAuthenticated(p *remotePeer) {
	p.authenticated = true
	stopTimer(&p.negotiationTimer)
	stopTimer(&p.authTimer)

	s.log.Info("peer authenticated", zap.String("peer_id", p.id))
	if s.onPeerAuthenticated != nil {
		s.onPeerAuthenticated(p.id)
	}

	if err := p.sendFrame(protocol.ChannelFrame{Type: protocol.FrameSyncRequest}); err != nil {
		s.closePeer(p, err)
		return
	}

	peerID := p.id
	p.unsubscribe = s.doc.Subscribe(func(update []byte, origin string) {
		if origin == peerID {
			return
		}
		err := p.sendFrame(protocol.ChannelFrame{
			Type:   protocol.FrameUpdate,
			Update: base64.StdEncoding.EncodeToString(update),
		})
		if err != nil {
			s.log.Debug("update fan-out failed",
				zap.String("peer_id", peerID), zap.Error(err))
		}
	})
}

func (s *Session) sendFullState(p *remotePeer) {
	err := p.sendFrame(protocol.ChannelFrame{
		Type:   protocol.FrameSyncResponse,
		Update: base64.StdEncoding.EncodeToString(s.doc.EncodeState()),
	})
	if err != nil {
		s.closePeer(p, err)
	}
}

func (s *Session) applyRemoteUpdate(p *remotePeer, f protocol.ChannelFrame) {
	update, err := base64.StdEncoding.DecodeString(f.Update)
	if err != nil {
		s.closePeer(p, fmt.Errorf("%w: malformed update payload", protocol.ErrProtocolViolation))
		return
	}
	// Tag the application with the sender so fan-out can filter the echo.
	if err := s.doc.ApplyUpdate(update, p.id); err != nil {
		s.closePeer(p, fmt.Errorf("%w: update rejected: %v", protocol.ErrProtocolViolation, err))
	}
}

// closePeer evicts a transport. Single-transport faults are local: the
// session keeps running.
func (s *Session) closePeer(p *remotePeer, cause error) {
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	stopTimer(&p.negotiationTimer)
	stopTimer(&p.authTimer)
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	if p.pc != nil {
		p.pc.Close()
	}

	if cause != nil {
		s.log.Info("transport closed",
			zap.String("peer_id", p.id), zap.Error(cause))
	}
	if p.authenticated && s.onPeerDisconnected != nil {
		s.onPeerDisconnected(p.id)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
