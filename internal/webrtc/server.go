// Package webrtc pushes every published view to browser peers over a
// negotiated data channel, so a remote page can follow the session without
// polling.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/metrics"
)

var log = logger.For("WebRTC")

const (
	// ChannelLabel is the label of the view data channel.
	ChannelLabel = "posture"
	// ChannelID is the negotiated stream id both ends use.
	ChannelID uint16 = 0

	peerBuffer = 16
)

// ErrTooManyPeers is returned when the peer limit is reached.
var ErrTooManyPeers = errors.New("maximum peers reached")

// Peer is one connected browser.
type Peer struct {
	id       string
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	sendChan chan []byte
	open     chan struct{}
	done     chan struct{}
	once     sync.Once

	sent    uint64
	dropped uint64
}

// Server manages peer connections.
type Server struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	last     []byte
	config   webrtc.Configuration
	maxPeers int
	api      *webrtc.API
	metrics  *metrics.Metrics
}

// NewServer creates a server. m may be nil.
func NewServer(stunServers []string, maxPeers int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if maxPeers <= 0 {
		maxPeers = 4
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		peers:    make(map[string]*Peer),
		config:   webrtc.Configuration{ICEServers: iceServers},
		maxPeers: maxPeers,
		api:      api,
		metrics:  m,
	}
}

// HandleOffer answers a browser offer. The offer must carry an application
// section; both sides open the negotiated channel ChannelLabel with id
// ChannelID.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if s.PeerCount() >= s.maxPeers {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyPeers, s.maxPeers)
	}

	pc, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	negotiated := true
	id := ChannelID
	dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	peer := &Peer{
		id:       uuid.NewString(),
		pc:       pc,
		dc:       dc,
		sendChan: make(chan []byte, peerBuffer),
		open:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	dc.OnOpen(func() {
		log.Debug("Peer %s channel open", peer.id)
		close(peer.open)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("Peer %s connection state: %s", peer.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			log.Info("Peer %s connection lost (%s), removing...", peer.id, state.String())
			s.RemovePeer(peer.id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, fmt.Errorf("ICE gathering: %w", ctx.Err())
	}

	localDesc := pc.LocalDescription()
	if localDesc == nil {
		pc.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.mu.Lock()
	if len(s.peers) >= s.maxPeers {
		s.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyPeers, s.maxPeers)
	}
	s.peers[peer.id] = peer
	last := s.last
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActivePeers.Add(1)
		s.metrics.TotalPeers.Add(1)
	}

	go s.sendLoop(peer, last)
	log.Info("Peer %s connected", peer.id)
	return answerJSON, nil
}

// Broadcast queues data for every peer and remembers it for peers that
// join later. It never blocks.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = data
	for _, peer := range s.peers {
		select {
		case peer.sendChan <- data:
			peer.sent++
		default:
			peer.dropped++
		}
	}
}

func (s *Server) sendLoop(peer *Peer, first []byte) {
	select {
	case <-peer.open:
	case <-peer.done:
		return
	}

	if first != nil {
		if err := peer.dc.SendText(string(first)); err != nil {
			log.Warn("Error sending to peer %s: %v", peer.id, err)
			s.RemovePeer(peer.id)
			return
		}
	}

	for {
		select {
		case <-peer.done:
			return
		case data := <-peer.sendChan:
			if err := peer.dc.SendText(string(data)); err != nil {
				log.Warn("Error sending to peer %s: %v", peer.id, err)
				s.RemovePeer(peer.id)
				return
			}
		}
	}
}

// RemovePeer disconnects a peer by id. Unknown ids are ignored.
func (s *Server) RemovePeer(id string) {
	s.mu.Lock()
	peer, exists := s.peers[id]
	if exists {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	peer.once.Do(func() {
		close(peer.done)
		if err := peer.pc.Close(); err != nil {
			log.Debug("Peer %s close: %v", id, err)
		}
	})
	if s.metrics != nil {
		s.metrics.ActivePeers.Add(-1)
	}
	log.Info("Peer %s disconnected (sent: %d, dropped: %d)", id, peer.sent, peer.dropped)
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerStats returns delivery counters per peer.
func (s *Server) PeerStats() map[string]map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.peers))
	for id, peer := range s.peers {
		stats[id] = map[string]uint64{
			"sent":    peer.sent,
			"dropped": peer.dropped,
		}
	}
	return stats
}

// Close disconnects every peer.
func (s *Server) Close() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.RemovePeer(id)
	}
	return nil
}
