// Package rtc carries the relay protocol over a WebRTC data channel labelled
// "audio": binary messages are audio, string messages are control.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/protocol"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/relay"
)

const (
	audioLabel = "audio"
	inboxSize  = 64
)

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Conn adapts one data channel to relay.Conn.
type Conn struct {
	dc     *webrtc.DataChannel
	remote string

	inbox     chan protocol.Inbound
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newConn(dc *webrtc.DataChannel, remote string, onClose func()) *Conn {
	c := &Conn{
		dc:      dc,
		remote:  remote,
		inbox:   make(chan protocol.Inbound, inboxSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var in protocol.Inbound
		if msg.IsString {
			in = protocol.DecodeText(msg.Data)
		} else {
			in = protocol.DecodeBinary(msg.Data)
		}
		// blocking here applies backpressure to the SCTP reader
		select {
		case c.inbox <- in:
		case <-c.done:
		}
	})
	dc.OnClose(func() {
		_ = c.Close()
	})
	return c
}

func (c *Conn) Receive(ctx context.Context) (protocol.Inbound, error) {
	// drain what already arrived before reporting closure
	select {
	case in := <-c.inbox:
		return in, nil
	default:
	}
	select {
	case in := <-c.inbox:
		return in, nil
	case <-c.done:
		return nil, protocol.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Send(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return protocol.ErrConnClosed
	default:
	}
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return protocol.ErrConnClosed
	}
	if err := c.dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnClosed, err)
	}
	return nil
}

func (c *Conn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		close(c.done)
		first = true
	})
	// closing the peer fires dc.OnClose, which lands back here
	if first && c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *Conn) RemoteAddr() string { return c.remote }
func (c *Conn) Transport() string  { return "webrtc" }

type Config struct {
	ICEUDPPort  int
	ICEPublicIP string
}

// Server answers SDP offers and serves each audio data channel.
type Server struct {
	api      *webrtc.API
	listener *net.UDPConn
	handler  *relay.Handler
	logger   *slog.Logger
	base     context.Context
}

func NewServer(base context.Context, cfg Config, handler *relay.Handler, logger *slog.Logger) (*Server, error) {
	api, listener, err := newWebRTCAPI(cfg.ICEUDPPort, cfg.ICEPublicIP)
	if err != nil {
		return nil, err
	}
	return &Server{
		api:      api,
		listener: listener,
		handler:  handler,
		logger:   logger,
		base:     base,
	}, nil
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) HandleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request failed: %v", err), http.StatusBadRequest)
		return
	}
	if req.SDP == "" || req.Type == "" {
		http.Error(w, "missing sdp/type", http.StatusBadRequest)
		return
	}
	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(req.Type),
		SDP:  req.SDP,
	}
	if remoteOffer.Type == webrtc.SDPTypeUnknown {
		http.Error(w, "invalid sdp type", http.StatusBadRequest)
		return
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, fmt.Sprintf("create peer connection failed: %v", err), http.StatusInternalServerError)
		return
	}
	remote := r.RemoteAddr
	closePeer := func() { _ = pc.Close() }

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer state", "remote", remote, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			closePeer()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != audioLabel {
			s.logger.Debug("ignore data channel", "remote", remote, "label", dc.Label())
			return
		}
		conn := newConn(dc, remote, closePeer)
		dc.OnOpen(func() {
			go func() {
				if err := s.handler.Serve(s.base, conn); err != nil {
					s.logger.Debug("webrtc session ended with error", "remote", remote, "error", err)
				}
			}()
		})
	})

	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		closePeer()
		http.Error(w, fmt.Sprintf("set remote description failed: %v", err), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		closePeer()
		http.Error(w, fmt.Sprintf("create answer failed: %v", err), http.StatusInternalServerError)
		return
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		closePeer()
		http.Error(w, fmt.Sprintf("set local description failed: %v", err), http.StatusInternalServerError)
		return
	}
	select {
	case <-gatherDone:
	case <-r.Context().Done():
		closePeer()
		return
	}

	local := pc.LocalDescription()
	if local == nil {
		closePeer()
		http.Error(w, "local description is empty", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(offerResponse{SDP: local.SDP, Type: local.Type.String()})
}

func newWebRTCAPI(iceUDPPort int, icePublicIP string) (*webrtc.API, *net.UDPConn, error) {
	var se webrtc.SettingEngine
	var listener *net.UDPConn

	if iceUDPPort > 0 {
		udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: iceUDPPort,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("listen udp :%d failed: %w", iceUDPPort, err)
		}
		listener = udpConn
		se.SetICEUDPMux(webrtc.NewICEUDPMux(nil, udpConn))
	}
	if icePublicIP != "" {
		se.SetNAT1To1IPs([]string{icePublicIP}, webrtc.ICECandidateTypeHost)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), listener, nil
}
