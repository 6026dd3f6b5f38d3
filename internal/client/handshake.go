// Package client drives the peer side of the handshake: signaling through the
// broker, WebRTC negotiation, key agreement and the resulting encrypted data
// channel. The broker only ever sees opaque payloads; everything below the
// offer/answer envelope is end to end.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/duolink/duolink/internal/keycap"
	"github.com/duolink/duolink/internal/protocol"
)

const dataChannelLabel = "data"

var (
	ErrPeerLeft       = errors.New("client: peer left the session")
	ErrSessionExpired = errors.New("client: session no longer exists")
)

// descriptionPayload carries the negotiation body plus the sender's ephemeral
// public key. The broker relays it without inspection.
type descriptionPayload struct {
	SDP       string `json:"sdp"`
	PublicKey string `json:"publicKey"`
}

type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Options configures a handshake attempt.
type Options struct {
	// BaseURL is the broker's HTTP base URL.
	BaseURL string

	// Link is the parsed capability link naming the session and carrying the
	// shared secret.
	Link keycap.Link

	Logger *slog.Logger

	ICEServers []webrtc.ICEServer
}

// Channel is an established end-to-end encrypted data channel.
type Channel struct {
	Role protocol.Role

	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	sec *SecureChannel

	recv   chan []byte
	closed chan struct{}

	closeOnce sync.Once
}

// Recv returns the stream of decrypted inbound messages. It is closed when
// the channel shuts down.
func (ch *Channel) Recv() <-chan []byte { return ch.recv }

// Send seals and transmits one message to the peer.
func (ch *Channel) Send(plaintext []byte) error {
	sealed, err := ch.sec.Seal(plaintext)
	if err != nil {
		return err
	}
	return ch.dc.Send(sealed)
}

func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() { close(ch.closed) })
	err := ch.dc.Close()
	if perr := ch.pc.Close(); err == nil {
		err = perr
	}
	return err
}

// Done is closed when the channel has shut down.
func (ch *Channel) Done() <-chan struct{} { return ch.closed }

// Connect performs the whole handshake: authenticate into the session, wait
// for the pair to complete, negotiate the transport and derive the shared
// key. The returned channel is open and ready to carry sealed messages; the
// signaling connection is closed before returning, the brokered relay plays
// no further part.
func Connect(ctx context.Context, opts Options) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sig, err := DialSignal(ctx, opts.BaseURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sig.Close() }()

	proof := keycap.Proof(opts.Link.SessionID, opts.Link.Secret)
	ack, err := sig.Auth(opts.Link.SessionID, proof)
	if err != nil {
		return nil, err
	}
	logger.Info("authenticated", "session_id", opts.Link.SessionID, "role", ack.Role)

	h := &handshake{
		sig:    sig,
		link:   opts.Link,
		log:    logger,
		opened: make(chan *webrtc.DataChannel, 1),
	}

	kp, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	h.keys = kp

	pc, err := newPeerConnection(opts.ICEServers)
	if err != nil {
		return nil, err
	}
	h.pc = pc

	var ch *Channel
	switch ack.Role {
	case protocol.RoleInitiator:
		ch, err = h.runInitiator(ctx)
	case protocol.RoleResponder:
		ch, err = h.runResponder(ctx)
	default:
		err = fmt.Errorf("client: unknown role %q", ack.Role)
	}
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	ch.Role = ack.Role
	return ch, nil
}

func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelWarn

	se := webrtc.SettingEngine{LoggerFactory: lf}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("client: new peer connection: %w", err)
	}
	return pc, nil
}

type handshake struct {
	sig  *SignalConn
	link keycap.Link
	log  *slog.Logger
	keys *KeyPair
	pc   *webrtc.PeerConnection

	opened chan *webrtc.DataChannel

	// remoteSet gates candidate application; candidates arriving before the
	// remote description are buffered.
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
}

func (h *handshake) runInitiator(ctx context.Context) (*Channel, error) {
	// The pair may already be complete, otherwise wait for the broker's
	// ready broadcast.
	for {
		msg, err := h.sig.Read()
		if err != nil {
			return nil, err
		}
		if msg.Type == protocol.TypeReady {
			break
		}
		if msg.Type == protocol.TypePeerLeft {
			return nil, ErrPeerLeft
		}
	}

	dc, err := h.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("client: create data channel: %w", err)
	}
	dc.OnOpen(func() { h.opened <- dc })

	h.forwardLocalCandidates()

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("client: create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("client: set local description: %w", err)
	}
	if err := h.sendDescription(protocol.TypeOffer, offer.SDP); err != nil {
		return nil, err
	}

	var key []byte
	onMsg := func(msg protocol.Message) (done bool, err error) {
		switch msg.Type {
		case protocol.TypeAnswer:
			var p descriptionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return false, fmt.Errorf("client: decode answer: %w", err)
			}
			key, err = h.acceptRemote(webrtc.SDPTypeAnswer, p)
			return false, err
		case protocol.TypeICECandidate:
			return false, h.acceptCandidate(msg.Payload)
		case protocol.TypePeerLeft:
			return false, ErrPeerLeft
		}
		return false, nil
	}
	return h.awaitOpen(ctx, onMsg, &key)
}

func (h *handshake) runResponder(ctx context.Context) (*Channel, error) {
	h.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			_ = dc.Close()
			return
		}
		dc.OnOpen(func() { h.opened <- dc })
		// The channel may already be open by the time the callback runs.
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			h.opened <- dc
		}
	})

	h.forwardLocalCandidates()

	var key []byte
	onMsg := func(msg protocol.Message) (done bool, err error) {
		switch msg.Type {
		case protocol.TypeOffer:
			var p descriptionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return false, fmt.Errorf("client: decode offer: %w", err)
			}
			if key, err = h.acceptRemote(webrtc.SDPTypeOffer, p); err != nil {
				return false, err
			}
			answer, err := h.pc.CreateAnswer(nil)
			if err != nil {
				return false, fmt.Errorf("client: create answer: %w", err)
			}
			if err := h.pc.SetLocalDescription(answer); err != nil {
				return false, fmt.Errorf("client: set local description: %w", err)
			}
			return false, h.sendDescription(protocol.TypeAnswer, answer.SDP)
		case protocol.TypeICECandidate:
			return false, h.acceptCandidate(msg.Payload)
		case protocol.TypePeerLeft:
			return false, ErrPeerLeft
		}
		return false, nil
	}
	return h.awaitOpen(ctx, onMsg, &key)
}

// awaitOpen pumps signaling messages through onMsg until the data channel
// opens, then builds the secure channel from the derived key.
func (h *handshake) awaitOpen(ctx context.Context, onMsg func(protocol.Message) (bool, error), key *[]byte) (*Channel, error) {
	msgs := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := h.sig.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-readErr:
			// Signaling may drop once negotiation is finishing; only the data
			// channel opening decides success, so keep waiting on it.
			h.log.Debug("signaling read ended", "err", err)
			return h.waitChannel(ctx, key)
		case dc := <-h.opened:
			return h.buildChannel(dc, *key)
		case msg := <-msgs:
			if _, err := onMsg(msg); err != nil {
				return nil, err
			}
		}
	}
}

func (h *handshake) waitChannel(ctx context.Context, key *[]byte) (*Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dc := <-h.opened:
		return h.buildChannel(dc, *key)
	}
}

func (h *handshake) buildChannel(dc *webrtc.DataChannel, key []byte) (*Channel, error) {
	if key == nil {
		return nil, errors.New("client: data channel opened before key agreement")
	}
	sec, err := NewSecureChannel(key)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		pc:     h.pc,
		dc:     dc,
		sec:    sec,
		recv:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		plain, err := sec.Open(msg.Data)
		if err != nil {
			h.log.Warn("dropping undecryptable frame", "bytes", len(msg.Data))
			return
		}
		select {
		case ch.recv <- plain:
		case <-ch.closed:
		}
	})
	dc.OnClose(func() {
		ch.closeOnce.Do(func() { close(ch.closed) })
		close(ch.recv)
	})

	return ch, nil
}

func (h *handshake) sendDescription(t protocol.Type, sdp string) error {
	payload, err := json.Marshal(descriptionPayload{SDP: sdp, PublicKey: h.keys.PublicKey()})
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", t, err)
	}
	return h.sig.Send(protocol.NewRelayed(t, payload))
}

// acceptRemote installs the peer description and completes key agreement.
func (h *handshake) acceptRemote(t webrtc.SDPType, p descriptionPayload) ([]byte, error) {
	peerPub, err := ParsePublicKey(p.PublicKey)
	if err != nil {
		return nil, err
	}
	key, err := h.keys.SharedSecret(peerPub, h.link.Secret)
	if err != nil {
		return nil, err
	}

	desc := webrtc.SessionDescription{Type: t, SDP: p.SDP}
	if err := h.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("client: set remote description: %w", err)
	}
	h.remoteSet = true
	for _, cand := range h.candidates {
		if err := h.pc.AddICECandidate(cand); err != nil {
			h.log.Warn("add buffered ice candidate", "err", err)
		}
	}
	h.candidates = nil
	return key, nil
}

func (h *handshake) acceptCandidate(payload json.RawMessage) error {
	var p candidatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("client: decode ice candidate: %w", err)
	}
	if !h.remoteSet {
		h.candidates = append(h.candidates, p.Candidate)
		return nil
	}
	if err := h.pc.AddICECandidate(p.Candidate); err != nil {
		h.log.Warn("add ice candidate", "err", err)
	}
	return nil
}

func (h *handshake) forwardLocalCandidates() {
	h.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(candidatePayload{Candidate: cand.ToJSON()})
		if err != nil {
			return
		}
		if err := h.sig.Send(protocol.NewRelayed(protocol.TypeICECandidate, payload)); err != nil {
			h.log.Debug("send ice candidate", "err", err)
		}
	})
}

// CreateSession asks the broker for a fresh session and returns the
// capability link to hand to the peer.
func CreateSession(ctx context.Context, baseURL string, expiresIn time.Duration) (string, error) {
	link, _, err := createSession(ctx, baseURL, expiresIn)
	return link, err
}
