/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Engine wraps the point-to-point connection primitive used to negotiate a
// direct media path. Implementations must tolerate Close at any point and
// must never apply a candidate before a remote description exists.
type Engine interface {
	// CreateOffer acquires local media, creates a local offer description
	// and returns its SDP for transmission.
	CreateOffer() (string, error)

	// AcceptOffer applies the remote offer, acquires local media, creates a
	// local answer description and returns its SDP.
	AcceptOffer(remoteSDP string) (string, error)

	// ApplyAnswer applies a remote answer to a connection that initiated
	// the offer. Duplicate answers are ignored.
	ApplyAnswer(remoteSDP string) error

	// AddCandidate applies a single remote candidate. Calling it before the
	// remote description is set is a programming error and returns an error.
	AddCandidate(c webrtc.ICECandidateInit) error

	// HasRemoteDescription reports whether a remote description has been
	// applied.
	HasRemoteDescription() bool

	// OnTrack sets the callback fired when remote media becomes available.
	OnTrack(func(track *webrtc.TrackRemote))

	// OnLocalCandidate sets the callback fired for every locally gathered
	// candidate; each must be relayed to the peer immediately.
	OnLocalCandidate(func(c webrtc.ICECandidateInit))

	// OnConnectionStateChange sets the callback fired on raw transport
	// state changes.
	OnConnectionStateChange(func(s webrtc.PeerConnectionState))

	// Close releases local media and closes the connection. Idempotent.
	Close() error
}

// MediaSource is the media-acquisition boundary. A platform without
// real-time media support reports Supported() == false and the calling
// client degrades to ErrCallingUnsupported instead of branching through the
// call logic.
type MediaSource interface {
	// Supported reports whether local media can be acquired at all.
	Supported() bool

	// AcquireTracks returns the local tracks to attach to the connection.
	AcquireTracks() ([]webrtc.TrackLocal, error)

	// Release frees whatever AcquireTracks allocated. Safe to call without
	// a prior successful acquisition.
	Release()
}

// ---- Default media source ----

// rtpMediaSource provides a static RTP audio track. The application feeds
// samples into the track; acquisition itself allocates no devices.
type rtpMediaSource struct {
	mu    sync.Mutex
	track *webrtc.TrackLocalStaticRTP
}

// DefaultMediaSource returns a MediaSource backed by a static Opus RTP track.
func DefaultMediaSource() MediaSource {
	return &rtpMediaSource{}
}

func (m *rtpMediaSource) Supported() bool { return true }

func (m *rtpMediaSource) AcquireTracks() ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"chatline-calling",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	m.track = track
	return []webrtc.TrackLocal{track}, nil
}

func (m *rtpMediaSource) Release() {
	m.mu.Lock()
	m.track = nil
	m.mu.Unlock()
}

// UnsupportedMediaSource returns a MediaSource whose Supported() is false.
// Useful on platforms without real-time media.
func UnsupportedMediaSource() MediaSource {
	return unsupportedMedia{}
}

type unsupportedMedia struct{}

func (unsupportedMedia) Supported() bool { return false }
func (unsupportedMedia) AcquireTracks() ([]webrtc.TrackLocal, error) {
	return nil, ErrCallingUnsupported
}
func (unsupportedMedia) Release() {}

// ---- Pion engine ----

// PionEngine is the production Engine backed by a pion PeerConnection.
type PionEngine struct {
	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	media          MediaSource
	acquired       bool
	closed         bool

	onTrack          func(track *webrtc.TrackRemote)
	onLocalCandidate func(c webrtc.ICECandidateInit)
	onStateChange    func(s webrtc.PeerConnectionState)
}

// NewPionEngine creates a negotiation engine for one call attempt.
// Returns ErrCallingUnsupported when the media source reports no support.
func NewPionEngine(iceServers []webrtc.ICEServer, media MediaSource) (*PionEngine, error) {
	if media == nil {
		media = DefaultMediaSource()
	}
	if !media.Supported() {
		return nil, ErrCallingUnsupported
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// Default interceptors (RTCP reports, NACK, TWCC) are required with a
	// custom MediaEngine, otherwise inbound SRTP is not processed properly
	// and OnTrack may never fire.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	engine := &PionEngine{
		peerConnection: pc,
		media:          media,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		engine.mu.Lock()
		handler := engine.onLocalCandidate
		engine.mu.Unlock()
		if handler != nil {
			handler(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		engine.mu.Lock()
		handler := engine.onStateChange
		engine.mu.Unlock()
		if handler != nil {
			handler(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		engine.mu.Lock()
		handler := engine.onTrack
		engine.mu.Unlock()
		if handler != nil {
			handler(track)
		}
	})

	return engine, nil
}

// OnTrack sets the callback for when remote media is received.
func (e *PionEngine) OnTrack(handler func(track *webrtc.TrackRemote)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrack = handler
}

// OnLocalCandidate sets the callback for locally gathered candidates.
func (e *PionEngine) OnLocalCandidate(handler func(c webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLocalCandidate = handler
}

// OnConnectionStateChange sets the callback for transport state changes.
func (e *PionEngine) OnConnectionStateChange(handler func(s webrtc.PeerConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStateChange = handler
}

// acquireMedia attaches the local tracks to the connection as sendrecv
// transceivers. Caller must hold e.mu.
func (e *PionEngine) acquireMedia() error {
	if e.acquired {
		return nil
	}
	tracks, err := e.media.AcquireTracks()
	if err != nil {
		return fmt.Errorf("failed to acquire local media: %w", err)
	}
	for _, track := range tracks {
		transceiver, err := e.peerConnection.AddTransceiverFromTrack(track,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
		)
		if err != nil {
			e.media.Release()
			return fmt.Errorf("failed to add transceiver: %w", err)
		}

		// Drain RTCP from the sender to keep the connection alive.
		go func() {
			sender := transceiver.Sender()
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}()
	}
	e.acquired = true
	return nil
}

// CreateOffer acquires local media, creates the offer and sets it as the
// local description. Candidates trickle through OnLocalCandidate as they are
// gathered.
func (e *PionEngine) CreateOffer() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", fmt.Errorf("engine is closed")
	}
	if err := e.acquireMedia(); err != nil {
		return "", err
	}

	offer, err := e.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.peerConnection.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// AcceptOffer applies the remote offer, acquires local media and returns the
// local answer's SDP.
func (e *PionEngine) AcceptOffer(remoteSDP string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", fmt.Errorf("engine is closed")
	}
	if err := e.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}

	if err := e.acquireMedia(); err != nil {
		return "", err
	}

	answer, err := e.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.peerConnection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// ApplyAnswer applies a remote answer. If the connection is already stable
// (answer already applied), the duplicate is ignored; the relay may deliver
// the same answer more than once across a reconnect.
func (e *PionEngine) ApplyAnswer(remoteSDP string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	if err := e.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteSDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// AddCandidate applies one remote candidate. The candidate buffer guarantees
// a remote description exists before this is called; violating that is a
// programming error surfaced as an error return.
func (e *PionEngine) AddCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.peerConnection.RemoteDescription() == nil {
		return fmt.Errorf("candidate applied before remote description")
	}
	if err := e.peerConnection.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// HasRemoteDescription reports whether a remote description is applied.
func (e *PionEngine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	return e.peerConnection.RemoteDescription() != nil
}

// Close releases local media and closes the peer connection.
// Safe to call multiple times and safe on a partially constructed engine.
func (e *PionEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.media.Release()
	if e.peerConnection != nil {
		if err := e.peerConnection.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}
