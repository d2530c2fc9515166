package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// sampleInterval is the opus frame cadence for the synthetic microphone.
const sampleInterval = 20 * time.Millisecond

// silentOpusFrame is a minimal opus frame decoding to silence. The harness
// has no real capture device; publishing silence keeps the track live so the
// agent hears an open microphone.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// mediaSession publishes one synthetic audio track. SDP and ICE are relayed
// through the control channel via the send callback.
type mediaSession struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool

	stopOnce sync.Once
	stop     chan struct{}
}

func newMediaSession(send func(frame) error) (*mediaSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "harness-mic")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("audio track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	m := &mediaSession{pc: pc, track: track, stop: make(chan struct{})}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		if err := send(frame{Type: frameICE, Candidate: b}); err != nil {
			log.Printf("ROOM: send candidate: %v", err)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := send(frame{Type: frameOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	go m.sampleLoop()
	return m, nil
}

// sampleLoop feeds the track one silence frame per interval while enabled.
func (m *mediaSession) sampleLoop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			on := m.enabled
			m.mu.Unlock()
			if !on {
				continue
			}
			err := m.track.WriteSample(media.Sample{Data: silentOpusFrame, Duration: sampleInterval})
			if err != nil {
				log.Printf("ROOM: write sample: %v", err)
				return
			}
		}
	}
}

func (m *mediaSession) handleAnswer(sdp string) error {
	return m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (m *mediaSession) handleRemoteCandidate(raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("empty candidate")
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return err
	}
	return m.pc.AddICECandidate(cand)
}

func (m *mediaSession) setEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *mediaSession) close() {
	m.stopOnce.Do(func() { close(m.stop) })
	if err := m.pc.Close(); err != nil {
		log.Printf("ROOM: close peer connection: %v", err)
	}
}
