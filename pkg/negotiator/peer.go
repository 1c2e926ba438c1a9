package negotiator

import (
	"context"
	"errors"

	"github.com/harunnryd/parla/pkg/transports/datachannel"
	"github.com/pion/webrtc/v4"
)

// Peer is the slice of a WebRTC peer connection the negotiator drives.
type Peer interface {
	OnRemoteTrack(fn func(track *webrtc.TrackRemote))
	OnStateChange(fn func(state webrtc.PeerConnectionState))
	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (datachannel.Channel, error)
	// CreateOffer sets the local description and returns the offer SDP once
	// ICE gathering completes.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	Close() error
}

// PeerFactory creates a Peer.
type PeerFactory func(cfg webrtc.Configuration) (Peer, error)

// NewPionPeer is the default PeerFactory.
func NewPionPeer(cfg webrtc.Configuration) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) CreateDataChannel(label string) (datachannel.Channel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description missing after gathering")
	}
	return local.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) Close() error { return p.pc.Close() }
