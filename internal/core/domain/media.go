package domain

// MediaKind names an outgoing slot on a peer link.
type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindVideo  MediaKind = "video"
	KindScreen MediaKind = "screen"
)

// MediaKinds lists every slot kind in attach order.
var MediaKinds = []MediaKind{KindAudio, KindVideo, KindScreen}

// IsVideo reports whether the kind travels as a video track.
func (k MediaKind) IsVideo() bool {
	return k == KindVideo || k == KindScreen
}

// ChannelState mirrors the media channel connection state.
type ChannelState string

const (
	ChannelNew          ChannelState = "new"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
	ChannelFailed       ChannelState = "failed"
	ChannelClosed       ChannelState = "closed"
)

// Terminal reports whether the channel must be torn down.
func (s ChannelState) Terminal() bool {
	return s == ChannelFailed || s == ChannelDisconnected || s == ChannelClosed
}
