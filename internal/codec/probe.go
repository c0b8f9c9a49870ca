package codec

import "bytes"

// Container identifies a sniffed audio container format.
type Container string

const (
	ContainerOgg     Container = "ogg"
	ContainerWebM    Container = "webm"
	ContainerRIFF    Container = "riff"
	ContainerPCM     Container = "pcm"
	ContainerUnknown Container = "unknown"
)

// Probe inspects the leading bytes of a stream and reports its container,
// letting the Arming pipeline skip transcoding when the source is already
// playable Opus/Ogg/WebM. RIFF/WAV is recognised but still routed through
// ffmpeg, since the voice transport only accepts Opus.
func Probe(head []byte) Container {
	switch {
	case bytes.HasPrefix(head, []byte("OggS")):
		return ContainerOgg
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ContainerWebM
	case bytes.HasPrefix(head, []byte("RIFF")):
		return ContainerRIFF
	default:
		return ContainerUnknown
	}
}

// CanPassthrough reports whether a sniffed container can be handed to the
// Player directly, without spawning ffmpeg.
func (c Container) CanPassthrough() bool {
	switch c {
	case ContainerOgg, ContainerWebM:
		return true
	default:
		return false
	}
}
