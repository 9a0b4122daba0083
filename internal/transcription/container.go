package transcription

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/dhowden/tag"

	"voice-notes-go/internal/types"
)

// container describes a format with a fixed signature near the start.
type container struct {
	name  string
	match func(b []byte) bool
}

var (
	ebml = container{"webm", func(b []byte) bool { return bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}) }}
	ogg  = container{"ogg", func(b []byte) bool { return bytes.HasPrefix(b, []byte("OggS")) }}
	wav  = container{"wav", func(b []byte) bool {
		return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
	}}
	flac = container{"flac", func(b []byte) bool { return bytes.HasPrefix(b, []byte("fLaC")) }}
	mp4  = container{"mp4", func(b []byte) bool { return len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")) }}
	mp3  = container{"mp3", func(b []byte) bool {
		if bytes.HasPrefix(b, []byte("ID3")) {
			return true
		}
		return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
	}}
)

var containers = map[string]container{
	"audio/webm":       ebml,
	"video/webm":       ebml,
	"audio/x-matroska": ebml,
	"audio/ogg":        ogg,
	"audio/opus":       ogg,
	"audio/wav":        wav,
	"audio/x-wav":      wav,
	"audio/wave":       wav,
	"audio/flac":       flac,
	"audio/x-flac":     flac,
	"audio/mp4":        mp4,
	"audio/m4a":        mp4,
	"audio/x-m4a":      mp4,
	"video/mp4":        mp4,
	"audio/mpeg":       mp3,
	"audio/mp3":        mp3,
}

// ContainerError means the bytes cannot be the declared container. Typical
// cause: a fragment cut from a running recorder, without its own header.
type ContainerError struct {
	Mime     string
	Expected string
	Detected string
}

func (e *ContainerError) Error() string {
	msg := fmt.Sprintf("declared %s but data does not start with a %s header", e.Mime, e.Expected)
	if e.Detected != "" {
		msg += fmt.Sprintf(" (looks like %s)", e.Detected)
	}
	return msg
}

// IsContainerError reports whether err came from CheckContainer.
func IsContainerError(err error) bool {
	var ce *ContainerError
	return errors.As(err, &ce)
}

// CheckContainer verifies the magic bytes of known container types. Unknown
// MIME types pass unchecked.
func CheckContainer(mime string, data []byte) error {
	base := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	c, ok := containers[base]
	if !ok {
		return nil
	}
	if c.match(data) {
		return nil
	}
	return types.E(types.KindStructural, "check container", &ContainerError{
		Mime:     base,
		Expected: c.name,
		Detected: sniff(data),
	})
}

// sniff names the container the bytes actually look like, for diagnostics.
func sniff(data []byte) string {
	for _, c := range []container{ebml, ogg, wav, flac, mp4} {
		if c.match(data) {
			return c.name
		}
	}
	_, ft, err := tag.Identify(bytes.NewReader(data))
	if err == nil && ft != tag.UnknownFileType {
		return strings.ToLower(string(ft))
	}
	return ""
}
