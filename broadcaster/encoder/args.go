package encoder

import (
	"fmt"
	"net/url"
	"strings"
)

// Profile bounds the transcode so every output has the same shape no matter
// what the inputs look like.
type Profile struct {
	VideoCodec   string
	Preset       string
	VideoProfile string
	Level        string
	VideoBitrate string
	MaxRate      string
	BufSize      string
	// Gop is the keyframe interval in frames.
	Gop          int
	PixFmt       string
	AudioCodec   string
	AudioBitrate string
	SampleRate   int
	Channels     int
	Format       string
}

var DefaultProfile = Profile{
	VideoCodec:   "libx264",
	Preset:       "veryfast",
	VideoProfile: "main",
	Level:        "4.1",
	VideoBitrate: "3000k",
	MaxRate:      "4000k",
	BufSize:      "8000k",
	Gop:          60,
	PixFmt:       "yuv420p",
	AudioCodec:   "aac",
	AudioBitrate: "128k",
	SampleRate:   44100,
	Channels:     2,
	Format:       "flv",
}

const remoteProtocols = "file,http,https,tcp,tls,crypto"

// Args builds the encoder argument vector for one spawn. remote enables the
// network protocols the concat demuxer needs to open direct URLs.
func Args(p Profile, manifestPath string, remote bool, endpoint string) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-re", "-f", "concat", "-safe", "0"}
	if remote {
		args = append(args, "-protocol_whitelist", remoteProtocols)
	}
	args = append(args,
		"-i", manifestPath,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-profile:v", p.VideoProfile,
		"-level", p.Level,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-g", fmt.Sprint(p.Gop),
		"-keyint_min", fmt.Sprint(p.Gop),
		"-pix_fmt", p.PixFmt,
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-ar", fmt.Sprint(p.SampleRate),
		"-ac", fmt.Sprint(p.Channels),
		"-f", p.Format,
	)
	if p.Format == "flv" {
		args = append(args, "-flvflags", "no_duration_filesize")
	}
	return append(args, endpoint)
}

// RedactEndpoint hides credentials and the stream key of an output URL.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "<redacted>"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	u.RawQuery = ""
	if i := strings.LastIndex(u.Path, "/"); i >= 0 && i < len(u.Path)-1 {
		u.Path = u.Path[:i+1] + "redacted"
		u.RawPath = ""
	}
	return u.String()
}

// RedactArgs returns a copy of args with the trailing endpoint redacted.
func RedactArgs(args []string) []string {
	out := append([]string(nil), args...)
	if len(out) > 0 {
		out[len(out)-1] = RedactEndpoint(out[len(out)-1])
	}
	return out
}
