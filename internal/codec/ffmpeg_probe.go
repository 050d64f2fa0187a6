package codec

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/pkg/models"
)

const probeTimeout = 5 * time.Second

// ffmpegProfile describes how to drive one ffmpeg encoder
type ffmpegProfile struct {
	name     string
	codec    models.CodecType
	hardware bool
	tuning   []string
}

// knownEncoders lists the ffmpeg encoders in preference order
var knownEncoders = []ffmpegProfile{
	{name: "h264_nvenc", codec: models.CodecH264, hardware: true, tuning: []string{"-preset", "p1", "-tune", "ll", "-zerolatency", "1", "-rc", "cbr"}},
	{name: "h264_qsv", codec: models.CodecH264, hardware: true, tuning: []string{"-preset", "veryfast", "-look_ahead", "0"}},
	{name: "h264_videotoolbox", codec: models.CodecH264, hardware: true, tuning: []string{"-realtime", "1"}},
	{name: "libx264", codec: models.CodecH264, tuning: []string{"-preset", "ultrafast", "-tune", "zerolatency"}},
	{name: "hevc_nvenc", codec: models.CodecH265, hardware: true, tuning: []string{"-preset", "p1", "-tune", "ll", "-zerolatency", "1", "-rc", "cbr"}},
	{name: "hevc_qsv", codec: models.CodecH265, hardware: true, tuning: []string{"-preset", "veryfast", "-look_ahead", "0"}},
	{name: "hevc_videotoolbox", codec: models.CodecH265, hardware: true, tuning: []string{"-realtime", "1"}},
	{name: "libx265", codec: models.CodecH265, tuning: []string{"-preset", "ultrafast", "-tune", "zerolatency", "-x265-params", "log-level=error"}},
}

func lookupProfile(name string) (ffmpegProfile, bool) {
	for _, p := range knownEncoders {
		if p.name == name {
			return p, true
		}
	}
	return ffmpegProfile{}, false
}

// pixFmt maps a color format to the ffmpeg rawvideo pixel format
func pixFmt(color models.ColorFormat) string {
	if color == models.ColorFormatSemiPlanar {
		return "nv12"
	}
	return "yuv420p"
}

// buildArgs returns the ffmpeg command line: raw frames on stdin, Annex-B on stdout
func buildArgs(p ffmpegProfile, f models.MediaFormat) []string {
	gop := f.FrameRate * f.KeyFrameInterval
	if gop <= 0 {
		gop = 1
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", pixFmt(f.ColorFormat),
		"-video_size", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-framerate", strconv.Itoa(f.FrameRate),
		"-i", "pipe:0",
		"-an",
		"-c:v", p.name,
		"-b:v", strconv.Itoa(f.Bitrate),
		"-maxrate", strconv.Itoa(f.Bitrate),
		"-bufsize", strconv.Itoa(f.Bitrate),
		"-g", strconv.Itoa(gop),
		"-bf", "0",
	}
	args = append(args, p.tuning...)

	if p.codec == models.CodecH264 {
		if name := h264ProfileName(f.Profile); name != "" {
			args = append(args, "-profile:v", name)
		}
		if f.Level > 0 {
			args = append(args, "-level", fmt.Sprintf("%d.%d", f.Level/10, f.Level%10))
		}
	}

	format := "h264"
	if p.codec == models.CodecH265 {
		format = "hevc"
	}
	return append(args, "-flush_packets", "1", "-f", format, "pipe:1")
}

func h264ProfileName(idc int) string {
	switch idc {
	case 66:
		return "baseline"
	case 77:
		return "main"
	case 100:
		return "high"
	}
	return ""
}

// parsePixelFormats extracts the color formats an encoder accepts from the
// output of `ffmpeg -h encoder=NAME`, in the encoder's order
func parsePixelFormats(help string) []models.ColorFormat {
	var formats []models.ColorFormat
	scanner := bufio.NewScanner(strings.NewReader(help))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "Supported pixel formats:")
		if !ok {
			continue
		}
		for _, field := range strings.Fields(rest) {
			var color models.ColorFormat
			switch field {
			case "yuv420p":
				color = models.ColorFormatPlanar
			case "nv12":
				color = models.ColorFormatSemiPlanar
			default:
				continue
			}
			if !containsColor(formats, color) {
				formats = append(formats, color)
			}
		}
	}
	return formats
}

func containsColor(formats []models.ColorFormat, c models.ColorFormat) bool {
	for _, f := range formats {
		if f == c {
			return true
		}
	}
	return false
}

// CheckFFmpegAvailable checks if ffmpeg is installed and reachable
func CheckFFmpegAvailable(path string) error {
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.Command(path, "-hide_banner", "-version")
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "ffmpeg not available at %q", path)
	}
	return nil
}

// RegisterFFmpegEncoders probes the local ffmpeg binary and registers every
// known encoder it provides. It returns the number of encoders registered.
func RegisterFFmpegEncoders(ctx context.Context, reg *Registry, opts FFmpegOptions) (int, error) {
	opts = opts.withDefaults()
	if err := CheckFFmpegAvailable(opts.Path); err != nil {
		return 0, err
	}

	registered := 0
	for _, p := range knownEncoders {
		formats, err := probeEncoder(ctx, opts.Path, p.name)
		if err != nil {
			opts.Logger.Debug("ffmpeg encoder unavailable", zap.String("encoder", p.name), zap.Error(err))
			continue
		}
		if len(formats) == 0 {
			opts.Logger.Debug("ffmpeg encoder accepts no usable pixel format", zap.String("encoder", p.name))
			continue
		}

		name := p.name
		reg.Register(Info{
			Name:         name,
			Codec:        p.codec,
			Hardware:     p.hardware,
			ColorFormats: formats,
			New: func() (Encoder, error) {
				return NewFFmpegEncoder(name, opts)
			},
		})
		registered++
		opts.Logger.Info("registered ffmpeg encoder",
			zap.String("encoder", name),
			zap.String("codec", string(p.codec)),
			zap.Bool("hardware", p.hardware))
	}
	return registered, nil
}

func probeEncoder(ctx context.Context, path, name string) ([]models.ColorFormat, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-h", "encoder="+name).CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "probe %s", name)
	}
	if strings.Contains(string(out), "is not recognized") {
		return nil, errors.Errorf("encoder %s not built into ffmpeg", name)
	}
	return parsePixelFormats(string(out)), nil
}
