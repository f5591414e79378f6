package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
)

// maxImageEdge is the longest edge sent to vision models; larger images
// are downscaled before encoding.
const maxImageEdge = 2048

// attachMedia loads the message's media descriptors into the provider
// message. Unreadable or oversized files are skipped with a bracketed note
// appended to the text so the model knows something was dropped.
func (cb *ContextBuilder) attachMedia(msg *providers.Message, media []bus.MediaDescriptor) {
	var notes []string
	for _, m := range media {
		info, err := os.Stat(m.Path)
		if err != nil {
			slog.Warn("media unreadable", "path", m.Path, "error", err)
			notes = append(notes, fmt.Sprintf("[attachment %s could not be read]", filepath.Base(m.Path)))
			continue
		}
		if cb.cfg.MediaMaxBytes > 0 && info.Size() > cb.cfg.MediaMaxBytes {
			notes = append(notes, fmt.Sprintf("[attachment %s omitted: %d bytes exceeds the %d byte limit]",
				filepath.Base(m.Path), info.Size(), cb.cfg.MediaMaxBytes))
			continue
		}

		mime := m.MIME
		if mime == "" {
			mime = inferMime(m.Path)
		}
		switch {
		case strings.HasPrefix(mime, "image/"):
			img, err := loadImage(m.Path, mime)
			if err != nil {
				slog.Warn("media decode failed", "path", m.Path, "error", err)
				notes = append(notes, fmt.Sprintf("[attachment %s could not be decoded]", filepath.Base(m.Path)))
				continue
			}
			msg.Images = append(msg.Images, img)
		case mime == "application/pdf":
			data, err := os.ReadFile(m.Path)
			if err != nil {
				notes = append(notes, fmt.Sprintf("[attachment %s could not be read]", filepath.Base(m.Path)))
				continue
			}
			msg.Files = append(msg.Files, providers.FileContent{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(data),
				Name:     filepath.Base(m.Path),
			})
		default:
			notes = append(notes, fmt.Sprintf("[attachment %s omitted: unsupported type %s]",
				filepath.Base(m.Path), mime))
		}
	}
	if len(notes) > 0 {
		msg.Content = strings.TrimSpace(msg.Content + "\n\n" + strings.Join(notes, "\n"))
	}
}

// loadImage reads an image, downscaling anything over maxImageEdge on the
// long side before base64 encoding.
func loadImage(path, mime string) (providers.ImageContent, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return providers.ImageContent{}, err
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageEdge || bounds.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return providers.ImageContent{}, err
		}
		return providers.ImageContent{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return providers.ImageContent{}, err
	}
	return providers.ImageContent{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func inferMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
