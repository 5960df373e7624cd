package web

import (
	"bytes"
	"image"
	"image/jpeg"
	"time"

	"github.com/disintegration/gift"
)

const thumbWidth = 320

// Thumbnail scales img to width, keeping the aspect ratio. Images already
// narrower than width are returned as is.
func Thumbnail(img image.Image, width int) image.Image {
	if img.Bounds().Dx() <= width {
		return img
	}
	g := gift.New(gift.Resize(width, 0, gift.LinearResampling))
	dst := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// WantsFrame reports whether a camera viewer is connected and the preview
// rate allows another frame. Callers use it to skip preparing frames.
func (s *Server) WantsFrame() bool {
	if s.cameraHub.ClientCount() == 0 {
		return false
	}
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return time.Since(s.lastFrame) >= cameraInterval
}

// SendFrame publishes a thumbnail of the annotated frame on /ws/camera.
// Frames are skipped while nobody watches and above the camera rate.
func (s *Server) SendFrame(img image.Image) {
	if s.cameraHub.ClientCount() == 0 {
		return
	}

	s.frameMu.Lock()
	if time.Since(s.lastFrame) < cameraInterval {
		s.frameMu.Unlock()
		return
	}
	s.lastFrame = time.Now()
	s.frameMu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Thumbnail(img, thumbWidth), &jpeg.Options{Quality: s.Quality}); err != nil {
		s.logger.Debug("frame encode failed", "error", err)
		return
	}
	s.cameraHub.BroadcastBinary(buf.Bytes())
}
