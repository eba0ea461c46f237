package face

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const defaultSocketTimeout = 2 * time.Second

// YuNetClient asks an out-of-process YuNet worker on a unix socket for face
// boxes. One connection per frame; safe for concurrent use.
type YuNetClient struct {
	socketPath string
	timeout    time.Duration
}

// socketRequest carries one frame as packed RGB rows.
type socketRequest struct {
	Height int    `msgpack:"h"`
	Width  int    `msgpack:"w"`
	Pixels []byte `msgpack:"d"`
}

type socketBox struct {
	X     float32   `msgpack:"x"`
	Y     float32   `msgpack:"y"`
	W     float32   `msgpack:"w"`
	H     float32   `msgpack:"h"`
	Score float32   `msgpack:"c"`
	Marks []float32 `msgpack:"l"`
}

type socketResponse struct {
	Boxes   []socketBox `msgpack:"detections"`
	Elapsed float32     `msgpack:"inference_ms"`
	Error   string      `msgpack:"error,omitempty"`
}

func NewYuNetClient(socketPath string, timeout time.Duration) *YuNetClient {
	if timeout <= 0 {
		timeout = defaultSocketTimeout
	}
	return &YuNetClient{socketPath: socketPath, timeout: timeout}
}

func (c *YuNetClient) Close() error { return nil }

func (c *YuNetClient) Detect(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YuNet worker: %w", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	b := img.Bounds()
	req := socketRequest{Height: b.Dy(), Width: b.Dx(), Pixels: packRGB(img)}
	if err := msgpack.NewEncoder(conn).Encode(&req); err != nil {
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}
	// the worker reads to EOF before answering
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, err
		}
	}

	var resp socketResponse
	if err := msgpack.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read worker reply: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New("YuNet worker: " + resp.Error)
	}

	out := make([]FaceDetection, 0, len(resp.Boxes))
	for _, box := range resp.Boxes {
		out = append(out, FaceDetection{X: box.X, Y: box.Y, Width: box.W, Height: box.H, Confidence: box.Score})
	}
	return out, nil
}

// packRGB flattens img into H*W*3 bytes starting at its origin.
func packRGB(img image.Image) []byte {
	b := img.Bounds()
	buf := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			buf = append(buf, c.R, c.G, c.B)
		}
	}
	return buf
}
