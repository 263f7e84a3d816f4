package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	_ "golang.org/x/image/tiff"
)

// MaxSize is the largest image the processing service accepts.
const MaxSize = 20 << 20

// Format is the detected content type of an image.
type Format string

const (
	FormatUnknown Format = ""
	FormatPNG     Format = "image/png"
	FormatJPEG    Format = "image/jpeg"
	FormatTIFF    Format = "image/tiff"
)

var (
	ErrTooLarge            = errors.New("image exceeds 20 MiB")
	ErrUnsupportedFormat   = errors.New("image has unsupported magic number")
	ErrUnsupportedProtocol = errors.New("protocol not supported")
	ErrNotLoaded           = errors.New("image data not loaded")
)

var protocol = regexp.MustCompile(`(?i)^[a-z]+://`)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Image is a page image, either held in memory or referenced by URL.
type Image struct {
	data []byte
	url  *url.URL
}

// FromBytes wraps image data already in memory.
func FromBytes(data []byte) *Image {
	return &Image{data: bytes.Clone(data)}
}

// Parse interprets input as a URL when it carries a scheme and as a file
// path otherwise. Nothing is read.
func Parse(input string) (*Image, error) {
	if protocol.MatchString(input) {
		u, err := url.Parse(input)
		if err != nil {
			return nil, fmt.Errorf("invalid image url %q: %w", input, err)
		}
		return &Image{url: u}, nil
	}

	abs, err := filepath.Abs(input)
	if err != nil {
		return nil, fmt.Errorf("invalid image path %q: %w", input, err)
	}
	return &Image{url: &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}}, nil
}

// Open parses input and loads it. Remote images are only downloaded when
// download is set; otherwise they are submitted by URL.
func Open(ctx context.Context, input string, client Doer, download bool) (*Image, error) {
	img, err := Parse(input)
	if err != nil {
		return nil, err
	}
	if err := img.Load(ctx, client, download); err != nil {
		return nil, err
	}
	return img, nil
}

// Load reads the image data from its URL. It is a no-op for images that
// are already in memory.
func (img *Image) Load(ctx context.Context, client Doer, download bool) error {
	if img.data != nil {
		return nil
	}
	if img.url == nil {
		return ErrNotLoaded
	}

	switch img.url.Scheme {
	case "file":
		data, err := readFile(filepath.FromSlash(img.url.Path))
		if err != nil {
			return err
		}
		img.data = data
	case "http", "https":
		if !download {
			return nil
		}
		if client == nil {
			client = http.DefaultClient
		}
		data, err := fetch(ctx, client, img.url.String())
		if err != nil {
			return err
		}
		img.data = data
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, img.url)
	}

	return nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}

	return data, nil
}

func fetch(ctx context.Context, client Doer, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("cannot open %s: %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", rawURL, err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}

	return data, nil
}

// Data returns the loaded bytes or nil.
func (img *Image) Data() []byte { return img.data }

// URL returns the source URL, if any.
func (img *Image) URL() *url.URL { return img.url }

// Remote reports whether the image will be submitted by URL.
func (img *Image) Remote() bool { return img.data == nil && img.url != nil }

// Format sniffs the magic number of the loaded data.
func (img *Image) Format() Format {
	return Sniff(img.data)
}

// Sniff detects PNG, JPEG and TIFF data by magic number.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
		return FormatPNG
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return FormatJPEG
	case bytes.HasPrefix(data, []byte{'I', 'I', 42, 0}), bytes.HasPrefix(data, []byte{'M', 'M', 0, 42}):
		return FormatTIFF
	default:
		return FormatUnknown
	}
}

// Validate checks the size and format of the loaded data. Remote images
// that were not downloaded are left to the service.
func (img *Image) Validate() error {
	if img.Remote() {
		return nil
	}
	if img.data == nil {
		return ErrNotLoaded
	}
	if len(img.data) > MaxSize {
		return ErrTooLarge
	}
	if img.Format() == FormatUnknown {
		return ErrUnsupportedFormat
	}
	return nil
}

// Dimensions decodes the image header and returns its width and height.
func (img *Image) Dimensions() (int, int, error) {
	if img.data == nil {
		return 0, 0, ErrNotLoaded
	}

	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(img.data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// MarshalJSON encodes loaded images as {"base64": ...} and remote ones as
// {"imageUrl": ...}.
func (img *Image) MarshalJSON() ([]byte, error) {
	switch {
	case img.data != nil:
		return json.Marshal(struct {
			Base64 string `json:"base64"`
		}{base64.StdEncoding.EncodeToString(img.data)})
	case img.url != nil:
		return json.Marshal(struct {
			ImageURL string `json:"imageUrl"`
		}{img.url.String()})
	default:
		return nil, ErrNotLoaded
	}
}
