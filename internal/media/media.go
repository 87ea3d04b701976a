// Package media turns captured photos into upload-ready blobs: decoded with
// EXIF orientation applied, downscaled, and re-encoded as JPEG. The blobs are
// what the synchronizer stores in the media collection until upload.
package media

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/ecotrack/ecotrack/internal/model"
)

const (
	DefaultMaxDimension = 1920
	DefaultJPEGQuality  = 80

	contentTypeJPEG = "image/jpeg"
)

// Blob is a prepared photo awaiting upload.
type Blob struct {
	ID          string          `json:"id"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	Data        []byte          `json:"data"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Location    *model.Location `json:"location,omitempty"`
	TakenAt     *time.Time      `json:"taken_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RecordKey implements store.Record.
func (b *Blob) RecordKey() string { return b.ID }

// Options tunes a Preparer. Zero values take the defaults.
type Options struct {
	MaxDimension int
	JPEGQuality  int
	Logger       *slog.Logger
}

// Preparer normalises photos before they are queued.
type Preparer struct {
	maxDim  int
	quality int
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Preparer.
func New(opts Options) *Preparer {
	p := &Preparer{
		maxDim:  opts.MaxDimension,
		quality: opts.JPEGQuality,
		log:     opts.Logger,
		now:     time.Now,
	}
	if p.maxDim <= 0 {
		p.maxDim = DefaultMaxDimension
	}
	if p.quality <= 0 || p.quality > 100 {
		p.quality = DefaultJPEGQuality
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Prepare decodes data, applies the EXIF orientation, fits it within the
// maximum dimension and re-encodes it as JPEG. GPS position and capture time
// are read from the original EXIF block, since re-encoding drops it. Data that
// is not a decodable image is rejected with a *model.ValidationError.
func (p *Preparer) Prepare(data []byte, filename string) (*Blob, error) {
	if len(data) == 0 {
		return nil, &model.ValidationError{Field: "photos", Reason: fmt.Sprintf("%s is empty", displayName(filename))}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &model.ValidationError{Field: "photos", Reason: fmt.Sprintf("%s is not a supported image: %v", displayName(filename), err)}
	}

	b := img.Bounds()
	if b.Dx() > p.maxDim || b.Dy() > p.maxDim {
		img = imaging.Fit(img, p.maxDim, p.maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", displayName(filename), err)
	}

	blob := &Blob{
		ID:          uuid.NewString(),
		Filename:    jpegName(filename),
		ContentType: contentTypeJPEG,
		Data:        buf.Bytes(),
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
		CreatedAt:   p.now().UTC(),
	}
	p.readEXIF(data, blob)

	p.log.Debug("photo prepared",
		"media_id", blob.ID,
		"original_bytes", len(data),
		"prepared_bytes", len(blob.Data),
		"width", blob.Width,
		"height", blob.Height,
	)
	return blob, nil
}

// readEXIF copies GPS and capture time into blob when present. Photos
// without EXIF are common (screenshots, PNGs) and not an error.
func (p *Preparer) readEXIF(data []byte, blob *Blob) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}
	if lat, lng, err := x.LatLong(); err == nil && validCoords(lat, lng) {
		blob.Location = &model.Location{Lat: lat, Lng: lng}
	}
	if t, err := x.DateTime(); err == nil {
		t = t.UTC()
		blob.TakenAt = &t
	}
}

func validCoords(lat, lng float64) bool {
	if lat == 0 && lng == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func jpegName(filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == "/" || base == "" {
		return "photo.jpg"
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
}

func displayName(filename string) string {
	if filename == "" {
		return "photo"
	}
	return filepath.Base(filename)
}
