package audio

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

const (
	// SilenceKey names the synthetic asset that is always present
	SilenceKey = "silence"

	silenceSeconds = 10
	// readers start anywhere except the last two seconds
	startReserve = 2 * SampleRate

	// DefaultMaxAssetBytes is the per-file load cap
	DefaultMaxAssetBytes = 10 << 20
)

// defaultVolumes holds tuned playback volumes; anything unlisted is foreground at 1.0
var defaultVolumes = map[string]float64{
	"office":      0.5,
	"call-center": 0.75,
	"cafe":        0.3,
	"static":      0.2,
	"typing":      0.4,
	"keyboard":    0.35,
	SilenceKey:    1.0,
}

// Asset is a preloaded μ-law clip shared read-only by all sessions.
type Asset struct {
	Name   string
	Data   []byte
	Volume float64
}

// Catalog holds every named asset loaded at startup.
type Catalog struct {
	assets map[string]*Asset
	keys   []string
}

// NewCatalog builds a catalog from in-memory assets plus the silence asset.
func NewCatalog(assets ...*Asset) *Catalog {
	c := &Catalog{assets: make(map[string]*Asset, len(assets)+1)}
	c.add(&Asset{Name: SilenceKey, Data: Silence(silenceSeconds * SampleRate), Volume: 1.0})
	for _, a := range assets {
		if a == nil || len(a.Data) == 0 {
			continue
		}
		c.add(a)
	}
	return c
}

func (c *Catalog) add(a *Asset) {
	if _, exists := c.assets[a.Name]; !exists {
		c.keys = append(c.keys, a.Name)
		sort.Strings(c.keys)
	}
	c.assets[a.Name] = a
}

// LoadCatalog reads every .ulaw, .raw and .wav file in dir. Files over
// maxBytes or that fail to decode are skipped with a warning. An empty dir
// yields a catalog holding only silence.
func LoadCatalog(dir string, maxBytes int64, logger zerolog.Logger) (*Catalog, error) {
	c := NewCatalog()
	if dir == "" {
		return c, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAssetBytes
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read audio asset dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".ulaw" && ext != ".raw" && ext != ".wav" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable audio asset")
			continue
		}
		if info.Size() > maxBytes {
			logger.Warn().
				Str("file", path).
				Int64("size", info.Size()).
				Int64("max_bytes", maxBytes).
				Msg("Skipping oversized audio asset")
			continue
		}

		var data []byte
		if ext == ".wav" {
			data, err = loadWAV(path)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Skipping audio asset")
			continue
		}
		if len(data) == 0 {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		vol, ok := defaultVolumes[name]
		if !ok {
			vol = 1.0
		}
		c.add(&Asset{Name: name, Data: data, Volume: vol})
		logger.Debug().Str("asset", name).Int("bytes", len(data)).Float64("volume", vol).Msg("Loaded audio asset")
	}

	logger.Info().Int("assets", len(c.keys)).Strs("names", c.Names()).Str("dir", dir).Msg("Audio catalog loaded")
	return c, nil
}

// loadWAV decodes a PCM WAV file to 8kHz mono μ-law
func loadWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("empty wav file")
	}

	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			channels = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			rate = buf.Format.SampleRate
		}
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}

	samples := toInt16(downmix(buf.Data, channels), bitDepth)
	return Encode(Resample(samples, rate, SampleRate)), nil
}

// Get returns the named asset.
func (c *Catalog) Get(name string) (*Asset, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.assets[name]
	return a, ok
}

// Names returns the catalog keys in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.keys...)
}

// SelectRandom picks a uniformly random key. With excludeSilence and no other
// asset loaded it returns "".
func (c *Catalog) SelectRandom(excludeSilence bool) string {
	keys := c.keys
	if excludeSilence {
		keys = make([]string, 0, len(c.keys))
		for _, k := range c.keys {
			if k != SilenceKey {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return ""
	}
	return keys[rand.IntN(len(keys))]
}

// NewReader returns a circular reader over the named asset, starting at a
// random offset so concurrent sessions do not loop in sync.
func (c *Catalog) NewReader(name string) (*Reader, error) {
	a, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown audio asset %q", name)
	}
	start := 0
	if len(a.Data) > startReserve {
		start = rand.IntN(len(a.Data) - startReserve)
	}
	return &Reader{asset: a, pos: start}, nil
}

// NewReaderAt returns a circular reader starting at offset.
func (c *Catalog) NewReaderAt(name string, offset int) (*Reader, error) {
	a, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown audio asset %q", name)
	}
	if offset < 0 {
		offset = 0
	}
	return &Reader{asset: a, pos: offset % len(a.Data)}, nil
}

// Close releases the loaded buffers. Readers created earlier stay usable.
func (c *Catalog) Close() {
	c.assets = map[string]*Asset{}
	c.keys = nil
}

// Reader walks one asset circularly. It is not safe for concurrent use.
type Reader struct {
	asset *Asset
	pos   int
}

// Next returns n bytes, wrapping past the end of the asset.
func (r *Reader) Next(n int) []byte {
	data := r.asset.Data
	out := make([]byte, n)
	for filled := 0; filled < n; {
		c := copy(out[filled:], data[r.pos:])
		filled += c
		r.pos = (r.pos + c) % len(data)
	}
	return out
}

// Offset returns the current read position.
func (r *Reader) Offset() int {
	return r.pos
}

// Volume returns the asset's tuned playback volume.
func (r *Reader) Volume() float64 {
	return r.asset.Volume
}

// Name returns the asset name.
func (r *Reader) Name() string {
	return r.asset.Name
}
