// Package settings holds the tunable detection parameters as named observable
// values, with background load and save through a pluggable codec.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/observable"
)

const (
	colourPrefix     = "colour."
	blobDetectorName = "blob_detector"
)

// Store maps setting names to observable values. Any goroutine may read; only
// the interactive side and background loads write.
type Store struct {
	mu      sync.RWMutex
	colours map[string]*observable.Value[ColourRange]
	blob    *observable.Value[BlobDetector]

	// Path of the last successful load or save
	Path *observable.Value[string]
	// Added carries the name of each colour created after NewStore, before
	// its value is first written
	Added *observable.Value[string]

	sink  errors.Sink
	log   zerolog.Logger
	codec func(path string) Codec
}

// NewStore creates a store seeded with initial. Failures of background
// operations and panicking subscribers are reported to sink.
func NewStore(initial Values, sink errors.Sink) *Store {
	s := &Store{
		colours: make(map[string]*observable.Value[ColourRange], len(initial.Colours)),
		sink:    sink,
		log:     *logger.WithComponent("settings"),
		codec:   CodecForPath,
	}
	s.blob = observable.New(blobDetectorName, initial.BlobDetector, s.panics())
	s.Path = observable.New("settings.path", "", s.panics())
	s.Added = observable.New("settings.added", "", s.panics())
	for name, r := range initial.Colours {
		s.colours[name] = observable.New(colourPrefix+name, r, s.panics())
	}
	return s
}

func (s *Store) panics() observable.Option {
	return observable.ReportPanics(s.sink)
}

// Colour returns the observable range for a colour, or nil if it is unknown
func (s *Store) Colour(name string) *observable.Value[ColourRange] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.colours[name]
}

// BlobDetector returns the observable blob filter parameters
func (s *Store) BlobDetector() *observable.Value[BlobDetector] {
	return s.blob
}

// Names returns every setting name the store holds
func (s *Store) Names() []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap.Colours)+1)
	for _, c := range snap.ColourNames() {
		names = append(names, colourPrefix+c)
	}
	return append(names, blobDetectorName)
}

// Snapshot reads every value once. Fields are individually consistent; two
// fields may come from different writes.
func (s *Store) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := Values{
		Colours:      make(map[string]ColourRange, len(s.colours)),
		BlobDetector: s.blob.Get(),
	}
	for name, val := range s.colours {
		v.Colours[name] = val.Get()
	}
	return v
}

// SetColour replaces one colour range, adding the colour if it is new
func (s *Store) SetColour(name string, r ColourRange) error {
	if name == "" {
		return fmt.Errorf("empty colour name")
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("colour %s: %w", name, err)
	}
	s.colourValue(name, r).Set(r)
	return nil
}

// SetBlobDetector replaces the blob filter parameters
func (s *Store) SetBlobDetector(b BlobDetector) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("blob_detector: %w", err)
	}
	s.blob.Set(b)
	return nil
}

// Apply writes every field of v. Each write notifies on its own, so observers
// may see some fields updated before others. Colours missing from v keep their
// current values.
func (s *Store) Apply(v Values) error {
	if err := v.Validate(); err != nil {
		return err
	}
	for _, name := range v.ColourNames() {
		r := v.Colours[name]
		s.colourValue(name, r).Set(r)
	}
	s.blob.Set(v.BlobDetector)
	return nil
}

// colourValue returns the value for name, creating it with initial if absent
func (s *Store) colourValue(name string, initial ColourRange) *observable.Value[ColourRange] {
	s.mu.Lock()
	val, ok := s.colours[name]
	if !ok {
		val = observable.New(colourPrefix+name, initial, s.panics())
		s.colours[name] = val
	}
	s.mu.Unlock()

	if !ok {
		s.Added.Set(name)
	}
	return val
}

// Load reads, parses and applies the file at path on the calling goroutine.
// On any failure the store is left unchanged.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &errors.ConfigError{Op: errors.OpLoad, Path: path, Err: err}
	}
	v, err := s.codec(path).Parse(data)
	if err != nil {
		return &errors.ConfigError{Op: errors.OpParse, Path: path, Err: err}
	}
	if err := s.Apply(v); err != nil {
		return &errors.ConfigError{Op: errors.OpParse, Path: path, Err: err}
	}
	s.Path.Set(path)
	s.log.Info().Str("path", path).Int("colours", len(v.Colours)).Msg("Settings loaded")
	return nil
}

// Save snapshots the store and writes it to path
func (s *Store) Save(path string) error {
	return s.write(path, s.Snapshot())
}

func (s *Store) write(path string, v Values) error {
	data, err := s.codec(path).Serialize(v)
	if err != nil {
		return &errors.ConfigError{Op: errors.OpSerialize, Path: path, Err: err}
	}
	if err := writeFile(path, data); err != nil {
		return &errors.ConfigError{Op: errors.OpSave, Path: path, Err: err}
	}
	s.Path.Set(path)
	s.log.Info().Str("path", path).Msg("Settings saved")
	return nil
}

// LoadAsync runs Load on a background goroutine. The outcome is reported to
// the sink on failure and delivered once on the returned channel, which the
// caller may ignore.
func (s *Store) LoadAsync(path string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := s.Load(path)
		errors.Report(s.sink, "settings", err)
		done <- err
	}()
	return done
}

// SaveAsync snapshots the values on the calling goroutine and serializes and
// writes them in the background. Concurrent saves to one path are last writer
// wins.
func (s *Store) SaveAsync(path string) <-chan error {
	snap := s.Snapshot()
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := s.write(path, snap)
		errors.Report(s.sink, "settings", err)
		done <- err
	}()
	return done
}

// writeFile replaces path through a temp file in the same directory so readers
// never see a partial document
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
