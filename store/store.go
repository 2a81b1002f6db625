package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
)

// ErrNoData is returned when the cache or status file does not exist yet
var ErrNoData = errors.New("no data available")

// Config locates the cache and status files
type Config struct {
	DataFile   string `mapstructure:"data_file"`
	StatusFile string `mapstructure:"status_file"`
}

// DefaultConfig returns the paths the API expects by default
func DefaultConfig() Config {
	return Config{
		DataFile:   "/tmp/bms_latest.json",
		StatusFile: "/tmp/bms_status.json",
	}
}

// Store persists the latest snapshot and the service status as JSON files.
// Writers replace files atomically; readers may see a file briefly absent.
type Store struct {
	fs         afero.Fs
	cfg        Config
	thresholds metrics.Thresholds
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a store on fs
func New(fs afero.Fs, cfg Config, th metrics.Thresholds) *Store {
	return &Store{
		fs:         fs,
		cfg:        cfg,
		thresholds: th,
		now:        time.Now,
		logger:     log.With().Str("component", "store").Logger(),
	}
}

// Config returns the file locations
func (s *Store) Config() Config {
	return s.cfg
}

// Name identifies the store among publishers
func (s *Store) Name() string {
	return "cache"
}

// PublishSnapshot writes the cache document for a completed poll cycle
func (s *Store) PublishSnapshot(snap common.TelemetrySnapshot) error {
	doc := NewDocument(snap, metrics.Compute(snap, s.now(), s.thresholds))
	if err := s.writeJSON(s.cfg.DataFile, doc); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	s.logger.Debug().Str("file", s.cfg.DataFile).Bool("data_found", doc.DataFound).Msg("cache updated")
	return nil
}

// PublishError replaces the cache with an explicit error record
func (s *Store) PublishError(rec common.ErrorRecord) error {
	if err := s.writeJSON(s.cfg.DataFile, rec); err != nil {
		return fmt.Errorf("write error record: %w", err)
	}
	return nil
}

// PublishStatus writes the status file
func (s *Store) PublishStatus(st common.ServiceStatus) error {
	if err := s.writeJSON(s.cfg.StatusFile, st); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadDocument loads the cache document
func (s *Store) ReadDocument() (*Document, error) {
	var doc Document
	if err := s.readJSON(s.cfg.DataFile, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadRaw loads the cache document as a generic map so that unknown keys survive
func (s *Store) ReadRaw() (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	if err := s.readJSON(s.cfg.DataFile, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ReadStatus loads the status file
func (s *Store) ReadStatus() (*common.ServiceStatus, error) {
	var st common.ServiceStatus
	if err := s.readJSON(s.cfg.StatusFile, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// DataModTime returns the cache file modification time
func (s *Store) DataModTime() (time.Time, error) {
	info, err := s.fs.Stat(s.cfg.DataFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, ErrNoData
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (s *Store) readJSON(path string, v interface{}) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoData
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSON writes to a temp file in the target directory and renames it over the target
func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil {
		s.logger.Debug().Err(err).Msg("chmod temp file")
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	return nil
}
