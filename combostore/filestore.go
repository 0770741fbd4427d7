// Package combostore persists per-pump pairing state as one YAML document
// per Bluetooth address under a base directory. Writes go through a
// temp-file-and-rename sequence with fsync, so the transmit nonce on disk
// is never torn and never behind a packet already sent.
package combostore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/accu-chek/combodriver/pump"
)

// ErrNoState indicates no persisted state exists for the pump.
var ErrNoState = errors.New("combostore: no persisted state for pump")

// stateDoc is the on-disk YAML shape.
type stateDoc struct {
	Pairing pairingDoc `koanf:"pairing" yaml:"pairing"`
	Nonce   string     `koanf:"nonce" yaml:"nonce"`
}

// pairingDoc holds the hex-encoded pairing credentials.
type pairingDoc struct {
	ClientPumpKey      string `koanf:"client_pump_key" yaml:"client_pump_key"`
	PumpClientKey      string `koanf:"pump_client_key" yaml:"pump_client_key"`
	KeyResponseAddress uint8  `koanf:"key_response_address" yaml:"key_response_address"`
}

// FileStore implements pump.Store on a directory of YAML files.
type FileStore struct {
	logger *slog.Logger
	dir    string
}

// New creates a FileStore rooted at dir, creating the directory if needed.
func New(logger *slog.Logger, dir string) (*FileStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("combostore: create %s: %w", dir, err)
	}
	return &FileStore{
		logger: logger.With(slog.String("component", "combostore.filestore")),
		dir:    dir,
	}, nil
}

// path maps a pump address to its state file.
func (s *FileStore) path(addr pump.Address) string {
	name := strings.ReplaceAll(addr.String(), ":", "-") + ".yaml"
	return filepath.Join(s.dir, name)
}

// HasState reports whether a state file exists for addr.
func (s *FileStore) HasState(_ context.Context, addr pump.Address) (bool, error) {
	_, err := os.Stat(s.path(addr))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("combostore: stat: %w", err)
	}
	return true, nil
}

// Load returns the persisted pairing data for addr.
func (s *FileStore) Load(_ context.Context, addr pump.Address) (pump.PairingData, error) {
	doc, err := s.read(addr)
	if err != nil {
		return pump.PairingData{}, err
	}

	var data pump.PairingData
	if err := decodeKey(doc.Pairing.ClientPumpKey, data.ClientPumpKey[:]); err != nil {
		return pump.PairingData{}, fmt.Errorf("combostore: client_pump_key: %w", err)
	}
	if err := decodeKey(doc.Pairing.PumpClientKey, data.PumpClientKey[:]); err != nil {
		return pump.PairingData{}, fmt.Errorf("combostore: pump_client_key: %w", err)
	}
	data.KeyResponseAddress = doc.Pairing.KeyResponseAddress
	return data, nil
}

// Store persists pairing data for addr, preserving any stored nonce.
func (s *FileStore) Store(ctx context.Context, addr pump.Address, data pump.PairingData) error {
	nonce, err := s.LoadNonce(ctx, addr)
	if err != nil && !errors.Is(err, ErrNoState) {
		return err
	}
	return s.write(addr, data, nonce)
}

// LoadNonce returns the persisted transmit nonce for addr.
func (s *FileStore) LoadNonce(_ context.Context, addr pump.Address) (pump.Nonce, error) {
	doc, err := s.read(addr)
	if err != nil {
		return pump.Nonce{}, err
	}

	var nonce pump.Nonce
	raw, err := hex.DecodeString(doc.Nonce)
	if err != nil || len(raw) != pump.NonceLen {
		return pump.Nonce{}, fmt.Errorf("combostore: malformed nonce %q", doc.Nonce)
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// StoreNonce persists the transmit nonce for addr. The write is durable
// before StoreNonce returns.
func (s *FileStore) StoreNonce(ctx context.Context, addr pump.Address, n pump.Nonce) error {
	data, err := s.Load(ctx, addr)
	if err != nil && !errors.Is(err, ErrNoState) {
		return err
	}
	return s.write(addr, data, n)
}

// Delete removes all persisted state for addr.
func (s *FileStore) Delete(_ context.Context, addr pump.Address) error {
	err := os.Remove(s.path(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("combostore: delete: %w", err)
	}
	return nil
}

// read loads and parses one state file through koanf.
func (s *FileStore) read(addr pump.Address) (stateDoc, error) {
	path := s.path(addr)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return stateDoc{}, fmt.Errorf("%w: %s", ErrNoState, addr)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return stateDoc{}, fmt.Errorf("combostore: load %s: %w", path, err)
	}
	var doc stateDoc
	if err := k.Unmarshal("", &doc); err != nil {
		return stateDoc{}, fmt.Errorf("combostore: unmarshal %s: %w", path, err)
	}
	return doc, nil
}

// write atomically replaces the state file for addr: marshal to a temp
// file in the same directory, fsync it, rename it over the target, and
// fsync the directory so the rename itself is durable.
func (s *FileStore) write(addr pump.Address, data pump.PairingData, nonce pump.Nonce) error {
	doc := stateDoc{
		Pairing: pairingDoc{
			ClientPumpKey:      hex.EncodeToString(data.ClientPumpKey[:]),
			PumpClientKey:      hex.EncodeToString(data.PumpClientKey[:]),
			KeyResponseAddress: data.KeyResponseAddress,
		},
		Nonce: hex.EncodeToString(nonce[:]),
	}
	raw, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("combostore: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("combostore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("combostore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("combostore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("combostore: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("combostore: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path(addr)); err != nil {
		return fmt.Errorf("combostore: rename: %w", err)
	}

	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("combostore: open dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("combostore: sync dir: %w", err)
	}
	return nil
}

// decodeKey parses a hex-encoded cipher key into dst.
func decodeKey(src string, dst []byte) error {
	raw, err := hex.DecodeString(src)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key is %d bytes, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
