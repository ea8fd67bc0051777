// Package state persists the girder snapshot: locally as a JSON file, or
// remotely in GCS or S3. All backends share the same document format,
// transparent encryption, and write-time serial handling.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/ir"
)

// Manager stores the snapshot in a local file. The zero serial and empty
// lineage mark a snapshot that has never been written.
type Manager struct {
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the state file location.
func (m *Manager) Path() string {
	return m.path
}

// Read loads the snapshot, transparently decrypting it when needed. A
// missing file reads as a fresh empty snapshot.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return &ir.State{Version: ir.StateVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", m.path, err)
	}
	state, err := UnmarshalState(raw)
	if err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", m.path, err)
	}
	return state, nil
}

// Write persists the snapshot. The file already on disk must still carry
// the serial this snapshot was read at; the write then advances the
// serial by one. The document lands via rename so a crash never leaves a
// torn state file.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	if err := m.checkCurrent(state); err != nil {
		return err
	}
	advance(state)

	data, err := MarshalState(state)
	if err != nil {
		return err
	}
	encrypted, err := EncryptState(data)
	if err != nil {
		return fmt.Errorf("encrypt state: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace state file %s: %w", m.path, err)
	}
	return nil
}

// checkCurrent guards against overwriting a snapshot someone else
// advanced while this process held its copy in memory.
func (m *Manager) checkCurrent(state *ir.State) error {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file %s: %w", m.path, err)
	}
	current, err := UnmarshalState(raw)
	if err != nil {
		return fmt.Errorf("parse state file %s: %w", m.path, err)
	}
	if current.Lineage != "" && state.Lineage != "" && current.Lineage != state.Lineage {
		return fmt.Errorf("refusing to overwrite state from a different lineage (%s)", current.Lineage)
	}
	if current.Serial != state.Serial {
		return &engine.StateConflictError{Expected: state.Serial, Actual: current.Serial}
	}
	return nil
}

// advance prepares a snapshot for persistence: a lineage is minted on the
// first write, and the serial moves forward one step.
func advance(state *ir.State) {
	if state.Lineage == "" {
		state.Lineage = uuid.NewString()
	}
	state.Version = ir.StateVersion
	state.Serial++
}

// MarshalState renders the snapshot document.
func MarshalState(state *ir.State) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return append(data, '\n'), nil
}

// UnmarshalState parses a snapshot document, decrypting it first when the
// encryption header is present.
func UnmarshalState(raw []byte) (*ir.State, error) {
	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return nil, err
		}
		raw = decrypted
	}
	var state ir.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state.Version > ir.StateVersion {
		return nil, fmt.Errorf("state version %d was written by a newer girder release", state.Version)
	}
	return &state, nil
}
