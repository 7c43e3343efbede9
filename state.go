package go_castkit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// AppState is the host state persisted between runs.
type AppState struct {
	sync.Mutex

	path string

	// ControllerId identifies this controller towards devices.
	ControllerId string `json:"controller_id"`
	// DeviceCache is the opaque blob exported by the discovery manager.
	DeviceCache []byte `json:"device_cache"`
	// PairingTokens are keyed by "<device id>|<protocol id>".
	PairingTokens map[string]string `json:"pairing_tokens"`
}

func PairingTokenKey(deviceId string, protocolId ProtocolId) string {
	return deviceId + "|" + string(protocolId)
}

func (s *AppState) Read(stateDir string) error {
	s.Lock()
	defer s.Unlock()

	s.path = filepath.Join(stateDir, "state.json")

	if content, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(content, &s); err != nil {
			return fmt.Errorf("failed unmarshalling state file: %w", err)
		}
		log.Debugf("app state loaded")
	} else {
		log.Debugf("no app state found")
	}

	if s.PairingTokens == nil {
		s.PairingTokens = map[string]string{}
	}

	return nil
}

func (s *AppState) Write() error {
	s.Lock()
	defer s.Unlock()

	// Create a temporary file, and overwrite the old file.
	// This is a way to atomically replace files.
	// The file is created with mode 0o600 so we don't need to change the mode.
	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed creating temporary file for app state: %w", err)
	}

	if err := json.NewEncoder(tmpFile).Encode(&s); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed writing marshalled app state: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed closing temporary app state file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), s.path); err != nil {
		return fmt.Errorf("failed replacing app state file: %w", err)
	}

	return nil
}
