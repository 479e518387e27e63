package server

import (
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

// metadataFile is the shape of the external config file backing
// /api/metadata; only its meta section is exposed.
type metadataFile struct {
	Meta map[string]any `yaml:"meta"`
}

// handleMetadata reads the configured file on every request so edits are
// picked up without a restart. Read failures degrade to a structured error
// rather than affecting the rest of the process.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(s.metadataFile)
	if err != nil {
		s.logger.Errorf("could not read metadata file: %v", err)
		s.writeError(w, http.StatusInternalServerError, "ConfigurationError", "METADATA_UNREADABLE",
			"metadata file could not be read")
		return
	}

	var mf metadataFile
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		s.logger.Errorf("could not parse metadata file: %v", err)
		s.writeError(w, http.StatusInternalServerError, "ConfigurationError", "METADATA_MALFORMED",
			"metadata file could not be parsed")
		return
	}
	if mf.Meta == nil {
		mf.Meta = map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, mf.Meta)
}
