package state

import (
	"encoding/json"
	"time"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
)

// BuildRecord is the installed build of one channel. Build 0 means no
// installation.
type BuildRecord struct {
	Build       uint64     `json:"build"`
	Channel     string     `json:"channel"`
	InstalledAt time.Time  `json:"installed_at"`
	PatchedAt   *time.Time `json:"patched_at,omitempty"`
}

// Installed reports whether the record describes an actual install.
func (r BuildRecord) Installed() bool { return r.Build > 0 }

// buildRecords maps channel name to its record, the persisted shape of
// gameVersion.json.
type buildRecords map[string]BuildRecord

// parseBuildRecords decodes gameVersion.json. The legacy single-record
// form (a bare BuildRecord object) is accepted and keyed under its own
// channel name.
func parseBuildRecords(data []byte) (buildRecords, error) {
	const op = cdperr.Op("state.buildrecord.parse")

	var records buildRecords
	if err := json.Unmarshal(data, &records); err == nil && !looksLegacy(data) {
		if records == nil {
			records = buildRecords{}
		}
		return records, nil
	}

	// Legacy layout: one record at the top level.
	var single BuildRecord
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, cdperr.E(op, cdperr.ConfigCorrupt, err)
	}
	channel := single.Channel
	if channel == "" {
		channel = "latest"
		single.Channel = channel
	}
	return buildRecords{channel: single}, nil
}

// looksLegacy sniffs whether the document is a bare BuildRecord rather
// than a channel map. A record has a numeric "build" key at top level.
func looksLegacy(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	raw, ok := probe["build"]
	if !ok {
		return false
	}
	var n uint64
	return json.Unmarshal(raw, &n) == nil
}
