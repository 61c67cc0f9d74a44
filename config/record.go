// Package config loads the single configuration record of spec §9
// ("Configuration") from a JSON settings file, following the same
// load/Reload/verify shape the teacher proxy's config/setting.go uses.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// PacingThresholds mirrors the adaptive-pacing schedule FT applies (spec
// §4.7 step 4e): files larger than LargeBytes sleep every LargeEvery
// chunks, and so on.
type PacingThresholds struct {
	LargeBytes  int64 `json:"large_bytes"`
	LargeEvery  int   `json:"large_every"`
	MediumBytes int64 `json:"medium_bytes"`
	MediumEvery int   `json:"medium_every"`
	SmallEvery  int   `json:"small_every"`
}

// Record is the configuration record of spec §9: "A single configuration
// record enumerates options ... All other parameters are derived."
type Record struct {
	ListenPort          int              `json:"listen_port"`
	RelayBind           string           `json:"relay_bind"`
	MaxConnections      int              `json:"max_connections"`
	FrameCap            uint32           `json:"frame_cap"`
	ChunkSize           int              `json:"chunk_size"`
	FileSizeCap         int64            `json:"file_size_cap"`
	InactivityMs        int              `json:"inactivity_ms"`
	RegisteredTimeoutMs int              `json:"registered_timeout_ms"`
	ReconnectAttempts   int              `json:"reconnect_attempts"`
	ReconnectDelayMs    int              `json:"reconnect_delay_ms"`
	Pacing              PacingThresholds `json:"pacing_thresholds"`
}

// GlobalCfg points at the configuration currently in effect, mirroring
// the teacher's package-level GlobalCfg pointer.
var GlobalCfg *Record

func init() {
	path := os.Getenv("DESKRELAY_CONFIG")
	if path == "" {
		path = "config/settings.json"
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("config: using built-in defaults, could not read %s: %s\n", path, err.Error())
		GlobalCfg = defaultRecord()
		return
	}
	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		fmt.Printf("config: failed to parse %s: %s\n", path, err.Error())
		GlobalCfg = defaultRecord()
		return
	}
	rec.applyDefaults()
	GlobalCfg = &rec
}

// Reload re-reads path and, on success, replaces GlobalCfg.
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return err
	}
	rec.applyDefaults()
	GlobalCfg = &rec
	return nil
}

func defaultRecord() *Record {
	rec := &Record{}
	rec.applyDefaults()
	return rec
}

// applyDefaults fills in zero-valued fields, mirroring the teacher's
// Rule.verify() defaulting pattern.
func (r *Record) applyDefaults() {
	if r.ListenPort == 0 {
		r.ListenPort = 5900
	}
	if r.RelayBind == "" {
		r.RelayBind = "0.0.0.0:21116"
	}
	if r.MaxConnections == 0 {
		r.MaxConnections = 4096
	}
	if r.FrameCap == 0 {
		r.FrameCap = 4 * 1024 * 1024
	}
	if r.ChunkSize == 0 {
		r.ChunkSize = 32 * 1024
	}
	if r.FileSizeCap == 0 {
		r.FileSizeCap = 100 * 1024 * 1024 * 1024
	}
	if r.InactivityMs == 0 {
		r.InactivityMs = 5000
	}
	if r.RegisteredTimeoutMs == 0 {
		r.RegisteredTimeoutMs = 5000
	}
	if r.ReconnectAttempts == 0 {
		r.ReconnectAttempts = 5
	}
	if r.ReconnectDelayMs == 0 {
		r.ReconnectDelayMs = 2000
	}
	if r.Pacing.LargeBytes == 0 {
		r.Pacing = PacingThresholds{
			LargeBytes: 100 * 1024 * 1024, LargeEvery: 4,
			MediumBytes: 10 * 1024 * 1024, MediumEvery: 8,
			SmallEvery: 16,
		}
	}
}
