package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RelaySettings is the `[relay]` section of the persisted state file
// (spec §6 "Persisted state").
type RelaySettings struct {
	IP       string
	Port     uint16
	ServerID uint32
}

// ClientSettings is the `[client]` section.
type ClientSettings struct {
	ServerID             uint32
	LastPartnerID        uint32
	LastDirectPartnerID  uint32
}

// State is the small INI-style settings file persisted next to the
// binary: two sections, relay and client (spec §6).
type State struct {
	Relay  RelaySettings
	Client ClientSettings
}

// LoadState reads path; a missing file yields a zero-value State rather
// than an error, matching "load on start" with no prior state.
func LoadState(path string) (*State, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st := &State{}
	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		st.setField(section, key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *State) setField(section, key, value string) {
	switch section {
	case "relay":
		switch key {
		case "IP":
			st.Relay.IP = value
		case "Port":
			if n, err := strconv.ParseUint(value, 10, 16); err == nil {
				st.Relay.Port = uint16(n)
			}
		case "ServerID":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				st.Relay.ServerID = uint32(n)
			}
		}
	case "client":
		switch key {
		case "ServerID":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				st.Client.ServerID = uint32(n)
			}
		case "LastPartnerID":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				st.Client.LastPartnerID = uint32(n)
			}
		case "LastDirectPartnerID":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				st.Client.LastDirectPartnerID = uint32(n)
			}
		}
	}
}

// Save writes path, overwriting any prior contents. Callers save on
// significant events: successful register, successful pair, and on exit
// (spec §6).
func (st *State) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "[relay]")
	fmt.Fprintf(w, "IP=%s\n", st.Relay.IP)
	fmt.Fprintf(w, "Port=%d\n", st.Relay.Port)
	fmt.Fprintf(w, "ServerID=%d\n", st.Relay.ServerID)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[client]")
	fmt.Fprintf(w, "ServerID=%d\n", st.Client.ServerID)
	fmt.Fprintf(w, "LastPartnerID=%d\n", st.Client.LastPartnerID)
	fmt.Fprintf(w, "LastDirectPartnerID=%d\n", st.Client.LastDirectPartnerID)
	return w.Flush()
}
