package homeassistant

import (
	"encoding/json"
	"strings"
)

// FlexibleString is a type that can unmarshal from either a JSON string or an array of strings.
// Home Assistant sometimes returns version fields as arrays instead of strings.
type FlexibleString string

// UnmarshalJSON implements json.Unmarshaler for FlexibleString.
func (fs *FlexibleString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fs = FlexibleString(str)
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*fs = FlexibleString(strings.Join(arr, ", "))
		return nil
	}

	*fs = ""
	return nil
}

// String returns the string value of FlexibleString.
func (fs FlexibleString) String() string {
	return string(fs)
}

// Entity represents a Home Assistant entity state as sent by get_states
// and inside state_changed events.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
	Context     Context        `json:"context"`
}

// Context represents the context of a state change or event.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// ServiceDescriptions is the get_services result: domain -> service -> description.
type ServiceDescriptions map[string]map[string]json.RawMessage

// Has reports whether domain.service is described.
func (s ServiceDescriptions) Has(domain, service string) bool {
	services, ok := s[domain]
	if !ok {
		return false
	}
	_, ok = services[service]
	return ok
}

// DiscoveryInfo is the body of GET /api/discovery_info.
type DiscoveryInfo struct {
	UUID                string         `json:"uuid"`
	LocationName        string         `json:"location_name"`
	Version             FlexibleString `json:"version"`
	BaseURL             string         `json:"base_url,omitempty"`
	InstallationType    string         `json:"installation_type,omitempty"`
	RequiresAPIPassword bool           `json:"requires_api_password,omitempty"`
}
