package api

import (
	"encoding/json"
	"io"
	"time"
)

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

type statsResponse struct {
	UsersTracked   int    `json:"users_tracked"`
	RequestsSeen   uint64 `json:"requests_seen"`
	ViolatorsCount int    `json:"violators_count"`
	ConnectedNodes int    `json:"connected_nodes"`
	PanelLoaded    bool   `json:"panel_loaded"`
}

type userSummary struct {
	Email         string `json:"email"`
	DeviceLimit   int    `json:"device_limit"`
	LimitKnown    bool   `json:"limit_known"`
	RecentIPCount int    `json:"recent_ip_count"`
	Stage         string `json:"stage"`
}

type violatorSummary struct {
	Email       string `json:"email"`
	ObservedIPs int    `json:"observed_ips"`
	DeviceLimit int    `json:"device_limit"`
	Stage       string `json:"stage"`
}

type banlistEntry struct {
	Email               string    `json:"email"`
	FirstBanlistedAt    time.Time `json:"first_banlisted_at"`
	LastSeenBanlistedAt time.Time `json:"last_seen_banlisted_at"`
	Reason              string    `json:"reason"`
}

type banlistClearResponse struct {
	Cleared int `json:"cleared"`
}

type observationDTO struct {
	IP       string    `json:"ip"`
	LastSeen time.Time `json:"last_seen"`
	NodeID   string    `json:"node_id"`
	ISP      string    `json:"isp,omitempty"`
}

type recentRequestDTO struct {
	IP          string    `json:"ip"`
	RawIP       string    `json:"raw_ip"`
	NodeID      string    `json:"node_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Protocol    string    `json:"protocol"`
	Destination string    `json:"destination"`
	Action      string    `json:"action"`
}

type userDetailResponse struct {
	Email          string             `json:"email"`
	DeviceLimit    int                `json:"device_limit"`
	LimitKnown     bool               `json:"limit_known"`
	Whitelisted    bool               `json:"whitelisted"`
	Stage          string             `json:"stage"`
	ViolatorSince  *time.Time         `json:"violator_since,omitempty"`
	BanlistedSince *time.Time         `json:"banlisted_since,omitempty"`
	Observations   []observationDTO   `json:"observations"`
	RecentRequests []recentRequestDTO `json:"recent_requests"`
	TriggerTimes   []time.Time        `json:"trigger_times"`
}
