package models

// Profile is the expected configuration of a node. Kind selects which of
// the extension payloads is populated; consumers switch on Kind instead of
// probing for payloads.
type Profile struct {
	Kind     NodeType         `json:"kind"`
	Wireless *WirelessProfile `json:"wireless,omitempty"`
	Server   *ServerProfile   `json:"server,omitempty"`
	Shaping  *ShapingPolicy   `json:"shaping,omitempty"`
	UUID     string           `json:"uuid,omitempty"`
}

// WirelessProfile holds the expected radio configuration.
type WirelessProfile struct {
	ESSID   string `json:"essid"`
	BSSID   string `json:"bssid"`
	Channel int    `json:"channel"`
}

// ServerProfile holds expectations for VPN/server nodes.
type ServerProfile struct {
	VPNPort int `json:"vpn_port,omitempty"`
}

// ShapingPolicy is the throughput-limit policy a node must enforce.
// Zero values mean unlimited.
type ShapingPolicy struct {
	DownloadKbit int `json:"download_kbit"`
	UploadKbit   int `json:"upload_kbit"`
}
