package webrtcpeer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNURL is used when no ICE servers are configured. Good enough for
// development and for peers that are not behind symmetric NAT.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses an ICE server list from its JSON form:
//
//	[{"urls":"stun:..."},{"urls":["turn:..."],"username":"u","credential":"c"}]
//
// An empty input yields the default STUN server.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}, nil
	}

	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("webrtcpeer: parse ice servers: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("webrtcpeer: iceServers[%d]: no urls", i)
		}

		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}
		for _, url := range urls {
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				if pcServer.Username == "" || pcServer.Credential == nil {
					return nil, fmt.Errorf("webrtcpeer: iceServers[%d]: turn requires username and credential", i)
				}
			}
		}
		out = append(out, pcServer)
	}

	if len(out) == 0 {
		return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}, nil
	}
	return out, nil
}
