package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
)

// DefaultRTCConfig is used when nothing else is configured.
const DefaultRTCConfig = `{
  "lifetimeDuration": "86400s",
  "iceServers": [
    {
      "urls": [
        "stun:stun.l.google.com:19302"
      ]
    }
  ],
  "blockStatus": "NOT_BLOCKED",
  "iceTransportPolicy": "all"
}`

// RTCConfig is the RTC configuration document, in the shape browsers and
// TURN credential services use.
type RTCConfig struct {
	LifetimeDuration   string      `json:"lifetimeDuration,omitempty"`
	IceServers         []IceServer `json:"iceServers"`
	BlockStatus        string      `json:"blockStatus,omitempty"`
	IceTransportPolicy string      `json:"iceTransportPolicy,omitempty"`
}

// IceServer is one entry of RTCConfig.IceServers.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// MakeTurnRTCConfig builds an RTC config document from legacy TURN
// credentials. The TURN host doubles as the STUN server.
func MakeTurnRTCConfig(host string, port int, username, password, protocol string, tls bool) (data []byte, err error) {
	defer err2.Handle(&err)

	if host == "" {
		return nil, fmt.Errorf("turn host is empty")
	}
	if protocol == "" {
		protocol = "udp"
	}
	scheme := "turn"
	if tls {
		scheme = "turns"
	}
	hostport := host + ":" + strconv.Itoa(port)
	cfg := RTCConfig{
		LifetimeDuration: "86400s",
		IceServers: []IceServer{
			{URLs: []string{"stun:" + hostport}},
			{
				URLs:       []string{scheme + ":" + hostport + "?transport=" + protocol},
				Username:   username,
				Credential: password,
			},
		},
		BlockStatus:        "NOT_BLOCKED",
		IceTransportPolicy: "all",
	}
	return try.To1(json.MarshalIndent(cfg, "", "  ")), nil
}

// ParseRTCConfig turns an RTC config document into the STUN and TURN server
// uris a transport accepts: stun://host:port and turn[s]://user:pass@host:port
// with the credentials escaped.
func ParseRTCConfig(data []byte) (stun, turn []string, err error) {
	defer err2.Handle(&err)

	var cfg RTCConfig
	try.To(json.Unmarshal(data, &cfg))

	for _, server := range cfg.IceServers {
		for _, u := range server.URLs {
			scheme, rest, ok := strings.Cut(u, ":")
			if !ok {
				return nil, nil, fmt.Errorf("ice server url %q has no scheme", u)
			}
			switch scheme {
			case "stun", "turn", "turns":
			default:
				continue
			}
			hostport := try.To1(hostPort(rest))
			if scheme == "stun" {
				stun = append(stun, "stun://"+hostport)
				continue
			}
			turn = append(turn, fmt.Sprintf("%s://%s:%s@%s", scheme,
				escape(server.Username), escape(server.Credential), hostport))
		}
	}
	return stun, turn, nil
}

// escape percent-encodes everything outside the unreserved set.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// hostPort strips the query from "host:port?transport=udp".
func hostPort(rest string) (string, error) {
	rest, _, _ = strings.Cut(rest, "?")
	host, port, ok := strings.Cut(rest, ":")
	if !ok || host == "" || port == "" {
		return "", fmt.Errorf("ice server address %q is not host:port", rest)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("ice server port %q: %w", port, err)
	}
	return host + ":" + port, nil
}
