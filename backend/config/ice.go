package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// Servers builds the ICE server list handed to browser clients.
func (ice ICE) Servers() ([]webrtc.ICEServer, error) {
	stunList := trimEmpty(ice.STUNURLs)
	turnList := trimEmpty(ice.TURNURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		for _, raw := range stunList {
			u, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("stun url %q: %w", raw, err)
			}
			if u.Scheme != stun.SchemeTypeSTUN && u.Scheme != stun.SchemeTypeSTUNS {
				return nil, fmt.Errorf("stun url %q: unexpected scheme %s", raw, u.Scheme)
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: stunList})
	}

	if len(turnList) > 0 {
		for _, raw := range turnList {
			u, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("turn url %q: %w", raw, err)
			}
			if u.Scheme != stun.SchemeTypeTURN && u.Scheme != stun.SchemeTypeTURNS {
				return nil, fmt.Errorf("turn url %q: unexpected scheme %s", raw, u.Scheme)
			}
		}
		username := strings.TrimSpace(ice.TURNUsername)
		credential := strings.TrimSpace(ice.TURNCredential)
		if username == "" || credential == "" {
			return nil, errors.New("turn urls require both username and credential")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnList,
			Username:   username,
			Credential: credential,
		})
	}
	return servers, nil
}

func trimEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
