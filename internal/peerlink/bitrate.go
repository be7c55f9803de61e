package peerlink

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// SetVideoBitrate caps every video section of raw at kbps with a b=AS line,
// replacing any AS limit already present. A non-positive kbps leaves raw as is.
func SetVideoBitrate(raw string, kbps int) (string, error) {
	if kbps <= 0 || raw == "" {
		return raw, nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		kept := md.Bandwidth[:0]
		for _, bw := range md.Bandwidth {
			if bw.Type != "AS" {
				kept = append(kept, bw)
			}
		}
		md.Bandwidth = append(kept, sdp.Bandwidth{Type: "AS", Bandwidth: uint64(kbps)})
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("write sdp: %w", err)
	}
	return string(out), nil
}
