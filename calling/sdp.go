/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// Media directions of an SDP description.
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

func isDirection(key string) bool {
	switch key {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return true
	}
	return false
}

// withDirection rewrites every audio section of raw to dir and bumps the
// origin version, as a re-INVITE offer must.
func withDirection(raw, dir string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("failed to parse local SDP: %w", err)
	}

	desc.Attributes = dropDirections(desc.Attributes)
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		md.Attributes = dropDirections(md.Attributes)
		md.WithPropertyAttribute(dir)
	}
	desc.Origin.SessionVersion++

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode SDP: %w", err)
	}
	return string(out), nil
}

func dropDirections(attrs []sdp.Attribute) []sdp.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if !isDirection(a.Key) {
			kept = append(kept, a)
		}
	}
	return kept
}

// sdpDirection reports the direction of the first audio section, falling
// back to the session level and then to sendrecv.
func sdpDirection(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return DirectionSendRecv
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, a := range md.Attributes {
			if isDirection(a.Key) {
				return a.Key
			}
		}
	}
	for _, a := range desc.Attributes {
		if isDirection(a.Key) {
			return a.Key
		}
	}
	return DirectionSendRecv
}

// fixIncomingSdp patches gateway SDP for pion v4, which requires a mid on
// every media section and a BUNDLE group.
func fixIncomingSdp(raw string) string {
	sep := "\r\n"
	if !strings.Contains(raw, sep) {
		sep = "\n"
	}
	lines := strings.Split(raw, sep)
	hasMid := false
	hasBundle := false
	for _, line := range lines {
		if strings.HasPrefix(line, "a=mid:") {
			hasMid = true
		}
		if strings.HasPrefix(line, "a=group:BUNDLE") {
			hasBundle = true
		}
	}
	if hasMid && hasBundle {
		return raw
	}

	result := make([]string, 0, len(lines)+2)
	inMedia := false
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			if !inMedia && !hasBundle {
				result = append(result, "a=group:BUNDLE 0")
			}
			inMedia = true
			result = append(result, line)
			if !hasMid {
				result = append(result, "a=mid:0")
				hasMid = true
			}
			continue
		}
		result = append(result, line)
	}
	return strings.Join(result, sep)
}
