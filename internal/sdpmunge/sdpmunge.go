// Package sdpmunge rewrites generated session descriptions so that browsers
// negotiate the video stream the way the server expects.
//
// Every rule looks for its own marker first and leaves the text untouched when
// the marker is already present, so Patch can be applied any number of times.
package sdpmunge

import (
	"regexp"
	"slices"
	"strings"

	"rtcsession/native/internal/domain"
)

const (
	rtxTime        = "rtx-time=125"
	profileLevelID = "profile-level-id=42e01f"
	levelAsymmetry = "level-asymmetry-allowed=1"
	packetization  = "packetization-mode=1"

	primaryPayload = "106"
	rtxPayload     = "107"
)

var (
	aptRe     = regexp.MustCompile(`(apt=\d+)`)
	rtxTimeRe = regexp.MustCompile(`rtx-time=\d+`)
)

// Patch applies every rule that fits the description type and encoder family.
func Patch(sdp string, t domain.SDPType, encoder string) string {
	// RTXPayload runs first so the apt it adds gets an rtx-time in the same pass.
	if t == domain.SDPTypeAnswer {
		sdp = RTXPayload(sdp)
	}
	sdp = RTXTime(sdp)
	if IsH264(encoder) {
		sdp = ProfileLevelID(sdp)
	}
	return LevelAsymmetry(sdp)
}

// IsH264 reports whether the encoder element produces H.264.
func IsH264(encoder string) bool {
	return strings.Contains(encoder, "264")
}

// RTXTime pins the retransmission window of every apt mapping to 125ms.
func RTXTime(sdp string) string {
	if !strings.Contains(sdp, "rtx-time") {
		return aptRe.ReplaceAllString(sdp, "${1};"+rtxTime)
	}
	return rtxTimeRe.ReplaceAllString(sdp, rtxTime)
}

// ProfileLevelID declares constrained baseline 3.1, which Firefox requires.
func ProfileLevelID(sdp string) string {
	if strings.Contains(sdp, "profile-level-id") {
		return sdp
	}
	return strings.ReplaceAll(sdp, packetization, profileLevelID+";"+packetization)
}

// LevelAsymmetry allows the sender to use a higher level than the receiver.
func LevelAsymmetry(sdp string) string {
	if strings.Contains(sdp, "level-asymmetry-allowed") {
		return sdp
	}
	return strings.ReplaceAll(sdp, packetization, levelAsymmetry+";"+packetization)
}

// RTXPayload maps payload 107 as the retransmission stream of payload 106 and
// lists it on the video media line. The mapping lands after the last 106
// attribute of a video section that was extended; without one the text is
// returned unchanged.
func RTXPayload(sdp string) string {
	if strings.Contains(sdp, "rtpmap:"+rtxPayload) {
		return sdp
	}

	eol := lineEnding(sdp)
	lines := strings.Split(sdp, eol)

	anchor := -1
	extended := false
	for i, l := range lines {
		if strings.HasPrefix(l, "m=") {
			extended = false
			formats := strings.Fields(l)
			if !strings.HasPrefix(l, "m=video ") || len(formats) < 4 {
				continue
			}
			formats = formats[3:]
			if slices.Contains(formats, primaryPayload) && !slices.Contains(formats, rtxPayload) {
				lines[i] = l + " " + rtxPayload
				extended = true
			}
			continue
		}
		if extended && (strings.HasPrefix(l, "a=rtpmap:"+primaryPayload+" ") || strings.HasPrefix(l, "a=fmtp:"+primaryPayload+" ")) {
			anchor = i
		}
	}
	if anchor < 0 {
		return sdp
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:anchor+1]...)
	out = append(out,
		"a=rtpmap:"+rtxPayload+" rtx/90000",
		"a=fmtp:"+rtxPayload+" apt="+primaryPayload,
	)
	out = append(out, lines[anchor+1:]...)
	return strings.Join(out, eol)
}

func lineEnding(sdp string) string {
	if strings.Contains(sdp, "\r\n") {
		return "\r\n"
	}
	return "\n"
}
