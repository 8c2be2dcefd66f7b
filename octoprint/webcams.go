package octoprint

import (
	"encoding/json"
	"net/url"
	"strings"
)

// webcamSettings covers both the legacy single-camera settings block and
// the entries of a multi-camera profile list.
type webcamSettings struct {
	Name      string `json:"name"`
	StreamURL string `json:"streamUrl"`
	URL       string `json:"URL"`
	Rotate90  bool   `json:"rotate90"`
	FlipH     bool   `json:"flipH"`
	FlipV     bool   `json:"flipV"`
}

// ParseWebcams normalizes the webcam configuration from a settings payload
// into an ordered camera list. Multi-camera profiles, when present, replace
// the legacy single camera. When the instance requires basic auth, the
// credentials are folded into the stream URLs so a viewer can open them
// directly.
func ParseWebcams(webcamRaw json.RawMessage, plugins map[string]json.RawMessage, baseURL, userName, password string) []Webcam {
	var cameras []Webcam

	if raw, ok := plugins["multicam"]; ok {
		var settings struct {
			Profiles []webcamSettings `json:"multicam_profiles"`
		}
		if err := json.Unmarshal(raw, &settings); err == nil {
			for _, profile := range settings.Profiles {
				if camera, ok := normalizeWebcam(profile, baseURL, userName, password); ok {
					cameras = append(cameras, camera)
				}
			}
		}
	}
	if len(cameras) > 0 {
		return cameras
	}

	if len(webcamRaw) > 0 {
		var settings webcamSettings
		if err := json.Unmarshal(webcamRaw, &settings); err != nil {
			logDebug("Skipping unreadable webcam settings", "error", err)
			return nil
		}
		if camera, ok := normalizeWebcam(settings, baseURL, userName, password); ok {
			cameras = append(cameras, camera)
		}
	}

	return cameras
}

func normalizeWebcam(settings webcamSettings, baseURL, userName, password string) (Webcam, bool) {
	stream := settings.StreamURL
	if stream == "" {
		stream = settings.URL
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return Webcam{}, false
	}

	resolved, ok := resolveStreamURL(stream, baseURL)
	if !ok {
		return Webcam{}, false
	}
	if userName != "" {
		resolved = foldUserInfo(resolved, userName, password)
	}

	rotation := 0
	if settings.Rotate90 {
		rotation = -90
	}
	// Both flips together are a half turn; a single flip is a mirror, with
	// the horizontal one adding the half turn on top.
	mirror := false
	switch {
	case settings.FlipH && settings.FlipV:
		rotation += 180
	case settings.FlipH:
		mirror = true
		rotation += 180
	case settings.FlipV:
		mirror = true
	}

	name := settings.Name
	if name == "" {
		name = "Webcam"
	}

	return Webcam{
		Name:      name,
		StreamURL: resolved,
		Rotation:  rotation,
		Mirror:    mirror,
	}, true
}

func foldUserInfo(stream, userName, password string) string {
	parsed, err := url.Parse(stream)
	if err != nil || parsed.User != nil {
		return stream
	}
	parsed.User = url.UserPassword(userName, password)
	return parsed.String()
}

// resolveStreamURL expands the partial stream addresses servers hand out:
// protocol-relative ("//host/..."), host-relative ("/webcam/..."),
// port-relative (":8080/...") and plain relative paths, against the
// instance base URL.
func resolveStreamURL(stream, baseURL string) (string, bool) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}

	switch {
	case strings.HasPrefix(stream, "//"):
		return base.Scheme + ":" + stream, true
	case strings.HasPrefix(stream, ":"):
		return base.Scheme + "://" + base.Hostname() + stream, true
	case strings.HasPrefix(stream, "/"):
		return base.Scheme + "://" + base.Host + stream, true
	default:
		parsed, err := url.Parse(stream)
		if err != nil {
			return "", false
		}
		if parsed.IsAbs() {
			return stream, true
		}
		return base.ResolveReference(parsed).String(), true
	}
}
