package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mcordes92/dfg-funk/internal/protocol"
)

// bootstrapTimeout bounds each control-plane request. The client always
// comes up on local defaults when the API is unreachable; only the relay
// socket is essential.
const bootstrapTimeout = 3 * time.Second

type channelEntry struct {
	ChannelID int    `json:"channel_id"`
	Name      string `json:"name"`
}

type channelsResponse struct {
	Username string         `json:"username"`
	Channels []channelEntry `json:"channels"`
}

type versionResponse struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog"`
}

// apiBase builds the control-plane base URL from the relay host and the
// API port.
func apiBase(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func newAPIClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(bootstrapTimeout).
		SetHeader("User-Agent", "dfg-funk/"+Version)
}

// FetchChannels asks the control plane which channels the funk key may
// use. Any failure falls back to the full selectable channel plan; the
// relay enforces the real permissions per AUTH anyway.
func FetchChannels(baseURL, funkKey string, log *slog.Logger) []uint8 {
	var out channelsResponse
	resp, err := newAPIClient(baseURL).R().
		SetResult(&out).
		Get("/api/channels/" + funkKey)
	if err != nil {
		log.Warn("channel list unavailable, using fallback", "err", err)
		return protocol.PrimaryChannels()
	}
	if resp.StatusCode() != http.StatusOK {
		log.Warn("channel list rejected, using fallback", "status", resp.StatusCode())
		return protocol.PrimaryChannels()
	}

	channels := make([]uint8, 0, len(out.Channels))
	for _, c := range out.Channels {
		if c.ChannelID < 0 || c.ChannelID > 255 {
			continue
		}
		if ch := uint8(c.ChannelID); protocol.KnownChannel(ch) {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return protocol.PrimaryChannels()
	}
	log.Info("channel list loaded", "username", out.Username, "channels", len(channels))
	return channels
}

// CheckVersion logs an update hint when the server advertises a newer
// client version. Missing or malformed version data is skipped silently.
func CheckVersion(baseURL, current string, log *slog.Logger) {
	var out versionResponse
	resp, err := newAPIClient(baseURL).R().
		SetResult(&out).
		Get("/api/version")
	if err != nil || resp.StatusCode() != http.StatusOK || out.Version == "" {
		return
	}
	cmp, err := compareVersions(out.Version, current)
	if err != nil || cmp <= 0 {
		return
	}
	log.Info("update available",
		"current", current, "advertised", out.Version, "changelog", out.Changelog)
}

// compareVersions compares dotted numeric versions and returns -1, 0, or 1
// as a is older than, equal to, or newer than b. A shorter version is
// padded with zeros.
func compareVersions(a, b string) (int, error) {
	as := strings.Split(strings.TrimSpace(a), ".")
	bs := strings.Split(strings.TrimSpace(b), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, err := versionPart(as, i)
		if err != nil {
			return 0, err
		}
		bv, err := versionPart(bs, i)
		if err != nil {
			return 0, err
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
	}
	return 0, nil
}

func versionPart(parts []string, i int) (int, error) {
	if i >= len(parts) {
		return 0, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0, fmt.Errorf("version part %q: %w", parts[i], err)
	}
	return v, nil
}
