package main

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"rtcsession/native/internal/config"
	"rtcsession/native/internal/domain"
)

func TestFlagsOverrideConfig(t *testing.T) {
	is := is.New(t)
	cfg := &config.Config{SignallingURL: "ws://env/ws", PeerID: 0, RemotePeerID: 1, PollInterval: 100 * time.Millisecond}

	cmd := newRootCmd(cfg)
	is.NoErr(cmd.ParseFlags([]string{"--peer-id", "9", "--server", "ws://flag/ws", "--poll-interval", "1s"}))

	is.Equal(cfg.PeerID, 9)
	is.Equal(cfg.RemotePeerID, 1)
	is.Equal(cfg.SignallingURL, "ws://flag/ws")
	is.Equal(cfg.PollInterval, time.Second)
}

func TestParseRole(t *testing.T) {
	is := is.New(t)

	r, err := parseRole("answerer")
	is.NoErr(err)
	is.Equal(r, domain.RoleAnswerer)

	r, err = parseRole("offerer")
	is.NoErr(err)
	is.Equal(r, domain.RoleOfferer)

	_, err = parseRole("both")
	is.True(err != nil)
}
