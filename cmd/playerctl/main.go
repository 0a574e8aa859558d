// playerctl is a thin command line client for the aria-playerd control API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const usage = `usage: playerctl <command> [args]

commands:
  status                   show the current playback snapshot
  load <track-id> [play] [resume]
                           load a track; "play" starts it, "resume" seeks to
                           the last recorded position
  play                     start or resume playback
  pause                    pause playback
  stop                     stop and end the listening session
  seek <seconds>           jump to a position
  quota                    show today's listening quota
  tracks [genre]           list tracks from the catalog
  history                  show recent local playback history
  watch                    stream live status updates

ARIA_CONTROL_ADDR overrides the daemon address (default 127.0.0.1:7788).`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	c := &client{
		addr: controlAddr(),
		http: &http.Client{Timeout: 35 * time.Second},
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "status":
		err = c.get("/v1/status")
	case "load":
		err = c.load(os.Args[2:])
	case "play":
		err = c.post("/v1/play", nil)
	case "pause":
		err = c.post("/v1/pause", nil)
	case "stop":
		err = c.post("/v1/stop", nil)
	case "seek":
		err = c.seek(os.Args[2:])
	case "quota":
		err = c.get("/v1/quota")
	case "tracks":
		err = c.tracks(os.Args[2:])
	case "history":
		err = c.get("/v1/history")
	case "watch":
		err = c.watch()
	case "help", "-h", "--help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "playerctl: %v\n", err)
		os.Exit(1)
	}
}

func controlAddr() string {
	if addr := os.Getenv("ARIA_CONTROL_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:7788"
}

type client struct {
	addr string
	http *http.Client
}

func (c *client) load(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: playerctl load <track-id> [play] [resume]")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("track-id must be a positive integer")
	}
	body := map[string]any{"track_id": id}
	for _, a := range args[1:] {
		switch a {
		case "play":
			body["play"] = true
		case "resume":
			body["resume"] = true
		default:
			return fmt.Errorf("unknown load option %q", a)
		}
	}
	return c.post("/v1/load", body)
}

func (c *client) seek(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: playerctl seek <seconds>")
	}
	pos, err := strconv.ParseFloat(args[0], 64)
	if err != nil || pos < 0 {
		return fmt.Errorf("seconds must be a non-negative number")
	}
	return c.post("/v1/seek", map[string]any{"position_seconds": pos})
}

func (c *client) tracks(args []string) error {
	path := "/v1/tracks"
	if len(args) > 0 {
		path += "?genre=" + url.QueryEscape(args[0])
	}
	return c.get(path)
}

func (c *client) get(path string) error {
	resp, err := c.http.Get("http://" + c.addr + path)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.addr, err)
	}
	return printResponse(resp)
}

func (c *client) post(path string, body map[string]any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	resp, err := c.http.Post("http://"+c.addr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.addr, err)
	}
	return printResponse(resp)
}

func (c *client) watch() error {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+c.addr+"/v1/events", nil)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.addr, err)
	}
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		printJSON(msg)
	}
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	printJSON(raw)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}
