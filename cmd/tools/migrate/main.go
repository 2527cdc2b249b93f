package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ferrydb/ferry/internal/models"
)

// Operator CLI for driving transfers against a running node. Every action
// maps to one API call except watch, which follows the progress stream
// until the transfer finishes.
func main() {
	addr := flag.String("addr", "http://localhost:7070", "Base URL of the node API")
	apiKey := flag.String("api-key", "", "API key sent as X-API-Key")
	action := flag.String("action", "", "One of: start, list, status, pause, resume, cancel, watch")
	id := flag.String("id", "", "Transfer ID (status, pause, resume, cancel, watch)")
	collections := flag.String("collections", "", "Comma-separated collections to transfer (start)")
	target := flag.String("target", "", "Target instance base URL (start)")
	instance := flag.String("instance", "", "Registered target instance ID (start)")
	targetKey := flag.String("target-key", "", "API key for the target instance (start, with -target)")
	maxMbps := flag.Float64("max-mbps", 0, "Bandwidth cap in Mbps, 0 uses the server default (start)")
	conflict := flag.String("conflict", "", "Conflict mode: skip, overwrite, fail (start)")
	timeout := flag.Duration("timeout", 30*time.Second, "HTTP timeout for non-streaming calls")

	flag.Parse()

	c := &client{
		base:   strings.TrimRight(*addr, "/"),
		apiKey: *apiKey,
		http:   &http.Client{Timeout: *timeout},
	}

	var err error
	switch *action {
	case "start":
		err = c.start(*collections, *target, *targetKey, *instance, *maxMbps, *conflict)
	case "list":
		err = c.list()
	case "status":
		err = c.status(*id)
	case "pause":
		err = c.lifecycle(*id, "pause")
	case "resume":
		err = c.lifecycle(*id, "resume")
	case "cancel":
		err = c.cancel(*id)
	case "watch":
		err = c.watch(*id)
	case "":
		flag.Usage()
		os.Exit(2)
	default:
		log.Fatalf("Error: unknown action %q", *action)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *client) start(collections, target, targetKey, instance string, maxMbps float64, conflict string) error {
	if collections == "" {
		return fmt.Errorf("-collections is required for start")
	}
	req := models.TransferRequest{
		Collections: splitList(collections),
		TargetURL:   target,
		APIKey:      targetKey,
		InstanceID:  instance,
		MaxMbps:     maxMbps,
		Conflict:    models.ConflictResolution(conflict),
	}

	var resp models.TransferStatusResponse
	if err := c.call("POST", "/v1/migration/transfers", req, &resp); err != nil {
		return err
	}
	fmt.Printf("transfer %s %s -> %s\n", resp.TransferID, resp.Status, resp.TargetURL)
	return nil
}

func (c *client) list() error {
	var resp models.TransferListResponse
	if err := c.call("GET", "/v1/migration/transfers", nil, &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Println("no transfers")
		return nil
	}
	for _, tr := range resp.Transfers {
		fmt.Printf("%s  %-12s %6.1f%%  %s\n", tr.TransferID, tr.Status, tr.Percent, tr.TargetURL)
	}
	return nil
}

func (c *client) status(id string) error {
	if id == "" {
		return fmt.Errorf("-id is required for status")
	}
	var resp models.TransferStatusResponse
	if err := c.call("GET", "/v1/migration/transfers/"+id, nil, &resp); err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (c *client) lifecycle(id, verb string) error {
	if id == "" {
		return fmt.Errorf("-id is required for %s", verb)
	}
	var resp models.TransferStatusResponse
	if err := c.call("POST", "/v1/migration/transfers/"+id+"/"+verb, nil, &resp); err != nil {
		return err
	}
	fmt.Printf("transfer %s %s\n", resp.TransferID, resp.Status)
	return nil
}

func (c *client) cancel(id string) error {
	if id == "" {
		return fmt.Errorf("-id is required for cancel")
	}
	var resp models.TransferStatusResponse
	if err := c.call("DELETE", "/v1/migration/transfers/"+id, nil, &resp); err != nil {
		return err
	}
	fmt.Printf("transfer %s %s\n", resp.TransferID, resp.Status)
	return nil
}

// watch follows the SSE progress feed and prints one line per update.
// The server closes the stream once the transfer reaches a terminal
// status, so the loop ends on its own.
func (c *client) watch(id string) error {
	if id == "" {
		return fmt.Errorf("-id is required for watch")
	}

	req, err := http.NewRequest("GET", c.base+"/v1/migration/transfers/"+id+"/progress", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	// No client timeout: the stream lives as long as the transfer does.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var p models.TransferProgress
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
			continue
		}
		printProgress(p)
	}
	return scanner.Err()
}

func printProgress(p models.TransferProgress) {
	switch p.Status {
	case models.TransferStatusFailed:
		fmt.Printf("%s failed: %s\n", p.TransferID, p.Error)
	case models.TransferStatusCompleted, models.TransferStatusCancelled:
		fmt.Printf("%s %s  %d/%d documents\n", p.TransferID, p.Status, p.DocumentsDone, p.DocumentsTotal)
	default:
		eta := ""
		if p.ETASeconds > 0 {
			eta = fmt.Sprintf("  eta %ds", p.ETASeconds)
		}
		fmt.Printf("%s %s  %s  %d/%d (%.1f%%)%s\n",
			p.TransferID, p.Status, p.Collection, p.DocumentsDone, p.DocumentsTotal, p.Percent, eta)
	}
}

func (c *client) call(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope models.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
