package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Probe checks that a stream URL answers. HTTP sources must return 200;
// RTSP sources must accept a TCP connection.
func Probe(ctx context.Context, client *http.Client, raw string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("stream returned %s", resp.Status)
		}
		return nil
	case "rtsp", "rtsps":
		host := u.Host
		if u.Port() == "" {
			port := "554"
			if strings.EqualFold(u.Scheme, "rtsps") {
				port = "322"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return fmt.Errorf("cannot probe scheme %q", u.Scheme)
}
