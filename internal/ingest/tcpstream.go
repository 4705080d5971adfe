package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"crowdgate/internal/config"
	"crowdgate/internal/model"
)

// StartTCPStream accepts line-oriented observation streams, one parser per
// connection so CSV headers stay scoped to the stream that sent them.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Observation, logger *slog.Logger) net.Listener {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	ServeTCPStream(ctx, ln, out, logger)
	return ln
}

func ServeTCPStream(ctx context.Context, ln net.Listener, out chan<- model.Observation, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, out, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- model.Observation, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 4*1024*1024)
	for scanner.Scan() {
		obs, err := parser.ParseLine(scanner.Text())
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream parse error", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		for _, o := range obs {
			o.Source = "tcp_stream"
			SendNonBlocking(ctx, out, o, logger)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil && ctx.Err() == nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
