// silence-client is a small demo client for exercising a silence relay: it
// sends a stream of voice frames and prints every message it receives back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/silence-voip/silence/internal/transport"
	"github.com/silence-voip/silence/internal/voippkt"
)

func main() {
	var (
		remote      = flag.String("remote", "127.0.0.1:3004", "relay address (host:port)")
		count       = flag.Int("count", 10, "number of frames to send (0 = listen only)")
		interval    = flag.Duration("interval", 100*time.Millisecond, "delay between frames")
		payloadSize = flag.Int("payload-size", 160, "payload bytes per frame")
		video       = flag.Bool("video", false, "send video frames instead of voice")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	identity := uuid.New()
	client, err := transport.DialClient(identity, *remote, transport.ClientConfig{Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("connected", "identity", identity.String(), "local", client.LocalAddr().String(), "remote", *remote)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for {
			header, payload, err := client.Recv(ctx)
			if err != nil {
				return
			}
			fmt.Printf("recv %s from %s: %d bytes\n", header.Type, header.Author, len(payload))
		}
	}()

	msgType := voippkt.Voice
	if *video {
		msgType = voippkt.Video
	}

	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	for i := 0; i < *count; i++ {
		frame, err := voippkt.Encode(voippkt.NewHeader(msgType, identity, len(payload)), payload)
		if err != nil {
			logger.Error("encode failed", "err", err)
			os.Exit(1)
		}
		receipt, err := client.Enqueue(ctx, frame)
		if err != nil {
			logger.Error("enqueue failed", "err", err)
			break
		}
		if err := <-receipt; err != nil {
			logger.Warn("send failed", "err", err)
		}

		select {
		case <-ctx.Done():
			i = *count
		case <-time.After(*interval):
		}
	}

	// Keep listening until interrupted so broadcasts from other peers are
	// still printed after our own frames are out.
	<-ctx.Done()
}
