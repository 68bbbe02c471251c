package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/internal/codec"
	"github.com/luminakids/lumina/internal/config"
	"github.com/luminakids/lumina/internal/device"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("LUMINA_CONFIG"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	serial := envOr("LUMINA_SERIAL", "LUM-DEV-0001")
	secret := envOr("LUMINA_SECRET", "dev-secret")

	token, deviceID, toyID, err := authenticate(cfg.Device.GatewayURL, serial, secret)
	if err != nil {
		logger.Fatal("Device authentication failed", zap.Error(err))
	}
	logger.Info("Device authenticated",
		zap.String("deviceID", deviceID),
		zap.String("toyID", toyID))

	queue, err := device.OpenQueue(cfg.Device.QueuePath)
	if err != nil {
		logger.Fatal("Failed to open offline queue", zap.Error(err))
	}
	defer queue.Close()

	client, err := device.NewClient(device.Config{
		GatewayURL: cfg.Device.GatewayURL,
		Token:      token,
		DeviceID:   deviceID,
		ToyID:      toyID,
		Codec:      cfg.Audio.Codec,
		Audio: codec.Params{
			SampleRate:      cfg.Audio.SampleRate,
			Channels:        cfg.Audio.Channels,
			FrameDurationMs: cfg.Audio.FrameDurationMs,
		},
		ReplyTimeout:   cfg.Device.ReplyTimeout.Std(),
		BackoffBase:    cfg.Device.BackoffBase.Std(),
		BackoffCap:     cfg.Device.BackoffCap.Std(),
		HeartbeatEvery: cfg.Device.HeartbeatEvery.Std(),
	}, queue, device.NopPlayer{}, logger)
	if err != nil {
		logger.Fatal("Failed to create device client", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Press Enter to simulate one push-to-talk exchange with a second
	// of synthetic tone as the captured audio.
	fmt.Println("Press Enter to talk, Ctrl+C to exit.")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			client.Press()
			feedTone(client, cfg.Audio.SampleRate, time.Second)
			client.Release()
		}
	}()

	<-quit
	logger.Info("Device agent exiting")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// authenticate exchanges device credentials for a session token over
// the gateway's HTTP surface.
func authenticate(gatewayURL, serial, secret string) (token, deviceID, toyID string, err error) {
	base := strings.TrimSuffix(gatewayURL, "/ws")
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)

	body, err := json.Marshal(map[string]string{
		"serial_number": serial,
		"secret_key":    secret,
	})
	if err != nil {
		return "", "", "", err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(base+"/api/v1/device/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var result struct {
		Token    string `json:"token"`
		DeviceID string `json:"device_id"`
		ToyID    string `json:"toy_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", "", err
	}
	return result.Token, result.DeviceID, result.ToyID, nil
}

// feedTone pushes a sine tone into the client in 20ms slices, as a
// microphone stand-in.
func feedTone(client *device.Client, sampleRate int, dur time.Duration) {
	slice := sampleRate / 50
	total := int(float64(sampleRate) * dur.Seconds())
	for off := 0; off < total; off += slice {
		pcm := make([]int16, slice)
		for i := range pcm {
			pcm[i] = int16(6000 * math.Sin(2*math.Pi*330*float64(off+i)/float64(sampleRate)))
		}
		client.Feed(pcm)
	}
}
