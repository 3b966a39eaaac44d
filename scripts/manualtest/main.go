// Command manualtest runs a full loopback transfer against an in-process
// relay with a deliberately tight quota and compares checksums.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jaywantadh/chunkrelay/config"
	"github.com/jaywantadh/chunkrelay/internal/retry"
	"github.com/jaywantadh/chunkrelay/internal/session"
	"github.com/jaywantadh/chunkrelay/internal/storage"
	"github.com/jaywantadh/chunkrelay/internal/transfer"
	"github.com/jaywantadh/chunkrelay/pkg/httpserver"
	"github.com/jaywantadh/chunkrelay/pkg/logging"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func main() {
	inputPath := flag.String("file", filepath.Join("samples", "sample.bin"), "file to relay")
	compress := flag.Bool("compress", false, "store chunks lz4 compressed")
	flag.Parse()

	if _, err := os.Stat(*inputPath); err != nil {
		fmt.Printf("❌ Sample file not found: %v\n", err)
		os.Exit(1)
	}
	origHash, err := sha256File(*inputPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("📄 Original file: %s\n", *inputPath)
	fmt.Printf("🔑 Original SHA256: %s\n", origHash)

	work, err := os.MkdirTemp("", "relay-manual-*")
	if err != nil {
		fmt.Printf("❌ Temp dir failed: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(work)

	cfg := config.Default()
	cfg.StoragePath = filepath.Join(work, "sessions")
	cfg.ChunkSize = 256 << 10
	cfg.SessionQuota = 4 * cfg.ChunkSize
	cfg.MinFreeSpace = 2 * cfg.ChunkSize
	cfg.CompressChunks = *compress

	log := logging.InitLogger(true)
	registry, err := session.NewRegistry(cfg.StoragePath)
	if err != nil {
		fmt.Printf("❌ Registry init failed: %v\n", err)
		os.Exit(1)
	}
	store := storage.NewLocalStorage(cfg, log)
	handler := transfer.NewServer(cfg, registry, store, log).Handler(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Printf("❌ Listen failed: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go httpserver.Serve(ctx, ln, handler, log)

	client := transfer.NewClient("http://"+ln.Addr().String(), "")
	policy := retry.Policy{Interval: 20 * time.Millisecond}

	sessions := make(chan string, 1)
	sender := transfer.NewSender(client, cfg.ChunkSize, policy, log)
	sender.OnSession = func(id string) { sessions <- id }

	start := time.Now()
	sendErr := make(chan error, 1)
	go func() {
		_, err := sender.Send(ctx, *inputPath)
		sendErr <- err
	}()

	var sid string
	select {
	case sid = <-sessions:
	case err := <-sendErr:
		fmt.Printf("❌ Send failed: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join(work, "out")
	_ = os.MkdirAll(outDir, 0o755)
	receiver := transfer.NewReceiver(client, policy, time.Minute, log)
	outPath, err := receiver.Receive(ctx, sid, outDir)
	if err != nil {
		fmt.Printf("❌ Receive failed: %v\n", err)
		os.Exit(1)
	}
	if err := <-sendErr; err != nil {
		fmt.Printf("❌ Send failed: %v\n", err)
		os.Exit(1)
	}

	newHash, err := sha256File(outPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing output: %v\n", err)
		os.Exit(1)
	}
	info, _ := os.Stat(outPath)
	fmt.Printf("📦 Relayed %s in %s\n", humanize.IBytes(uint64(info.Size())), time.Since(start).Round(time.Millisecond))
	fmt.Printf("🔑 Output SHA256: %s\n", newHash)

	if newHash != origHash {
		fmt.Println("❌ Checksum mismatch")
		os.Exit(1)
	}
	fmt.Println("✅ Integrity verified")
}
