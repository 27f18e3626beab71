// cmd/loadtest/main.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"

	"github.com/cmatc13/hydra/internal/api"
	"github.com/cmatc13/hydra/internal/wallet"
)

// Command line flags
var (
	apiURL          = pflag.String("api", "http://localhost:8080", "Base URL of the hydra API")
	token           = pflag.String("token", "", "Bearer token (see hydra-api --issue-token)")
	duration        = pflag.Duration("duration", 1*time.Minute, "Test duration")
	numRecipients   = pflag.Int("recipients", 100, "Number of recipient wallets to generate")
	concurrency     = pflag.Int("concurrency", 10, "Number of concurrent clients")
	transactionRate = pflag.Float64("rate", 5, "Target transactions per second")
	lamports        = pflag.Uint64("lamports", 1000, "Lamports sent per transfer")
	redisAddr       = pflag.String("redis", "", "Redis address to count notifications on (optional)")
	redisChannel    = pflag.String("channel", "hydra:notifications", "Redis notification channel")
)

// Stats
type Stats struct {
	successCount      uint64
	failureCount      uint64
	latencySum        uint64
	latencyCount      uint64
	notificationCount uint64
}

func main() {
	pflag.Parse()

	if *token == "" {
		log.Fatal("--token is required")
	}
	if *numRecipients <= 0 || *concurrency <= 0 || *transactionRate <= 0 {
		log.Fatal("--recipients, --concurrency and --rate must be positive")
	}

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  API: %s\n", *apiURL)
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Printf("  Recipients: %d\n", *numRecipients)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target TPS: %.2f\n", *transactionRate)
	fmt.Printf("  Lamports per transfer: %d\n", *lamports)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	fmt.Printf("Generating %d recipient wallets...\n", *numRecipients)
	recipients, err := generateRecipients(*numRecipients)
	if err != nil {
		log.Fatalf("Failed to generate wallets: %v", err)
	}

	stats := &Stats{}

	testCtx, testCancel := context.WithTimeout(ctx, *duration)
	defer testCancel()

	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		go countNotifications(testCtx, redisClient, *redisChannel, stats)
	}

	fmt.Printf("Starting load test for %s...\n", *duration)

	var wg sync.WaitGroup
	rateLimiter := make(chan struct{}, *concurrency*2)

	go func() {
		interval := time.Duration(float64(time.Second) / *transactionRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case rateLimiter <- struct{}{}:
				default:
					// Channel is full, skip
				}
			}
		}
	}()

	client := &http.Client{Timeout: 2 * time.Minute}
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go worker(testCtx, i, client, recipients, rateLimiter, stats, &wg)
	}

	startTime := time.Now()
	go report(testCtx, stats, startTime)

	<-testCtx.Done()
	if ctx.Err() != nil {
		fmt.Println("\nTest interrupted")
	} else {
		fmt.Println("\nTest duration reached")
	}

	wg.Wait()

	successCount := atomic.LoadUint64(&stats.successCount)
	failureCount := atomic.LoadUint64(&stats.failureCount)
	totalCount := successCount + failureCount

	var successRate float64
	if totalCount > 0 {
		successRate = float64(successCount) / float64(totalCount) * 100
	}
	elapsedSeconds := time.Since(startTime).Seconds()

	fmt.Printf("\n\nLoad Test Results:\n")
	fmt.Printf("  Test Duration: %.2f seconds\n", elapsedSeconds)
	fmt.Printf("  Total Transfers: %d\n", totalCount)
	fmt.Printf("  Confirmed: %d (%.2f%%)\n", successCount, successRate)
	fmt.Printf("  Failed: %d (%.2f%%)\n", failureCount, 100-successRate)
	fmt.Printf("  Average TPS: %.2f\n", float64(totalCount)/elapsedSeconds)
	fmt.Printf("  Average Latency: %d ms\n", averageLatency(stats))
	if *redisAddr != "" {
		fmt.Printf("  Notifications received: %d\n", atomic.LoadUint64(&stats.notificationCount))
	}
}

func report(ctx context.Context, stats *Stats, startTime time.Time) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			successCount := atomic.LoadUint64(&stats.successCount)
			failureCount := atomic.LoadUint64(&stats.failureCount)
			overallTPS := float64(successCount) / time.Since(startTime).Seconds()

			fmt.Printf("\rTPS: %.2f, Confirmed: %d, Failed: %d, Avg Latency: %d ms, Notifications: %d",
				overallTPS, successCount, failureCount, averageLatency(stats),
				atomic.LoadUint64(&stats.notificationCount))
		}
	}
}

func averageLatency(stats *Stats) uint64 {
	latencyCount := atomic.LoadUint64(&stats.latencyCount)
	if latencyCount == 0 {
		return 0
	}
	return atomic.LoadUint64(&stats.latencySum) / latencyCount
}

// worker sends transfers at the rate allowed by rateLimiter
func worker(ctx context.Context, id int, client *http.Client, recipients []*wallet.Wallet, rateLimiter <-chan struct{}, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()

	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateLimiter:
			startTime := time.Now()
			recipient := recipients[r.Intn(len(recipients))]

			err := sendTransfer(ctx, client, api.TransferRequest{
				To:       recipient.PublicKey().String(),
				Lamports: *lamports,
				SubmitOptions: api.SubmitOptions{
					Notification: &api.NotificationRequest{
						Message: fmt.Sprintf("Load test transfer from worker %d", id),
					},
				},
			})

			if err != nil {
				atomic.AddUint64(&stats.failureCount, 1)
				continue
			}
			atomic.AddUint64(&stats.successCount, 1)
			atomic.AddUint64(&stats.latencySum, uint64(time.Since(startTime).Milliseconds()))
			atomic.AddUint64(&stats.latencyCount, 1)
		}
	}
}

func sendTransfer(ctx context.Context, client *http.Client, body api.TransferRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *apiURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+*token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out api.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if !out.Success {
		return fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)
	}
	return nil
}

// countNotifications counts messages published on the notification channel
func countNotifications(ctx context.Context, client *redis.Client, channel string, stats *Stats) {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			atomic.AddUint64(&stats.notificationCount, 1)
		}
	}
}

// generateRecipients generates fresh wallets to receive transfers
func generateRecipients(count int) ([]*wallet.Wallet, error) {
	wallets := make([]*wallet.Wallet, count)

	for i := 0; i < count; i++ {
		newWallet, err := wallet.NewWallet()
		if err != nil {
			return nil, fmt.Errorf("failed to generate wallet: %w", err)
		}
		wallets[i] = newWallet
	}

	return wallets, nil
}
