// Package main - tap-bot
// Load generator: registers N players and has each of them tap over WebSocket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config for the bot run
type Config struct {
	ServerURL      string
	NumClients     int
	ActionInterval time.Duration
	TestDuration   time.Duration
	BuyRatio       float64
	Password       string
}

// Stats tracks performance metrics
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	Errors           int64
	ByType           map[string]int64
	Latencies        []time.Duration
	mu               sync.Mutex
}

var upgrades = []string{"multitap", "automining", "energy", "minigame"}

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "Server base URL")
	numClients := flag.Int("clients", 50, "Number of concurrent players")
	interval := flag.Duration("interval", 100*time.Millisecond, "Action interval per player")
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	buyRatio := flag.Float64("buy", 0.05, "Fraction of actions that are purchases")
	flag.Parse()

	config := Config{
		ServerURL:      strings.TrimRight(*serverURL, "/"),
		NumClients:     *numClients,
		ActionInterval: *interval,
		TestDuration:   *duration,
		BuyRatio:       *buyRatio,
		Password:       "bot-password",
	}

	fmt.Println("=========================================")
	fmt.Println("TAP-BOT - Load Test Tool")
	fmt.Println("=========================================")
	fmt.Printf("Server: %s\n", config.ServerURL)
	fmt.Printf("Clients: %d\n", config.NumClients)
	fmt.Printf("Interval: %v\n", config.ActionInterval)
	fmt.Printf("Duration: %v\n", config.TestDuration)
	fmt.Println("=========================================")

	ctx, cancel := context.WithTimeout(context.Background(), config.TestDuration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupt received, stopping...")
		cancel()
	}()

	stats := runLoad(ctx, config)
	printResults(stats, config)
}

func runLoad(ctx context.Context, config Config) *Stats {
	stats := &Stats{
		ByType:    make(map[string]int64),
		Latencies: make([]time.Duration, 0, 10000),
	}
	runID := time.Now().Unix() % 100000

	var wg sync.WaitGroup
	fmt.Println("\nStarting players...")
	for i := 0; i < config.NumClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			runClient(ctx, clientID, runID, config, stats)
		}(i)

		// Stagger client starts to avoid thundering herd
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("All %d players started\n\n", config.NumClients)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("Progress: Sent=%d Recv=%d Errors=%d\n",
					atomic.LoadInt64(&stats.MessagesSent),
					atomic.LoadInt64(&stats.MessagesReceived),
					atomic.LoadInt64(&stats.Errors))
			}
		}
	}()

	wg.Wait()
	return stats
}

// login registers the bot account if needed and returns a token.
func login(ctx context.Context, base, username, password string) (string, error) {
	reg := map[string]string{"username": username, "password": password, "password_confirm": password}
	resp, err := postJSON(ctx, base+"/api/register", reg)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return "", fmt.Errorf("register %s: status %d", username, resp.StatusCode)
	}

	resp, err = postJSON(ctx, base+"/api/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func postJSON(ctx context.Context, u string, body interface{}) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func wsURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runClient(ctx context.Context, clientID int, runID int64, config Config, stats *Stats) {
	username := fmt.Sprintf("bot_%d_%03d", runID, clientID)

	token, err := login(ctx, config.ServerURL, username, config.Password)
	if err != nil {
		log.Printf("Client %d: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	u, err := wsURL(config.ServerURL, token)
	if err != nil {
		log.Printf("Client %d: URL parse error: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		log.Printf("Client %d: Connection failed: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer conn.Close()

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&stats.MessagesReceived, 1)
			var ev struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(msg, &ev) == nil {
				stats.mu.Lock()
				stats.ByType[ev.Type]++
				stats.mu.Unlock()
			}
		}
	}()

	ticker := time.NewTicker(config.ActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			action := generateAction(config.BuyRatio)
			start := time.Now()

			if err := conn.WriteJSON(action); err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				return
			}

			latency := time.Since(start)
			atomic.AddInt64(&stats.MessagesSent, 1)

			stats.mu.Lock()
			stats.Latencies = append(stats.Latencies, latency)
			stats.mu.Unlock()
		}
	}
}

func generateAction(buyRatio float64) map[string]string {
	r := rand.Float64()
	switch {
	case r < buyRatio:
		return map[string]string{"type": "BUY", "upgrade": upgrades[rand.Intn(len(upgrades))]}
	case r < buyRatio+0.01:
		return map[string]string{"type": "STATE"}
	}
	return map[string]string{"type": "TAP"}
}

func printResults(stats *Stats, config Config) {
	fmt.Println("\n=========================================")
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println("=========================================")

	sent := atomic.LoadInt64(&stats.MessagesSent)
	recv := atomic.LoadInt64(&stats.MessagesReceived)
	errs := atomic.LoadInt64(&stats.Errors)

	fmt.Printf("Messages Sent:     %d\n", sent)
	fmt.Printf("Messages Received: %d\n", recv)
	fmt.Printf("Errors:            %d\n", errs)
	fmt.Printf("Error Rate:        %.2f%%\n", float64(errs)/float64(sent+1)*100)

	throughput := float64(sent) / config.TestDuration.Seconds()
	fmt.Printf("Throughput:        %.2f msg/sec\n", throughput)

	stats.mu.Lock()
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Printf("\nReceived by type:\n")
	for _, t := range types {
		fmt.Printf("  %-16s %d\n", t, stats.ByType[t])
	}

	if len(stats.Latencies) > 0 {
		sorted := append([]time.Duration(nil), stats.Latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var total time.Duration
		for _, l := range sorted {
			total += l
		}
		fmt.Printf("\nWrite latency:\n")
		fmt.Printf("  Min: %v\n", sorted[0])
		fmt.Printf("  Avg: %v\n", total/time.Duration(len(sorted)))
		fmt.Printf("  P99: %v\n", sorted[len(sorted)*99/100])
		fmt.Printf("  Max: %v\n", sorted[len(sorted)-1])
	}
	byType := make(map[string]int64, len(stats.ByType))
	for k, v := range stats.ByType {
		byType[k] = v
	}
	stats.mu.Unlock()

	fmt.Println("\n-----------------------------------------")
	if errs == 0 {
		fmt.Println("TEST PASSED: System handled the load")
	} else if float64(errs)/float64(sent+1) < 0.05 {
		fmt.Println("TEST WARNING: Some errors detected")
	} else {
		fmt.Println("TEST FAILED: High error rate")
	}
	fmt.Println("=========================================")

	results := map[string]interface{}{
		"messages_sent":      sent,
		"messages_received":  recv,
		"errors":             errs,
		"throughput_per_sec": throughput,
		"received_by_type":   byType,
		"config": map[string]interface{}{
			"clients":  config.NumClients,
			"interval": config.ActionInterval.String(),
			"duration": config.TestDuration.String(),
		},
	}

	jsonData, _ := json.MarshalIndent(results, "", "  ")
	os.WriteFile("tap_bot_results.json", jsonData, 0644)
	fmt.Println("\nResults saved to tap_bot_results.json")
}
