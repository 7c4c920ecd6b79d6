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
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/db"
	"github.com/hackgods/consultation-booking/internal/logger"
)

// simulate races many clients for the same provider slot over HTTP. Every
// round must end with exactly one booking and the rest rejected with 409.

type SimConfig struct {
	APIBaseURL  string
	Rounds      int
	Contenders  int
	ClientLimit int
	PostgresDSN string
}

type DataPool struct {
	Providers []uuid.UUID
	Clients   []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type slotResponse struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Available bool   `json:"available"`
}

type target struct {
	ProviderID uuid.UUID
	Date       string
	From, To   string
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	rng     *rand.Rand
	booking OperationMetrics

	doubleBooked int
	rounds       int
}

func main() {
	lg, err := logger.New("info", "console")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	cfg := loadConfig(lg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "simulate"})
	if err != nil {
		lg.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		lg.Fatal("load data pool", zap.Error(err))
	}
	lg.Info("loaded", zap.Int("providers", len(dataPool.Providers)), zap.Int("clients", len(dataPool.Clients)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    lg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	sim.Run(context.Background())
	sim.PrintReport()

	if sim.doubleBooked > 0 {
		os.Exit(1)
	}
}

func loadConfig(lg *zap.Logger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		lg.Fatal("failed to load base config", zap.Error(err))
	}

	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Rounds:      getInt("SIM_ROUNDS", 20),
		Contenders:  getInt("SIM_CONTENDERS", 25),
		ClientLimit: getInt("SIM_CLIENT_LIMIT", 1000),
		PostgresDSN: baseCfg.PostgresDSN,
	}
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT DISTINCT p.id FROM providers p
		JOIN provider_schedules s ON s.provider_id = p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Providers = append(dataPool.Providers, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM clients LIMIT $1`, cfg.ClientLimit)
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Clients = append(dataPool.Clients, id)
	}

	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers with a schedule loaded, run seed first")
	}
	if len(dataPool.Clients) < cfg.Contenders {
		return nil, fmt.Errorf("need at least %d clients, have %d", cfg.Contenders, len(dataPool.Clients))
	}
	return dataPool, nil
}

func (s *Simulator) Run(ctx context.Context) {
	for i := 0; i < s.config.Rounds; i++ {
		t, err := s.pickTarget(ctx)
		if err != nil {
			s.log.Warn("no bookable slot found", zap.Error(err))
			continue
		}
		created := s.race(ctx, t)
		s.rounds++
		if created > 1 {
			s.doubleBooked++
			s.log.Error("slot double booked",
				zap.Stringer("provider_id", t.ProviderID),
				zap.String("date", t.Date),
				zap.String("slot", t.From+"-"+t.To),
				zap.Int("created", created),
			)
		}
	}
}

// pickTarget looks a few days past the booking lead time for a free slot of
// a random provider.
func (s *Simulator) pickTarget(ctx context.Context) (target, error) {
	for attempt := 0; attempt < 20; attempt++ {
		provider := s.pool.Providers[s.rng.Intn(len(s.pool.Providers))]
		date := time.Now().AddDate(0, 0, 2+s.rng.Intn(14)).Format("2006-01-02")

		url := fmt.Sprintf("%s/providers/%s/slots?date=%s", s.config.APIBaseURL, provider, date)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := s.client.Do(req)
		if err != nil {
			return target{}, err
		}

		var body struct {
			Slots []slotResponse `json:"slots"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		for _, slot := range body.Slots {
			if slot.Available {
				return target{ProviderID: provider, Date: date, From: slot.From, To: slot.To}, nil
			}
		}
	}
	return target{}, fmt.Errorf("gave up after 20 lookups")
}

// race fires all contenders at once and returns how many bookings succeeded.
func (s *Simulator) race(ctx context.Context, t target) int {
	clients := make([]uuid.UUID, s.config.Contenders)
	for i, idx := range s.rng.Perm(len(s.pool.Clients))[:s.config.Contenders] {
		clients[i] = s.pool.Clients[idx]
	}

	var created atomic.Int32
	start := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	for _, clientID := range clients {
		clientID := clientID
		g.Go(func() error {
			<-start
			if s.book(gctx, t, clientID) {
				created.Add(1)
			}
			return nil
		})
	}

	close(start)
	_ = g.Wait()
	return int(created.Load())
}

func (s *Simulator) book(ctx context.Context, t target, clientID uuid.UUID) bool {
	body, _ := json.Marshal(map[string]string{
		"provider_id": t.ProviderID.String(),
		"client_id":   clientID.String(),
		"date":        t.Date,
		"from":        t.From,
		"to":          t.To,
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.booking.Record(latency, false, false)
		return false
	}
	defer resp.Body.Close()

	success := resp.StatusCode == http.StatusCreated
	s.booking.Record(latency, success, resp.StatusCode == http.StatusConflict)
	return success
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SAME-SLOT BOOKING RACE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Rounds: %d  Contenders per round: %d\n", s.rounds, s.config.Contenders)
	fmt.Printf("Double-booked rounds: %d\n\n", s.doubleBooked)

	om := &s.booking
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	avg, p50, p95, max := om.Stats()

	fmt.Printf("Booking requests: %d\n", total)
	fmt.Printf("  Created:   %d\n", atomic.LoadInt64(&om.Success))
	fmt.Printf("  Conflicts: %d\n", atomic.LoadInt64(&om.Conflict))
	fmt.Printf("  Errors:    %d\n", atomic.LoadInt64(&om.Error))
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
