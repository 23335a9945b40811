package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/logging"
)

// Payment methods the fake processor understands.
var (
	approvedMethods = []string{"pm_card_visa", "pm_card_mastercard"}
	declinedMethods = []string{"pm_card_chargeDeclined", "pm_card_insufficientFunds", "pm_card_expired"}
)

type SimConfig struct {
	APIBaseURL        string
	Duration          time.Duration
	Workers           int
	Doctors           int
	CancelRatio       float64
	DeclineRatio      float64
	DoubleSubmitRatio float64
}

type doctor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fee  string `json:"fee"`
}

type flowResponse struct {
	ID    uuid.UUID `json:"id"`
	State string    `json:"state"`
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Rejected  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < http.StatusMultipleChoices:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status < http.StatusInternalServerError:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Select  OperationMetrics
	Book    OperationMetrics
	Confirm OperationMetrics
	Cancel  OperationMetrics
	Read    OperationMetrics

	DoubleSubmits    int64
	DuplicateCharges int64 // both confirms of one flow succeeded; must stay zero
}

type Simulator struct {
	config  SimConfig
	doctors []doctor
	client  *http.Client
	logger  *zap.Logger
	metrics Metrics
}

func main() {
	logger, err := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("config loaded",
		zap.String("api", cfg.APIBaseURL),
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("doctors", cfg.Doctors),
		zap.Float64("cancel_ratio", cfg.CancelRatio),
		zap.Float64("decline_ratio", cfg.DeclineRatio),
		zap.Float64("double_submit_ratio", cfg.DoubleSubmitRatio),
	)

	sim := &Simulator{
		config:  cfg,
		doctors: fakeDoctors(gofakeit.New(uint64(time.Now().UnixNano())), cfg.Doctors),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:        strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:          getDuration("SIM_DURATION", 30*time.Second),
		Workers:           getInt("SIM_WORKERS", 10),
		Doctors:           getInt("SIM_DOCTORS", 50),
		CancelRatio:       getFloat("SIM_CANCEL_RATIO", 0.15),
		DeclineRatio:      getFloat("SIM_DECLINE_RATIO", 0.1),
		DoubleSubmitRatio: getFloat("SIM_DOUBLE_SUBMIT_RATIO", 0.05),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Doctors <= 0 {
		return fmt.Errorf("SIM_DOCTORS must be > 0")
	}
	return nil
}

func fakeDoctors(faker *gofakeit.Faker, n int) []doctor {
	doctors := make([]doctor, 0, n)
	for i := 0; i < n; i++ {
		doctors = append(doctors, doctor{
			ID:   faker.UUID(),
			Name: "Dr. " + faker.LastName(),
			Fee:  fakeFee(faker),
		})
	}
	return doctors
}

// fakeFee mixes the fee formats doctor profiles carry in practice.
func fakeFee(faker *gofakeit.Faker) string {
	switch faker.Number(0, 9) {
	case 0:
		return "Free"
	case 1, 2, 3:
		return fmt.Sprintf("$%d/visit", faker.Number(20, 200))
	default:
		return fmt.Sprintf("$%d", faker.Number(20, 200))
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	faker := gofakeit.New(uint64(time.Now().UnixNano()) + uint64(workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			s.checkout(ctx, faker)
		}
	}
}

// checkout runs one patient through select, book and then confirm or cancel.
func (s *Simulator) checkout(ctx context.Context, faker *gofakeit.Faker) {
	patientID := faker.UUID()
	doc := s.doctors[faker.Number(0, len(s.doctors)-1)]

	status, err := s.call(ctx, &s.metrics.Select, http.MethodPut, "/selection/doctor", patientID, doc, nil)
	if err != nil || status != http.StatusNoContent {
		return
	}

	day := faker.DateRange(time.Now().AddDate(0, 0, 1), time.Now().AddDate(0, 1, 0))
	book := map[string]string{
		"date": day.Format("2006-01-02"),
		"time": fmt.Sprintf("%02d:%s", faker.Number(9, 17), faker.RandomString([]string{"00", "30"})),
	}
	var flow flowResponse
	status, err = s.call(ctx, &s.metrics.Book, http.MethodPost, "/checkout", patientID, book, &flow)
	if err != nil || status != http.StatusCreated {
		return
	}
	path := "/checkout/" + flow.ID.String()

	roll := faker.Float64()
	switch {
	case roll < s.config.CancelRatio:
		_, _ = s.call(ctx, &s.metrics.Cancel, http.MethodPost, path+"/cancel", patientID, nil, nil)
	case roll < s.config.CancelRatio+s.config.DoubleSubmitRatio:
		s.doubleSubmit(ctx, path, patientID)
	default:
		method := faker.RandomString(approvedMethods)
		if faker.Float64() < s.config.DeclineRatio {
			method = faker.RandomString(declinedMethods)
		}
		_, _ = s.call(ctx, &s.metrics.Confirm, http.MethodPost, path+"/confirm", patientID, map[string]string{"payment_method": method}, nil)
	}

	_, _ = s.call(ctx, &s.metrics.Read, http.MethodGet, path, patientID, nil, nil)
}

// doubleSubmit fires two confirms for the same flow at once. At most one
// may succeed.
func (s *Simulator) doubleSubmit(ctx context.Context, path, patientID string) {
	atomic.AddInt64(&s.metrics.DoubleSubmits, 1)

	var wg sync.WaitGroup
	var ok int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := s.call(ctx, &s.metrics.Confirm, http.MethodPost, path+"/confirm", patientID, map[string]string{"payment_method": approvedMethods[0]}, nil)
			if err == nil && status == http.StatusOK {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()

	if ok > 1 {
		atomic.AddInt64(&s.metrics.DuplicateCharges, 1)
		s.logger.Error("duplicate confirmation accepted", zap.String("path", path))
	}
}

func (s *Simulator) call(ctx context.Context, om *OperationMetrics, method, path, patientID string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Patient-ID", patientID)
	req.Header.Set("Authorization", "Bearer sim-"+patientID)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		// the run deadline cuts requests short; those are not failures
		if ctx.Err() == nil {
			om.Record(latency, 0, err)
		}
		return 0, err
	}
	defer resp.Body.Close()

	om.Record(latency, resp.StatusCode, nil)

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Select doctor", &s.metrics.Select)
	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read", &s.metrics.Read)

	fmt.Printf("Double submits: %d\n", atomic.LoadInt64(&s.metrics.DoubleSubmits))
	fmt.Printf("Duplicate confirmations: %d\n", atomic.LoadInt64(&s.metrics.DuplicateCharges))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, float64(rejected)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
