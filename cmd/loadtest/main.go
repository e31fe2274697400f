package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultCost       = int64(1000)
	defaultStock      = int32(1_000_000)
	codeTransportErr  = "error"
)

type loadMode string

const (
	modeBrowse       loadMode = "browse"
	modeRedeem       loadMode = "redeem"
	modeBrowseRedeem loadMode = "browse-redeem"
)

type config struct {
	addr        string
	jwtSecret   string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	category    string
	costMinor   int64
	stock       int32
	memberTag   string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func (c *collector) record(method string, latency time.Duration, code string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if success {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (s *methodStats) snapshot() methodReport {
	codes := make(map[string]int64, len(s.codes))
	for code, count := range s.codes {
		codes[code] = count
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Codes:     codes,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	for name, stats := range c.methods {
		result.Methods[name] = stats.snapshot()
	}

	if scenario, ok := result.Methods["scenario"]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var timeoutValue string
	var durationValue string
	var stockValue int

	flag.StringVar(&cfg.addr, "addr", "http://localhost:8080", "HTTP base URL of the rewards service")
	flag.StringVar(&cfg.jwtSecret, "jwt-secret", "", "JWT signing secret (fallback: REWARDS_JWT_SECRET)")
	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	flag.StringVar(&modeValue, "mode", string(modeRedeem), "load mode: browse | redeem | browse-redeem")
	flag.StringVar(&cfg.category, "category", "loadtest", "category of the load reward")
	flag.Int64Var(&cfg.costMinor, "cost-minor", defaultCost, "cost of the load reward in minor units")
	flag.IntVar(&stockValue, "stock", int(defaultStock), "stock quantity of the load reward")
	flag.StringVar(&cfg.memberTag, "member-tag", "load", "member id prefix")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	if strings.TrimSpace(cfg.jwtSecret) == "" {
		cfg.jwtSecret = os.Getenv("REWARDS_JWT_SECRET")
	}

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.stock = int32(stockValue)

	if strings.TrimSpace(cfg.addr) == "" {
		return cfg, errors.New("addr is required")
	}
	if strings.TrimSpace(cfg.jwtSecret) == "" {
		return cfg, errors.New("jwt secret is required (-jwt-secret or REWARDS_JWT_SECRET)")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.costMinor <= 0 {
		return cfg, errors.New("cost-minor must be > 0")
	}
	if cfg.stock <= 0 {
		return cfg, errors.New("stock must be > 0")
	}
	if strings.TrimSpace(cfg.category) == "" {
		return cfg, errors.New("category is required")
	}
	if strings.TrimSpace(cfg.memberTag) == "" {
		return cfg, errors.New("member-tag is required")
	}

	cfg.addr = strings.TrimRight(cfg.addr, "/")
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeBrowse:
		return modeBrowse, nil
	case modeRedeem:
		return modeRedeem, nil
	case modeBrowseRedeem:
		return modeBrowseRedeem, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func signToken(secret, subject, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(2 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: base,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 128,
			},
		},
	}
}

func (a *apiClient) do(method, path, token, idempotencyKey string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, a.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

// setupReward создаёт под нагрузку одну награду с большим остатком.
func setupReward(api *apiClient, cfg config, runID string) (string, error) {
	adminToken, err := signToken(cfg.jwtSecret, "loadtest-admin", "admin")
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}

	status, payload, err := api.do(http.MethodPost, "/api/rewards", adminToken, "", map[string]any{
		"name":       fmt.Sprintf("Load Reward %s", runID),
		"category":   cfg.category,
		"cost_minor": cfg.costMinor,
		"quantity":   cfg.stock,
	})
	if err != nil {
		return "", fmt.Errorf("create load reward: %w", err)
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("create load reward: unexpected status %d: %s", status, string(payload))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("create response returned empty reward id")
	}
	return created.ID, nil
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	api := newAPIClient(cfg.addr, cfg.timeout)

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())

	rewardID, err := setupReward(api, cfg, runID)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		os.Exit(1)
	}

	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(api, cfg, rewardID, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// dispatchJobs кормит воркеров индексами сценариев. Режим по количеству
// отправляет ровно total; режим по длительности — до истечения таймера,
// с верхней границей total, если она задана явно.
func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	limit := -1
	if cfg.totalSet {
		limit = cfg.total
	}

	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()

	for i := 0; limit < 0 || i < limit; i++ {
		select {
		case <-deadline.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(api *apiClient, cfg config, rewardID string, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := "OK"
	scenarioOK := true
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioCode, scenarioOK)
	}()

	memberID := fmt.Sprintf("%s-%s-%d", cfg.memberTag, runID, index)
	token, err := signToken(cfg.jwtSecret, memberID, "member")
	if err != nil {
		scenarioCode, scenarioOK = codeTransportErr, false
		return err
	}

	if cfg.mode == modeBrowse || cfg.mode == modeBrowseRedeem {
		if err := callBrowse(api, cfg, token, col); err != nil {
			scenarioCode, scenarioOK = codeTransportErr, false
			return err
		}
	}
	if cfg.mode == modeBrowse {
		return nil
	}

	key := fmt.Sprintf("lt-redeem-%s-%d", runID, index)
	if err := callRedeem(api, rewardID, token, key, col); err != nil {
		scenarioCode, scenarioOK = codeTransportErr, false
		return err
	}

	return nil
}

func callBrowse(api *apiClient, cfg config, token string, col *collector) error {
	start := time.Now()
	status, _, err := api.do(http.MethodGet, "/api/rewards/find?category="+cfg.category, token, "", nil)
	col.record("FindRewards", time.Since(start), httpCode(status, err), err == nil && status == http.StatusOK)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("find rewards: unexpected status %d", status)
	}
	return nil
}

func callRedeem(api *apiClient, rewardID, token, key string, col *collector) error {
	start := time.Now()
	status, payload, err := api.do(http.MethodPost, "/api/rewards/redeem", token, key, map[string]any{
		"reward_id": rewardID,
		"quantity":  1,
	})
	col.record("Redeem", time.Since(start), httpCode(status, err), err == nil && status == http.StatusAccepted)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("redeem: unexpected status %d: %s", status, string(payload))
	}
	return nil
}

func httpCode(status int, err error) string {
	if err != nil {
		return codeTransportErr
	}
	return fmt.Sprintf("%d", status)
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	switch {
	case cleanPath == "." || cleanPath == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- отчёт локального прогона, секретов не содержит.
	return os.WriteFile(cleanPath, append(data, '\n'), 0o644)
}

func printReport(result report, cfg config) {
	lat := result.ScenarioLatencyMs

	fmt.Println("Load test summary")
	fmt.Printf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg),
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	for _, name := range sortedMethodNames(result.Methods) {
		stats := result.Methods[name]
		fmt.Printf("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
}

// sortedMethodNames возвращает имена методов без синтетического "scenario".
func sortedMethodNames(methods map[string]methodReport) []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		if name != "scenario" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует между соседними значениями отсортированного среза.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
