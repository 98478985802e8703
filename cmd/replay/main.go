// Replay tool for measuring Kestrel against labelled claim data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/claims.csv -url http://localhost:8080
//
// The CSV needs a header row with the columns id, domain, amount, risk_score
// and is_fraud. subject_id, currency and risk_factors are optional;
// risk_factors is a semicolon separated list of name:level:weight.
//
// Every row is submitted to POST /events. A case counts as flagged when its
// classification is anything other than Released, and the flags are compared
// with the is_fraud labels.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Claim is one labelled row of the input file.
type Claim struct {
	Event   domain.Event
	IsFraud bool
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud released
	FalseNegatives int64 // Fraud released

	Escalated int64
	Errors    int64
	Processed int64
	Fraud     int64
	NonFraud  int64
	LatencyMs int64
}

func (m *Metrics) record(c Claim, class domain.Classification) {
	flagged := class != domain.ClassificationReleased
	if class == domain.ClassificationNeedsInvestigation {
		atomic.AddInt64(&m.Escalated, 1)
	}
	if c.IsFraud {
		atomic.AddInt64(&m.Fraud, 1)
	} else {
		atomic.AddInt64(&m.NonFraud, 1)
	}

	switch {
	case flagged && c.IsFraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case flagged && !c.IsFraud:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !flagged && !c.IsFraud:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is the share of flagged cases that were fraud.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of fraud that was flagged.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled claims CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum rows to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/claims.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	claims, skipped, err := readClaims(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d claims (%d malformed rows skipped)\n", len(claims), skipped)

	start := time.Now()
	m := replay(claims, *baseURL, *workers, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readClaims parses labelled claims. Malformed rows are counted and skipped.
func readClaims(r io.Reader, limit int) ([]Claim, int, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, col := range header {
		cols[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"id", "domain", "amount", "risk_score", "is_fraud"} {
		if _, ok := cols[required]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", required)
		}
	}

	var claims []Claim
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		c, err := parseRow(cols, record)
		if err != nil {
			skipped++
			continue
		}
		claims = append(claims, c)

		if limit > 0 && len(claims) >= limit {
			break
		}
	}
	return claims, skipped, nil
}

func parseRow(cols map[string]int, record []string) (Claim, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	amount, err := decimal.NewFromString(get("amount"))
	if err != nil {
		return Claim{}, fmt.Errorf("amount: %w", err)
	}
	score, err := strconv.ParseFloat(get("risk_score"), 64)
	if err != nil {
		return Claim{}, fmt.Errorf("risk_score: %w", err)
	}
	factors, err := parseFactors(get("risk_factors"))
	if err != nil {
		return Claim{}, err
	}

	features := map[string]any{"risk_score": score}
	if len(factors) > 0 {
		features["risk_factors"] = factors
	}

	label := get("is_fraud")
	return Claim{
		Event: domain.Event{
			ID:        get("id"),
			Domain:    get("domain"),
			SubjectID: get("subject_id"),
			Amount:    amount,
			Currency:  get("currency"),
			Features:  features,
		},
		IsFraud: label == "1" || strings.EqualFold(label, "true"),
	}, nil
}

// parseFactors reads name:level:weight;name:level:weight.
func parseFactors(s string) ([]domain.RiskFactor, error) {
	if s == "" {
		return nil, nil
	}
	var out []domain.RiskFactor
	for _, part := range strings.Split(s, ";") {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("risk factor %q: want name:level:weight", part)
		}
		weight, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("risk factor %q: %w", part, err)
		}
		level := domain.RiskLevel(fields[1])
		if !level.Valid() {
			return nil, fmt.Errorf("risk factor %q: unknown level", part)
		}
		out = append(out, domain.RiskFactor{Name: fields[0], Level: level, Weight: weight})
	}
	return out, nil
}

func replay(claims []Claim, baseURL string, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}

	work := make(chan Claim, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				result, err := submit(client, baseURL, c.Event)
				atomic.AddInt64(&m.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.Processed, 1)

				if err != nil {
					atomic.AddInt64(&m.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.Event.ID, err)
					}
					continue
				}

				m.record(c, result.Classification)
				if verbose {
					fmt.Printf("%-24s | fraud: %-5v | %-18s | %s\n",
						c.Event.ID, c.IsFraud, result.Classification, result.Action.Kind)
				}
			}
		}()
	}

	for _, c := range claims {
		work <- c
	}
	close(work)
	wg.Wait()

	return m
}

func submit(client *http.Client, baseURL string, ev domain.Event) (*domain.Case, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var c domain.Case
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDataset\n")
	fmt.Printf("   Processed:  %d\n", m.Processed)
	fmt.Printf("   Fraud:      %d\n", m.Fraud)
	fmt.Printf("   Non-fraud:  %d\n", m.NonFraud)
	fmt.Printf("   Escalated:  %d\n", m.Escalated)
	fmt.Printf("   Errors:     %d\n", m.Errors)

	fmt.Printf("\nConfusion matrix\n")
	fmt.Println("                     Predicted")
	fmt.Println("                  Flagged  Released")
	fmt.Printf("   Actual  F    %9d %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF    %9d %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDetection\n")
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())

	fmt.Printf("\nPerformance\n")
	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Processed > 0 {
		fmt.Printf("   Avg latency: %.2f ms\n", float64(m.LatencyMs)/float64(m.Processed))
		fmt.Printf("   Throughput:  %.2f events/sec\n", float64(m.Processed)/duration.Seconds())
	}
	fmt.Println()
}
