package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/coverwise/coverwise/internal/config"
	"github.com/coverwise/coverwise/internal/ensemble"
	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/modelbundle"
	"github.com/coverwise/coverwise/internal/recommend"
)

func main() {
	cfgPath := flag.String("config", "", "path to config yaml (required)")
	n := flag.Int("n", 200, "number of iterations")
	age := flag.Int("age", 35, "applicant age")
	income := flag.Int("income", 75000, "applicant annual income")
	dependents := flag.Int("dependents", 2, "applicant dependents")
	risk := flag.String("risk", "Medium", "risk tolerance (Low, Medium, High)")
	flag.Parse()

	if *cfgPath == "" {
		log.Fatalf("config flag is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	profile := insurance.ApplicantProfile{
		Age:           *age,
		Income:        *income,
		Dependents:    *dependents,
		RiskTolerance: insurance.RiskTolerance(*risk),
	}
	if err := profile.Validate(); err != nil {
		log.Fatalf("sample applicant: %v", err)
	}

	openOpts, err := modelbundle.OptionsFromConfig(cfg.Model)
	if err != nil {
		log.Fatalf("model: %v", err)
	}
	loader := modelbundle.NewLoader(cfg.Model.BundleDir, modelbundle.WithOpenOptions(openOpts))
	defer loader.Close()

	loadStart := time.Now()
	bundle, err := loader.Bundle()
	if err != nil {
		log.Fatalf("load model bundle: %v", err)
	}
	loadMs := float64(time.Since(loadStart).Microseconds()) / 1000.0

	svc := recommend.NewService(ensemble.New(loader, nil), nil)
	ctx := context.Background()

	// Warmup
	var rec insurance.Recommendation
	for i := 0; i < 5; i++ {
		if rec, err = svc.Recommend(ctx, profile); err != nil {
			log.Fatalf("warmup recommend failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	for i := 0; i < *n; i++ {
		start := time.Now()
		if _, err := svc.Recommend(ctx, profile); err != nil {
			log.Fatalf("recommend failed: %v", err)
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations))*0.95)].Microseconds()) / 1000.0

	fmt.Printf("bench: n=%d load_ms=%.2f avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f bundle=%s@%s policy=%q coverage=%d\n",
		len(durations),
		loadMs,
		avg,
		p50,
		p95,
		bundle.Name,
		bundle.Version,
		rec.PolicyType,
		rec.Coverage,
	)
}
