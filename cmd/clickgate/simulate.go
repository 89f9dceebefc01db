package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/gate"
	httpx "github.com/shortontech/clickgate/internal/http"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/pkg/config"
)

func newSimulateCmd() *cobra.Command {
	var gap time.Duration
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Classify a fixed set of sample requests through the configured pipeline",
		Long: "Runs representative requests (high-trust mobile click, desktop Meta click,\n" +
			"scripted client, organic visit, replayed click id) through the same pipeline\n" +
			"serve builds, so sinks and stores can be checked end to end.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()

			p, cleanup, err := buildPipeline(ctx, cfg, metrics.InitMetrics(), logger)
			if err != nil {
				return err
			}
			defer func() {
				for _, fn := range cleanup {
					fn()
				}
			}()

			runSimulation(ctx, p.classifier, generateSampleRequests(time.Now().UTC()), gap, cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().DurationVar(&gap, "gap", 0, "pause between samples")
	return cmd
}

type sample struct {
	name string
	rc   event.RequestContext
}

const (
	sampleIPhoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	sampleChromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	sampleAndroidUA = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
)

func sampleHeaders(ua, lang string) event.Headers {
	return event.Headers{
		{Key: "Host", Value: "shop.example"},
		{Key: "Connection", Value: "keep-alive"},
		{Key: "User-Agent", Value: ua},
		{Key: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		{Key: "Accept-Encoding", Value: "gzip, deflate, br"},
		{Key: "Accept-Language", Value: lang},
	}
}

// generateSampleRequests returns one request per decision path. The last
// sample replays the first click id.
func generateSampleRequests(now time.Time) []sample {
	gclid := "EAIaIQobChMI" + uuid.NewString()[:8] + "sdk2Lq0gB"
	fbclid := "IwAR2xK9vLmQ8pZ3" + uuid.NewString()[:8] + "nT7wYbC4dF6"

	base := func(id, ip, ua, lang, country string, q url.Values) event.RequestContext {
		return event.RequestContext{
			RequestID:       id,
			DomainID:        "shop.example",
			IP:              ip,
			UserAgent:       ua,
			Headers:         sampleHeaders(ua, lang),
			Country:         country,
			CountrySource:   "edge",
			Query:           q,
			Path:            "/landing",
			Platform:        event.DetectPlatform(ua),
			NavigationDepth: 1,
			ServerReceived:  now,
		}
	}

	mobile := base("sim-google-mobile", "200.150.10.20", sampleIPhoneUA, "pt-BR,pt;q=0.9", "BR",
		url.Values{"gclid": {gclid}, "utm_source": {"google"}})

	desktop := base("sim-meta-desktop", "203.0.113.5", sampleChromeUA, "en-US,en;q=0.9", "US",
		url.Values{"fbclid": {fbclid}})
	desktop.Headers = append(desktop.Headers, event.Header{Key: "Sec-Ch-Ua", Value: `"Chromium";v="120"`})

	scripted := base("sim-scripted", "198.51.100.7", "python-requests/2.31", "", "US",
		url.Values{"gclid": {"EAIaIQobChMI" + uuid.NewString()[:12]}})
	scripted.Headers = event.Headers{{Key: "User-Agent", Value: "python-requests/2.31"}, {Key: "Accept", Value: "*/*"}}

	organic := base("sim-organic", "200.150.10.31", sampleAndroidUA, "pt-BR,pt;q=0.9", "BR", url.Values{})
	organic.Referer = "https://www.google.com/"
	organic.Session = &event.SessionAggregates{
		PreviousRequests:       3,
		AvgTimeBetweenRequests: 8200,
		IntervalStdDev:         3100,
		PagesVisited:           []string{"/", "/products", "/landing"},
		HasScrolled:            true,
	}

	replay := mobile
	replay.RequestID = "sim-replay"
	replay.ServerReceived = now.Add(time.Second)

	return []sample{
		{"high-trust mobile click", mobile},
		{"desktop meta click", desktop},
		{"scripted client", scripted},
		{"organic visit", organic},
		{"replayed click id", replay},
	}
}

// runSimulation classifies every sample in order and writes one line each.
func runSimulation(ctx context.Context, c httpx.Classifier, samples []sample, gap time.Duration, w io.Writer) []gate.Result {
	results := make([]gate.Result, 0, len(samples))
	for i, s := range samples {
		res := c.Classify(ctx, s.rc)
		results = append(results, res)
		fmt.Fprintf(w, "%d/%d %-24s decision=%-14s risk=%.3f network=%s platform=%s\n",
			i+1, len(samples), s.name, res.Decision, res.FinalRisk, res.ClickID.Network, res.Platform)

		if gap > 0 && i < len(samples)-1 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(gap):
			}
		}
	}
	return results
}
