package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/talgya/galactic-sim/internal/simulation"
)

// Dispatch sources.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// DispatchData holds what a dispatch is written from.
type DispatchData struct {
	RunID    string
	Provider string
	Tick     uint64
	Stardate string
	Events   []simulation.Event
}

// Dispatch is a generated report.
type Dispatch struct {
	RunID       string    `json:"run_id"`
	Tick        uint64    `json:"tick"`
	Stardate    string    `json:"stardate"`
	Source      string    `json:"source"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

const dispatchSystem = `You are the signals officer of a survey fleet charting a procedurally generated galaxy. Sectors drift between stability and unrest, prosperity and hardship.

Write a short dispatch (under 200 words) summarizing the events you are given, in the clipped voice of a field report. Mention sectors by name or ID. Do not invent events that are not listed. Do not break character or reference the simulation.`

// GenerateDispatch writes a dispatch for the given events. When the client is
// disabled or the call fails, a plain-text dispatch is composed instead.
func GenerateDispatch(ctx context.Context, client *Client, data DispatchData) Dispatch {
	d := Dispatch{
		RunID:       data.RunID,
		Tick:        data.Tick,
		Stardate:    data.Stardate,
		GeneratedAt: time.Now().UTC(),
	}

	if client.Enabled() && len(data.Events) > 0 {
		content, err := client.Complete(ctx, dispatchSystem, buildDispatchPrompt(data), 400)
		if err == nil && strings.TrimSpace(content) != "" {
			d.Source = SourceLLM
			d.Content = strings.TrimSpace(content)
			return d
		}
		slog.Warn("dispatch generation failed, using fallback", "run", data.RunID, "error", err)
	}

	d.Source = SourceFallback
	d.Content = fallbackDispatch(data)
	return d
}

func buildDispatchPrompt(data DispatchData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "DATE: %s (tick %d)\n", data.Stardate, data.Tick)
	fmt.Fprintf(&b, "SURVEY: %s\n\n", data.Provider)
	fmt.Fprintf(&b, "EVENTS (oldest first):\n")
	for _, e := range lastEvents(data.Events, 30) {
		fmt.Fprintf(&b, "- [tick %d] %s in %s (magnitude %.2f): %s\n", e.Tick, e.Kind, sectorOrGalaxy(e.Sector), e.Magnitude, e.Description)
	}
	return b.String()
}

func fallbackDispatch(data DispatchData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DISPATCH %s\n", data.Stardate)

	if len(data.Events) == 0 {
		b.WriteString("All sectors quiet. Nothing to report.\n")
		return b.String()
	}

	counts := make(map[string]int)
	for _, e := range data.Events {
		counts[e.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if counts[kinds[i]] != counts[kinds[j]] {
			return counts[kinds[i]] > counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})

	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%d %s", counts[k], strings.ReplaceAll(k, "_", " "))
	}
	fmt.Fprintf(&b, "%d events logged: %s.\n", len(data.Events), strings.Join(parts, ", "))

	strongest := data.Events[0]
	for _, e := range data.Events[1:] {
		if e.Magnitude > strongest.Magnitude {
			strongest = e
		}
	}
	fmt.Fprintf(&b, "Most significant: %s (tick %d).\n", strongest.Description, strongest.Tick)

	latest := data.Events[len(data.Events)-1]
	fmt.Fprintf(&b, "Latest: %s.\n", latest.Description)
	return b.String()
}

func lastEvents(events []simulation.Event, n int) []simulation.Event {
	if len(events) > n {
		return events[len(events)-n:]
	}
	return events
}

func sectorOrGalaxy(sector string) string {
	if sector == "" {
		return "open space"
	}
	return sector
}
