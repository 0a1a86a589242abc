// Package analytics summarizes journaled task events.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/factoryctl/internal/channel"
	"github.com/lucasnoah/factoryctl/internal/db"
)

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// StageDurations returns average and percentile durations per stage.
//
// A stage starts at the first event of a task that reports it as the current
// stage and ends at the first later event reporting a different stage or a
// terminal status. Stages still running at the last event are not counted.
func StageDurations(events []db.TaskEvent) []StageDuration {
	durations := make(map[string][]float64)
	for _, evs := range byTask(events) {
		var stage string
		var start time.Time
		for _, e := range evs {
			terminal := isTerminal(e.Status)
			if stage != "" && (terminal || (e.CurrentStage != "" && e.CurrentStage != stage)) {
				if minutes := e.ReceivedAt.Sub(start).Minutes(); minutes > 0 {
					durations[stage] = append(durations[stage], minutes)
				}
				stage = ""
			}
			if terminal {
				break
			}
			if stage == "" && e.CurrentStage != "" {
				stage, start = e.CurrentStage, e.ReceivedAt
			}
		}
	}

	var results []StageDuration
	for stage, d := range durations {
		sort.Float64s(d)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(d),
			Avg:   avg(d),
			P50:   percentile(d, 50),
			P95:   percentile(d, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results
}

// Outcomes counts tasks by their last reported status.
type Outcomes struct {
	Tasks     int     `json:"tasks"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Running   int     `json:"running"`
	Success   float64 `json:"success_pct"`
}

// TaskOutcomes classifies each task by the last event carrying a status.
// Success is completed over finished tasks.
func TaskOutcomes(events []db.TaskEvent) Outcomes {
	var o Outcomes
	for _, evs := range byTask(events) {
		o.Tasks++
		status := ""
		for _, e := range evs {
			if e.Status != "" {
				status = e.Status
			}
		}
		switch status {
		case channel.StatusCompleted:
			o.Completed++
		case channel.StatusFailed:
			o.Failed++
		case channel.StatusCancelled:
			o.Cancelled++
		default:
			o.Running++
		}
	}
	o.Success = pct(o.Completed, o.Completed+o.Failed+o.Cancelled)
	return o
}

// byTask groups events by task in arrival order. Channel greetings without
// a task are skipped.
func byTask(events []db.TaskEvent) map[string][]db.TaskEvent {
	out := make(map[string][]db.TaskEvent)
	for _, e := range events {
		if e.TaskID == "" || e.TaskID == e.ChannelKey {
			continue
		}
		out[e.TaskID] = append(out[e.TaskID], e)
	}
	for _, evs := range out {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].ReceivedAt.Before(evs[j].ReceivedAt)
		})
	}
	return out
}

func isTerminal(status string) bool {
	return channel.Event{Status: status}.Terminal()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
