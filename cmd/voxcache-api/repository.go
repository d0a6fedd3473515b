package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Agent is a configured voice agent of a tenant.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Voice     string    `json:"voice"`
	CreatedAt time.Time `json:"created_at"`
}

// Call is a finished call handled by an agent.
type Call struct {
	ID       string        `json:"id"`
	AgentID  string        `json:"agent_id"`
	Duration time.Duration `json:"duration"`
	EndedAt  time.Time     `json:"ended_at"`
}

// CallSummary aggregates a tenant's calls.
type CallSummary struct {
	TotalCalls      int            `json:"total_calls"`
	CallsToday      int64          `json:"calls_today"`
	AverageDuration float64        `json:"average_duration_seconds"`
	ByAgent         map[string]int `json:"by_agent"`
	ComputedAt      time.Time      `json:"computed_at"`
}

// Voice is an entry of the global voice catalogue.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

var voiceCatalogue = []Voice{
	{ID: "aria", Name: "Aria", Language: "en-US"},
	{ID: "hans", Name: "Hans", Language: "de-DE"},
	{ID: "lucia", Name: "Lucia", Language: "es-ES"},
	{ID: "noah", Name: "Noah", Language: "en-GB"},
}

// repository is the in-process stand-in for the dashboard database. It
// counts reads so tests can observe cache hits.
type repository struct {
	mu     sync.Mutex
	seq    int
	agents map[string][]Agent
	calls  map[string][]Call
	reads  int
	now    func() time.Time
}

func newRepository() *repository {
	return &repository{
		agents: make(map[string][]Agent),
		calls:  make(map[string][]Call),
		now:    time.Now,
	}
}

func (r *repository) nextID(kind string) string {
	r.seq++
	return fmt.Sprintf("%s_%d", kind, r.seq)
}

func (r *repository) Agents(ctx context.Context, tenant string) ([]Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reads++
	out := make([]Agent, len(r.agents[tenant]))
	copy(out, r.agents[tenant])
	return out, nil
}

func (r *repository) CreateAgent(tenant, name, voice string) Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := Agent{ID: r.nextID("agent"), Name: name, Voice: voice, CreatedAt: r.now().UTC()}
	r.agents[tenant] = append(r.agents[tenant], a)
	return a
}

func (r *repository) Calls(tenant string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reads++
	out := make([]Call, len(r.calls[tenant]))
	copy(out, r.calls[tenant])
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out
}

func (r *repository) RecordCall(tenant, agentID string, d time.Duration) Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Call{ID: r.nextID("call"), AgentID: agentID, Duration: d, EndedAt: r.now().UTC()}
	r.calls[tenant] = append(r.calls[tenant], c)
	return c
}

func (r *repository) Summary(tenant string) CallSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reads++
	s := CallSummary{ByAgent: make(map[string]int), ComputedAt: r.now().UTC()}
	var total time.Duration
	for _, c := range r.calls[tenant] {
		s.TotalCalls++
		s.ByAgent[c.AgentID]++
		total += c.Duration
	}
	if s.TotalCalls > 0 {
		s.AverageDuration = total.Seconds() / float64(s.TotalCalls)
	}
	return s
}

func (r *repository) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}
