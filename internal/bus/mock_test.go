package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contextualhq/eventcore/internal/streams"
)

// mockClient is an in-memory streams.Client with consumer-group semantics:
// new-only reads, per-consumer pending lists, delivery counters bumped by
// claims, and id timestamps derived from the clock so age checks work.
type mockClient struct {
	mu      sync.Mutex
	streams map[string]*memStream
	seq     int64
	reads   atomic.Int64

	appendErr error
	pingErr   error
}

type memStream struct {
	entries []streams.Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int // index of the first undelivered entry
	pending map[string]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

func newMockClient() *mockClient {
	return &mockClient{streams: make(map[string]*memStream)}
}

func (m *mockClient) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

// inject adds an entry with a caller-chosen id, bypassing id generation.
func (m *mockClient) inject(stream, id string, values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	s.entries = append(s.entries, streams.Entry{ID: id, Values: values})
}

func (m *mockClient) entriesOf(stream string) []streams.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	out := make([]streams.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (m *mockClient) Append(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return "", m.appendErr
	}
	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)
	s := m.stream(stream)
	s.entries = append(s.entries, streams.Entry{ID: id, Values: values})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}
	return id, nil
}

func (m *mockClient) EnsureGroup(ctx context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	if start == "$" {
		g.next = len(s.entries)
	}
	s.groups[group] = g
	return nil
}

// readGroupCalls counts ReadGroup invocations so tests can assert the
// consumer loop blocks instead of spinning.
func (m *mockClient) readGroupCalls() int64 { return m.reads.Load() }

func (m *mockClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streams.Entry, error) {
	m.reads.Add(1)
	m.mu.Lock()
	s, ok := m.streams[stream]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no such stream %q", stream)
	}
	g, ok := s.groups[group]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no such group %q", group)
	}
	var out []streams.Entry
	now := time.Now()
	for g.next < len(s.entries) && int64(len(out)) < count {
		entry := s.entries[g.next]
		g.next++
		g.pending[entry.ID] = &memPending{consumer: consumer, deliveredAt: now, count: 1}
		out = append(out, entry)
	}
	m.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	return out, nil
}

func (m *mockClient) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]streams.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []streams.Entry
	for _, entry := range s.entries {
		p, ok := g.pending[entry.ID]
		if !ok || p.consumer != consumer {
			continue
		}
		out = append(out, entry)
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *mockClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *mockClient) Summary(ctx context.Context, stream, group string) (*streams.PendingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &streams.PendingSummary{PerConsumer: map[string]int64{}}
	s, ok := m.streams[stream]
	if !ok {
		return summary, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return summary, nil
	}
	for _, p := range g.pending {
		summary.Total++
		summary.PerConsumer[p.consumer]++
	}
	return summary, nil
}

func (m *mockClient) Pending(ctx context.Context, stream, group string, count int64) ([]streams.PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	var out []streams.PendingEntry
	for id, p := range g.pending {
		out = append(out, streams.PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          now.Sub(p.deliveredAt),
			DeliveryCount: p.count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *mockClient) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]streams.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	var out []streams.Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		var entry *streams.Entry
		for i := range s.entries {
			if s.entries[i].ID == id {
				entry = &s.entries[i]
				break
			}
		}
		if entry == nil {
			// Entry was deleted; drop the dangling pending reference.
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.count++
		out = append(out, *entry)
	}
	return out, nil
}

func (m *mockClient) Trim(ctx context.Context, stream string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	if int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}
	return nil
}

func (m *mockClient) Info(ctx context.Context, stream string) (*streams.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &streams.StreamInfo{Name: stream}
	s, ok := m.streams[stream]
	if !ok {
		return info, nil
	}
	info.Length = int64(len(s.entries))
	info.Groups = int64(len(s.groups))
	if len(s.entries) > 0 {
		info.FirstID = s.entries[0].ID
		info.LastID = s.entries[len(s.entries)-1].ID
	}
	return info, nil
}

func (m *mockClient) Groups(ctx context.Context, stream string) ([]streams.GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	var out []streams.GroupInfo
	for name, g := range s.groups {
		out = append(out, streams.GroupInfo{
			Name:      name,
			Consumers: 1,
			Pending:   int64(len(g.pending)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockClient) Range(ctx context.Context, stream, start, end string, count int64) ([]streams.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	out := make([]streams.Entry, len(s.entries))
	copy(out, s.entries)
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *mockClient) Delete(ctx context.Context, stream string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	for _, id := range ids {
		for i := range s.entries {
			if s.entries[i].ID == id {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *mockClient) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockClient) Close() error { return nil }
