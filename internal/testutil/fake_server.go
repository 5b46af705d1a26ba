// Package testutil provides in-memory collaborators for tests.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/remote"
)

// Method names a FakeServer call for fault injection.
type Method string

const (
	MethodSnapshot Method = "snapshot"
	MethodDelta    Method = "delta"
	MethodPush     Method = "push"
	MethodPing     Method = "ping"
)

// Calls counts the calls a FakeServer has served, failed ones included.
type Calls struct {
	Snapshot int
	Delta    int
	Push     int
	Ping     int
}

type logEntry struct {
	seq     int64
	et      schema.EntityType
	id      string
	deleted bool
	record  *schema.Record
}

type fault struct {
	skip int
	n    int
	err  error
}

// FakeServer is an in-memory invoicing API for one tenant. It implements
// remote.API directly and, through ServeHTTP, the HTTP protocol the real
// client speaks.
//
// Mutations are deduplicated by idempotency key. Every applied change is
// appended to a change log; delta cursors are positions in that log. Compact
// invalidates every cursor issued so far.
type FakeServer struct {
	mu sync.Mutex

	tenant    string
	records   map[schema.EntityType]map[string]*schema.Record
	changes   []logEntry
	seq       int64
	compacted int64
	version   int64
	lastTime  time.Time

	results    map[string]remote.ItemResult
	applyCount map[string]int
	received   []remote.Mutation

	faults   map[Method]*fault
	offline  bool
	loseAcks int
	truncate int
	rejectFn func(remote.Mutation) (string, bool)
	noEcho   bool

	calls Calls
}

var _ remote.API = (*FakeServer)(nil)

// NewFakeServer creates an empty server for tenant.
func NewFakeServer(tenant string) *FakeServer {
	return &FakeServer{
		tenant:     tenant,
		records:    make(map[schema.EntityType]map[string]*schema.Record),
		results:    make(map[string]remote.ItemResult),
		applyCount: make(map[string]int),
		faults:     make(map[Method]*fault),
		truncate:   -1,
	}
}

// FailNext makes the next n calls of m fail with err.
func (s *FakeServer) FailNext(m Method, n int, err error) {
	s.FailAfter(m, 0, n, err)
}

// FailAfter lets skip calls of m succeed, then fails the following n.
func (s *FakeServer) FailAfter(m Method, skip, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[m] = &fault{skip: skip, n: n, err: err}
}

// SetOffline makes every call fail with ErrNetworkUnavailable.
func (s *FakeServer) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// LoseAcks makes the next n pushes apply their mutations and then fail with
// ErrTimeout, as if the response was lost on the way back.
func (s *FakeServer) LoseAcks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseAcks = n
}

// ProcessOnly makes the next push process only its first n mutations and
// omit the rest from the response.
func (s *FakeServer) ProcessOnly(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate = n
}

// RejectWhen installs a predicate; a mutation it matches is rejected with
// the returned reason.
func (s *FakeServer) RejectWhen(fn func(remote.Mutation) (reason string, reject bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectFn = fn
}

// DisableEcho stops the server from returning canonical records in acks.
func (s *FakeServer) DisableEcho() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noEcho = true
}

// Compact forgets the change log; every cursor issued so far becomes
// unrecognized.
func (s *FakeServer) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compacted = s.seq
	s.changes = nil
}

// Calls returns the call counters.
func (s *FakeServer) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Received returns every mutation pushed so far, duplicates included, in
// arrival order.
func (s *FakeServer) Received() []remote.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Mutation(nil), s.received...)
}

// ReceivedFor filters Received by target.
func (s *FakeServer) ReceivedFor(et schema.EntityType, id string) []remote.Mutation {
	return lo.Filter(s.Received(), func(m remote.Mutation, _ int) bool {
		return m.EntityType == et && m.EntityID == id
	})
}

// AppliedCount reports how many times the mutation with key changed server
// state. Deduplicated retries do not count.
func (s *FakeServer) AppliedCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCount[key]
}

// Record returns a copy of the server's version of a record, or nil.
func (s *FakeServer) Record(et schema.EntityType, id string) *schema.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(s.records[et][id])
}

// Count returns the number of records of et.
func (s *FakeServer) Count(et schema.EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[et])
}

// Put writes a record server-side, as another session would.
func (s *FakeServer) Put(et schema.EntityType, id string, payload schema.Payload) *schema.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.write(et, id, payload)
	return copyRecord(rec)
}

// Remove deletes a record server-side.
func (s *FakeServer) Remove(et schema.EntityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(et, id)
}

// Snapshot implements remote.API.
func (s *FakeServer) Snapshot(ctx context.Context, tenant string) (*remote.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Snapshot++
	if err := s.enter(ctx, MethodSnapshot, tenant); err != nil {
		return nil, err
	}

	snap := &remote.Snapshot{
		Entities: make(map[schema.EntityType][]*schema.Record),
		Cursor:   cursor(s.seq),
	}
	for et, recs := range s.records {
		for _, rec := range recs {
			snap.Entities[et] = append(snap.Entities[et], copyRecord(rec))
		}
	}
	for key, res := range s.results {
		if res.Status == remote.StatusApplied {
			snap.AppliedKeys = append(snap.AppliedKeys, key)
		}
	}
	return snap, nil
}

// Delta implements remote.API.
func (s *FakeServer) Delta(ctx context.Context, tenant, watermark string, limit int) (*remote.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Delta++
	if err := s.enter(ctx, MethodDelta, tenant); err != nil {
		return nil, err
	}

	from, err := parseCursor(watermark)
	if err != nil || from < s.compacted || from > s.seq {
		return nil, ierr.NewErrorf("cursor %q is not recognized", watermark).Mark(ierr.ErrWatermarkUnrecognized)
	}
	if limit <= 0 {
		limit = 500
	}

	d := &remote.Delta{Cursor: cursor(from)}
	for _, e := range s.changes {
		if e.seq <= from {
			continue
		}
		if len(d.Changes) == limit {
			d.HasMore = true
			break
		}
		d.Changes = append(d.Changes, remote.Change{
			EntityType: e.et,
			EntityID:   e.id,
			Record:     copyRecord(e.record),
			Deleted:    e.deleted,
		})
		d.Cursor = cursor(e.seq)
	}
	return d, nil
}

// PushMutations implements remote.API.
func (s *FakeServer) PushMutations(ctx context.Context, tenant string, mutations []remote.Mutation) (*remote.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Push++
	if err := s.enter(ctx, MethodPush, tenant); err != nil {
		return nil, err
	}
	s.received = append(s.received, mutations...)

	process := mutations
	if s.truncate >= 0 {
		if s.truncate < len(process) {
			process = process[:s.truncate]
		}
		s.truncate = -1
	}

	res := &remote.BatchResult{BatchID: fmt.Sprintf("batch-%d", s.calls.Push)}
	for _, m := range process {
		if prev, ok := s.results[m.IdempotencyKey]; ok {
			res.Results = append(res.Results, prev)
			continue
		}
		r := s.apply(m)
		s.results[m.IdempotencyKey] = r
		res.Results = append(res.Results, r)
	}

	if s.loseAcks > 0 {
		s.loseAcks--
		return nil, ierr.NewError("response lost").Mark(ierr.ErrTimeout)
	}
	return res, nil
}

// Ping implements remote.API.
func (s *FakeServer) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Ping++
	return s.enter(ctx, MethodPing, s.tenant)
}

func (s *FakeServer) enter(ctx context.Context, m Method, tenant string) error {
	if err := ctx.Err(); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNetworkUnavailable)
	}
	if s.offline {
		return ierr.NewError("server unreachable").Mark(ierr.ErrNetworkUnavailable)
	}
	if f := s.faults[m]; f != nil && f.n > 0 {
		if f.skip > 0 {
			f.skip--
		} else {
			f.n--
			return f.err
		}
	}
	if tenant != s.tenant {
		return ierr.NewErrorf("business %q is not accessible", tenant).Mark(ierr.ErrPermissionDenied)
	}
	return nil
}

func (s *FakeServer) apply(m remote.Mutation) remote.ItemResult {
	r := remote.ItemResult{IdempotencyKey: m.IdempotencyKey, Status: remote.StatusRejected}
	if s.rejectFn != nil {
		if reason, reject := s.rejectFn(m); reject {
			r.Reason = reason
			return r
		}
	}

	existing := s.records[m.EntityType][m.EntityID]
	var rec *schema.Record
	switch m.Operation {
	case schema.OpCreate:
		if existing != nil {
			r.Reason = "already exists"
			return r
		}
		rec = s.write(m.EntityType, m.EntityID, m.Payload)
	case schema.OpUpdate:
		if existing == nil {
			r.Reason = "not found"
			return r
		}
		merged, err := schema.Merge(existing.Payload, m.Payload)
		if err != nil {
			r.Reason = err.Error()
			return r
		}
		rec = s.write(m.EntityType, m.EntityID, merged)
	case schema.OpDelete:
		// Deleting a missing record is a no-op success.
		if existing != nil {
			rec = copyRecord(existing)
			s.remove(m.EntityType, m.EntityID)
		}
	default:
		r.Reason = fmt.Sprintf("unknown operation %q", m.Operation)
		return r
	}

	s.applyCount[m.IdempotencyKey]++
	r.Status = remote.StatusApplied
	if !s.noEcho && m.Operation != schema.OpDelete {
		r.Record = copyRecord(rec)
	}
	return r
}

func (s *FakeServer) write(et schema.EntityType, id string, payload schema.Payload) *schema.Record {
	if s.records[et] == nil {
		s.records[et] = make(map[string]*schema.Record)
	}
	s.version++
	canonical, err := schema.Canonical(payload)
	if err != nil {
		canonical = payload
	}
	rec := &schema.Record{
		ID:         id,
		BusinessID: s.tenant,
		UpdatedAt:  s.tick(),
		Version:    s.version,
		Payload:    canonical,
	}
	s.records[et][id] = rec
	s.log(et, id, false, rec)
	return rec
}

func (s *FakeServer) remove(et schema.EntityType, id string) {
	if _, ok := s.records[et][id]; !ok {
		return
	}
	delete(s.records[et], id)
	s.log(et, id, true, nil)
}

func (s *FakeServer) log(et schema.EntityType, id string, deleted bool, rec *schema.Record) {
	s.seq++
	s.changes = append(s.changes, logEntry{seq: s.seq, et: et, id: id, deleted: deleted, record: copyRecord(rec)})
}

// tick returns a strictly increasing server timestamp at storage precision.
func (s *FakeServer) tick() time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = now
	return now
}

func cursor(seq int64) string {
	return "c" + strconv.FormatInt(seq, 10)
}

func parseCursor(c string) (int64, error) {
	if c == "" {
		return 0, nil
	}
	if !strings.HasPrefix(c, "c") {
		return 0, fmt.Errorf("malformed cursor %q", c)
	}
	return strconv.ParseInt(c[1:], 10, 64)
}

func copyRecord(r *schema.Record) *schema.Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = append(schema.Payload(nil), r.Payload...)
	c.Pending = false
	return &c
}
