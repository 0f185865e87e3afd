package msgsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"MChat/logger"
	errs "MChat/tools/errs"
	safe "MChat/tools/safe"
)

// SenderFunc is the pluggable transport send. It must be safe to call
// with the same message id more than once; the server dedupes on id.
type SenderFunc func(ctx context.Context, msg *Message) (*Message, error)

// ApplyFunc receives the canonical message a successful send returned.
// Installed by the Syncer so reconciliation stays in one place.
type ApplyFunc func(ctx context.Context, msg *Message) error

// FailureFunc fires when a message exhausts its retries.
type FailureFunc func(messageID string, err error)

type SchedulerConf struct {
	Interval        time.Duration // processing tick
	CleanupInterval time.Duration // stale record sweep
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxRetries      int
	MessageTimeout  time.Duration
	FailedGrace     time.Duration    // terminal records older than this are swept
	Clock           func() time.Time // injectable for tests; nil => time.Now
}

func (c *SchedulerConf) norm() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 10 * time.Second
	}
	if c.FailedGrace <= 0 {
		c.FailedGrace = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type QueueStatus struct {
	Pending      int   `json:"pending"`
	InFlight     int   `json:"inFlight"`
	Failed       int   `json:"failed"`
	TotalRetries int64 `json:"totalRetries"`
}

// SendScheduler owns the durable retry queue for outbound sends. One
// instance per client engine, explicit lifecycle, no package state.
type SendScheduler struct {
	store Store
	conf  SchedulerConf

	mu        sync.Mutex
	sender    SenderFunc
	apply     ApplyFunc
	onFailure FailureFunc
	running   bool
	inPass    bool // re-entrancy guard for overlapping ticks

	kick   chan struct{}
	stopCh chan struct{}

	totalRetries atomic.Int64
}

func NewSendScheduler(store Store, conf SchedulerConf) *SendScheduler {
	conf.norm()
	return &SendScheduler{
		store: store,
		conf:  conf,
		kick:  make(chan struct{}, 1),
	}
}

// SetSender installs the transport callback. Until one is installed,
// processed requests fail with a descriptive error and stay retryable.
func (s *SendScheduler) SetSender(fn SenderFunc) {
	s.mu.Lock()
	s.sender = fn
	s.mu.Unlock()
}

func (s *SendScheduler) SetApply(fn ApplyFunc) {
	s.mu.Lock()
	s.apply = fn
	s.mu.Unlock()
}

func (s *SendScheduler) OnFailure(fn FailureFunc) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

// Enqueue creates a pending request for messageID, persists it, and
// nudges the loop so an idle scheduler picks it up immediately.
func (s *SendScheduler) Enqueue(ctx context.Context, messageID string) (*SendRequest, error) {
	req := &SendRequest{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Status:    RequestPending,
		CreatedAt: s.conf.Clock(),
	}
	if err := s.store.UpsertSendRequest(ctx, req); err != nil {
		return nil, errs.ErrResource.WrapMsg("enqueue %s: %v", messageID, err)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return req, nil
}

func (s *SendScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	safe.SafeGo(func() { s.loop(stop) })
}

// Stop halts scheduling of future ticks. In-flight sends are not
// cancelled; one that resolves later is still applied so the work is
// not lost, but nothing gets re-scheduled afterwards.
func (s *SendScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *SendScheduler) loop(stop chan struct{}) {
	tick := time.NewTicker(s.conf.Interval)
	sweep := time.NewTicker(s.conf.CleanupInterval)
	defer tick.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.kick:
			s.processQueue(context.Background())
		case <-tick.C:
			s.processQueue(context.Background())
		case <-sweep.C:
			s.cleanup(context.Background())
		}
	}
}

// processQueue runs one pass: every pending request, every failed
// request whose backoff window elapsed, and every in-flight request
// stale enough that only a crash can explain it, all attempted
// concurrently so a stuck send cannot convoy the rest. An explicit
// in-progress flag keeps passes from overlapping.
func (s *SendScheduler) processQueue(ctx context.Context) {
	s.mu.Lock()
	if s.inPass {
		s.mu.Unlock()
		return
	}
	s.inPass = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inPass = false
		s.mu.Unlock()
	}()

	reqs, err := s.store.ListSendRequestsByStatus(ctx, RequestPending, RequestInFlight, RequestFailed)
	if err != nil {
		logger.Errorf("[scheduler] list queue: %v", err)
		return
	}
	now := s.conf.Clock()

	var wg sync.WaitGroup
	for _, req := range reqs {
		if !s.eligible(req, now) {
			continue
		}
		wg.Add(1)
		r := req
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("[scheduler] panic processing %s: %v", r.ID, rec)
				}
			}()
			s.processOne(ctx, r)
		}()
	}
	wg.Wait()
}

func (s *SendScheduler) eligible(r *SendRequest, now time.Time) bool {
	switch r.Status {
	case RequestPending:
		return true
	case RequestFailed:
		if r.RetryCount >= s.conf.MaxRetries {
			return false // terminal, waits for cleanup
		}
		return !now.Before(r.LastSentAt.Add(s.delay(r.RetryCount - 1)))
	case RequestInFlight:
		// A live send resolves within MessageTimeout; past that the
		// record can only be a crash leftover. Re-sending is safe, the
		// server dedupes on the message id.
		return !now.Before(r.LastSentAt.Add(s.conf.MessageTimeout))
	default:
		return false
	}
}

// delay implements min(base·2ⁿ, max).
func (s *SendScheduler) delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := s.conf.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= s.conf.MaxDelay {
			return s.conf.MaxDelay
		}
	}
	if d > s.conf.MaxDelay {
		return s.conf.MaxDelay
	}
	return d
}

type sendResult struct {
	msg *Message
	err error
}

func (s *SendScheduler) processOne(ctx context.Context, req *SendRequest) {
	msg, err := s.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		logger.Errorf("[scheduler] load message %s: %v", req.MessageID, err)
		return
	}
	if msg == nil {
		// Message vanished underneath the request; drop the orphan.
		_ = s.store.DeleteSendRequest(ctx, req.ID)
		return
	}

	req.Status = RequestInFlight
	req.LastSentAt = s.conf.Clock()
	if err := s.store.UpsertSendRequest(ctx, req); err != nil {
		logger.Errorf("[scheduler] mark in_flight %s: %v", req.ID, err)
		return
	}

	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		s.handleFailure(ctx, req, errs.ErrResource.WrapMsg("no sender installed for message %s", req.MessageID))
		return
	}

	ch := make(chan sendResult, 1)
	safe.SafeGo(func() {
		m, err := sender(ctx, msg.Clone())
		ch <- sendResult{msg: m, err: err}
	})

	timer := time.NewTimer(s.conf.MessageTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			s.handleFailure(ctx, req, res.err)
			return
		}
		s.handleSuccess(ctx, req, res.msg)
	case <-timer.C:
		// The send has no cancellation primitive underneath; the
		// request is freed for retry and a late resolution is drained
		// and dropped. Idempotency on the message id keeps a racing
		// retry safe even if the server applied the late one.
		safe.SafeGo(func() {
			res := <-ch
			if res.err == nil {
				logger.Warnf("[scheduler] late resolution after timeout dropped message=%s", req.MessageID)
			}
		})
		s.handleFailure(ctx, req, errs.ErrTransient.WrapMsg("send timed out after %v", s.conf.MessageTimeout))
	}
}

func (s *SendScheduler) handleSuccess(ctx context.Context, req *SendRequest, canonical *Message) {
	// A concurrent path (status update, reconnect cleanup) may have
	// already confirmed and removed this request; the apply below is an
	// idempotent upsert either way.
	if canonical != nil {
		s.mu.Lock()
		apply := s.apply
		s.mu.Unlock()
		if apply != nil {
			if err := apply(ctx, canonical); err != nil {
				logger.Errorf("[scheduler] apply canonical %s: %v", canonical.ID, err)
			}
		}
	}
	if err := s.store.DeleteSendRequest(ctx, req.ID); err != nil {
		logger.Errorf("[scheduler] delete confirmed request %s: %v", req.ID, err)
	}
}

func (s *SendScheduler) handleFailure(ctx context.Context, req *SendRequest, cause error) {
	req.RetryCount++
	s.totalRetries.Add(1)
	req.Status = RequestFailed
	req.ErrorMessage = cause.Error()
	req.LastSentAt = s.conf.Clock()

	terminal := req.RetryCount >= s.conf.MaxRetries || errs.IsPermanent(cause)
	if terminal && errs.IsPermanent(cause) {
		// Permanent errors do not earn their remaining retries.
		req.RetryCount = s.conf.MaxRetries
	}

	if err := s.store.UpsertSendRequest(ctx, req); err != nil {
		logger.Errorf("[scheduler] record failure %s: %v", req.ID, err)
	}
	logger.Warnf("[scheduler] send failed message=%s retry=%d err=%v", req.MessageID, req.RetryCount, cause)

	if !terminal {
		return
	}
	if msg, err := s.store.GetMessage(ctx, req.MessageID); err == nil && msg != nil {
		msg.Status = StatusFailed
		msg.UpdatedAt = s.conf.Clock()
		if err := s.store.UpsertMessage(ctx, msg); err != nil {
			logger.Errorf("[scheduler] mark message failed %s: %v", msg.ID, err)
		}
	}
	s.mu.Lock()
	onFailure := s.onFailure
	s.mu.Unlock()
	if onFailure != nil {
		safe.SafeCall(func() { onFailure(req.MessageID, cause) })
	}
}

// cleanup sweeps terminally failed requests and failed messages past the
// grace window. Messages are otherwise superseded, never destroyed.
func (s *SendScheduler) cleanup(ctx context.Context) {
	cutoff := s.conf.Clock().Add(-s.conf.FailedGrace)

	reqs, err := s.store.ListSendRequestsByStatus(ctx, RequestFailed)
	if err != nil {
		logger.Errorf("[scheduler] cleanup list: %v", err)
		return
	}
	for _, r := range reqs {
		if r.RetryCount >= s.conf.MaxRetries && r.LastSentAt.Before(cutoff) {
			if err := s.store.DeleteSendRequest(ctx, r.ID); err != nil {
				logger.Errorf("[scheduler] cleanup request %s: %v", r.ID, err)
			}
		}
	}

	msgs, err := s.store.ListMessagesByStatus(ctx, StatusFailed)
	if err != nil {
		logger.Errorf("[scheduler] cleanup messages: %v", err)
		return
	}
	for _, m := range msgs {
		if m.UpdatedAt.Before(cutoff) {
			if err := s.store.DeleteMessage(ctx, m.ID); err != nil {
				logger.Errorf("[scheduler] cleanup message %s: %v", m.ID, err)
			}
		}
	}
}

func (s *SendScheduler) GetQueueStatus(ctx context.Context) (QueueStatus, error) {
	var st QueueStatus
	reqs, err := s.store.ListSendRequestsByStatus(ctx, RequestPending, RequestInFlight, RequestFailed)
	if err != nil {
		return st, errs.ErrResource.WrapMsg("queue status: %v", err)
	}
	for _, r := range reqs {
		switch r.Status {
		case RequestPending:
			st.Pending++
		case RequestInFlight:
			st.InFlight++
		case RequestFailed:
			st.Failed++
		}
	}
	st.TotalRetries = s.totalRetries.Load()
	return st, nil
}

// ClearFailedRequests drops every terminally failed request. The
// administrative reset behind the "discard" affordance.
func (s *SendScheduler) ClearFailedRequests(ctx context.Context) (int, error) {
	reqs, err := s.store.ListSendRequestsByStatus(ctx, RequestFailed)
	if err != nil {
		return 0, errs.ErrResource.WrapMsg("clear failed: %v", err)
	}
	n := 0
	for _, r := range reqs {
		if err := s.store.DeleteSendRequest(ctx, r.ID); err != nil {
			return n, errs.ErrResource.WrapMsg("clear failed %s: %v", r.ID, err)
		}
		n++
	}
	return n, nil
}

// String implements fmt.Stringer for debug logs.
func (s *SendScheduler) String() string {
	return fmt.Sprintf("SendScheduler(interval=%v maxRetries=%d timeout=%v)",
		s.conf.Interval, s.conf.MaxRetries, s.conf.MessageTimeout)
}
