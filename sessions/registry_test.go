package sessions_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notesmcp/notes-mcp-server/sessions"
	"github.com/notesmcp/notes-mcp-server/sessions/sessionstest"
)

// echo replies to every message by sending it back over the session.
var echo = sessions.HandlerFunc(func(ctx context.Context, s *sessions.Session, msg []byte) {
	_ = s.Send(ctx, msg)
})

func mustOpen(t *testing.T, r *sessions.Registry) (*sessions.Session, *sessionstest.Transport) {
	t.Helper()
	tr := sessionstest.New()
	s, err := r.Open(context.Background(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, tr
}

func TestOpen_AnnouncesEndpoint(t *testing.T) {
	r := sessions.NewRegistry(echo)
	s, tr := mustOpen(t, r)

	want := "/message?sessionId=" + s.ID()
	if got := tr.Endpoint(); got != want {
		t.Fatalf("endpoint = %q, want %q", got, want)
	}
	if r.Get(s.ID()) != s {
		t.Fatalf("session not registered")
	}
}

func TestOpen_UniqueIDs(t *testing.T) {
	r := sessions.NewRegistry(echo)
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Open(context.Background(), sessionstest.New())
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[s.ID()] {
				t.Errorf("duplicate id %s", s.ID())
			}
			seen[s.ID()] = true
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Fatalf("Len = %d, want 50", r.Len())
	}
}

func TestOpen_RegeneratesCollidingID(t *testing.T) {
	ids := []string{"a", "a", "b"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	r := sessions.NewRegistry(echo, sessions.WithIDGenerator(gen))

	s1, _ := mustOpen(t, r)
	s2, _ := mustOpen(t, r)
	if s1.ID() != "a" || s2.ID() != "b" {
		t.Fatalf("ids = %q, %q; want a, b", s1.ID(), s2.ID())
	}
}

func TestOpen_AnnouncementFailureDeregisters(t *testing.T) {
	r := sessions.NewRegistry(echo, sessions.WithIDGenerator(func() string { return "x" }))
	tr := sessionstest.New()
	tr.EndpointErr = errors.New("broken pipe")

	if _, err := r.Open(context.Background(), tr); err == nil {
		t.Fatalf("expected error")
	}
	if r.Len() != 0 {
		t.Fatalf("session left registered after failed announcement")
	}
	if !tr.IsClosed() {
		t.Fatalf("transport should be closed")
	}
	if err := r.Route(context.Background(), "x", []byte(`{}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Route = %v, want ErrSessionNotFound", err)
	}
}

// shutdownTransport triggers CloseAll while the endpoint is being announced.
type shutdownTransport struct {
	reg    *sessions.Registry
	closed chan struct{}
	once   sync.Once
}

func (s *shutdownTransport) SendEndpoint(ctx context.Context, _ string) error {
	if err := s.reg.CloseAll(ctx); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errors.New("stream closed")
	default:
		return nil
	}
}

func (s *shutdownTransport) Send(context.Context, []byte) error { return nil }

func (s *shutdownTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestOpen_ShutdownDuringAnnouncement(t *testing.T) {
	r := sessions.NewRegistry(echo)
	tr := &shutdownTransport{reg: r, closed: make(chan struct{})}

	_, err := r.Open(context.Background(), tr)
	if !errors.Is(err, sessions.ErrRegistryClosed) {
		t.Fatalf("Open = %v, want ErrRegistryClosed", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after shutdown", r.Len())
	}
}

func TestRoute_UnknownSession(t *testing.T) {
	r := sessions.NewRegistry(echo)
	if err := r.Route(context.Background(), "bogus", []byte(`{}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Route = %v, want ErrSessionNotFound", err)
	}
}

func TestRoute_DeliversInOrder(t *testing.T) {
	r := sessions.NewRegistry(sessions.HandlerFunc(func(ctx context.Context, s *sessions.Session, msg []byte) {
		// Earlier messages take longer; ordering must still hold.
		if strings.HasSuffix(string(msg), "0") {
			time.Sleep(20 * time.Millisecond)
		}
		_ = s.Send(ctx, msg)
	}))
	s, tr := mustOpen(t, r)

	var want []string
	for i := 0; i < 20; i++ {
		m := string(rune('a'+i)) + "-" + string(rune('0'+i%10))
		want = append(want, m)
		if err := r.Route(context.Background(), s.ID(), []byte(m)); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}
	for i, w := range want {
		got, err := tr.NextWithin(2 * time.Second)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if string(got) != w {
			t.Fatalf("message %d = %q, want %q", i, got, w)
		}
	}
}

func TestClose_IdempotentAndMonotonic(t *testing.T) {
	r := sessions.NewRegistry(echo)
	s, tr := mustOpen(t, r)
	id := s.ID()

	r.Close(id)
	r.Close(id)

	if !s.Closed() || !tr.IsClosed() {
		t.Fatalf("session and transport should be closed")
	}
	for i := 0; i < 3; i++ {
		if err := r.Route(context.Background(), id, []byte(`{}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("Route after Close = %v, want ErrSessionNotFound", err)
		}
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed")
	}
	if err := s.Send(context.Background(), []byte(`{}`)); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestRoute_BlockedOnFullInboxFailsFastOnClose(t *testing.T) {
	release := make(chan struct{})
	r := sessions.NewRegistry(sessions.HandlerFunc(func(ctx context.Context, s *sessions.Session, msg []byte) {
		<-release
	}), sessions.WithQueueSize(1))
	defer close(release)
	s, _ := mustOpen(t, r)

	// One message occupies the worker, one fills the inbox.
	for i := 0; i < 2; i++ {
		if err := r.Route(context.Background(), s.ID(), []byte(`{}`)); err != nil {
			t.Fatalf("Route %d: %v", i, err)
		}
	}
	// The worker may not have picked up the first message yet; allow it to.
	time.Sleep(20 * time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- r.Route(context.Background(), s.ID(), []byte(`{}`)) }()

	time.Sleep(20 * time.Millisecond)
	r.Close(s.ID())

	select {
	case err := <-errc:
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("blocked Route = %v, want ErrSessionNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Route did not return after Close")
	}
}

func TestHandlerContextCancelledOnClose(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	r := sessions.NewRegistry(sessions.HandlerFunc(func(ctx context.Context, s *sessions.Session, msg []byte) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	s, _ := mustOpen(t, r)

	// The posting request's context ends immediately; the handler must keep
	// running until the session closes.
	postCtx, cancel := context.WithCancel(context.Background())
	if err := r.Route(postCtx, s.ID(), []byte(`{}`)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	cancel()
	<-started

	select {
	case <-cancelled:
		t.Fatalf("handler cancelled by the posting request")
	case <-time.After(20 * time.Millisecond):
	}

	r.Close(s.ID())
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler context not cancelled on Close")
	}
}

func TestConcurrentRouteAndClose(t *testing.T) {
	r := sessions.NewRegistry(sessions.HandlerFunc(func(context.Context, *sessions.Session, []byte) {}))
	s, _ := mustOpen(t, r)
	id := s.ID()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Route(context.Background(), id, []byte(`{}`))
			if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
				t.Errorf("unexpected Route error: %v", err)
			}
		}()
	}
	r.Close(id)
	wg.Wait()

	if err := r.Route(context.Background(), id, []byte(`{}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Route after Close = %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	r := sessions.NewRegistry(echo)
	_, tr1 := mustOpen(t, r)
	_, tr2 := mustOpen(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if r.Len() != 0 || !tr1.IsClosed() || !tr2.IsClosed() {
		t.Fatalf("sessions not closed")
	}
	if _, err := r.Open(context.Background(), sessionstest.New()); !errors.Is(err, sessions.ErrRegistryClosed) {
		t.Fatalf("Open after CloseAll = %v", err)
	}
}
