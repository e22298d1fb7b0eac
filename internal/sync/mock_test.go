package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/appunture/offlinesync/internal/api"
	"github.com/appunture/offlinesync/internal/connectivity"
	"github.com/appunture/offlinesync/internal/model"
	"github.com/appunture/offlinesync/internal/store"
)

var testLogger = slog.Default()

// --- Clock -------------------------------------------------------------------

type testClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- Mock Remote Service -----------------------------------------------------

type mockRemote struct {
	mu        gosync.Mutex
	healthy   bool
	favorites map[string]bool
	points    map[string]*model.Point
	symptoms  []model.Symptom
	notes     map[string]string // remote id → content
	searches  []string
	attached  map[string][]string
	nextID    int

	errs  map[string]error
	calls map[string]int

	// hook, when set, runs at the start of every call outside the lock.
	hook func(method string)
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		healthy:   true,
		favorites: make(map[string]bool),
		points:    make(map[string]*model.Point),
		notes:     make(map[string]string),
		attached:  make(map[string][]string),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (m *mockRemote) enter(method string) error {
	m.mu.Lock()
	m.calls[method]++
	err := m.errs[method]
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(method)
	}
	return err
}

func (m *mockRemote) fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

func (m *mockRemote) setHook(fn func(method string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func (m *mockRemote) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockRemote) setFavorite(pointID string, fav bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fav {
		m.favorites[pointID] = true
	} else {
		delete(m.favorites, pointID)
	}
}

func (m *mockRemote) isFavorite(pointID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.favorites[pointID]
}

func (m *mockRemote) putPoint(p model.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.ID] = &p
}

func (m *mockRemote) point(id string) (model.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[id]
	if !ok {
		return model.Point{}, false
	}
	return *p, true
}

func (m *mockRemote) note(remoteID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.notes[remoteID]
	return c, ok
}

func (m *mockRemote) attachedTo(pointID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attached[pointID]...)
}

func notFound(endpoint string) error {
	return &api.Error{Status: http.StatusNotFound, Message: "not found", Endpoint: endpoint}
}

func (m *mockRemote) HealthCheck(context.Context) error {
	if err := m.enter("HealthCheck"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return &api.Error{Status: http.StatusServiceUnavailable, Endpoint: "/health"}
	}
	return nil
}

func (m *mockRemote) GetFavorites(context.Context) ([]model.Point, error) {
	if err := m.enter("GetFavorites"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.favorites))
	for id := range m.favorites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.points[id]; ok {
			out = append(out, *p)
		} else {
			out = append(out, model.Point{ID: id})
		}
	}
	return out, nil
}

func (m *mockRemote) AddFavorite(_ context.Context, pointID string) error {
	if err := m.enter("AddFavorite"); err != nil {
		return err
	}
	m.setFavorite(pointID, true)
	return nil
}

func (m *mockRemote) RemoveFavorite(_ context.Context, pointID string) error {
	if err := m.enter("RemoveFavorite"); err != nil {
		return err
	}
	m.setFavorite(pointID, false)
	return nil
}

func (m *mockRemote) GetPoints(context.Context, model.PointQuery) ([]model.Point, error) {
	if err := m.enter("GetPoints"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Point, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRemote) GetPoint(_ context.Context, id string) (*model.Point, error) {
	if err := m.enter("GetPoint"); err != nil {
		return nil, err
	}
	p, ok := m.point(id)
	if !ok {
		return nil, notFound("/points/" + id)
	}
	return &p, nil
}

func (m *mockRemote) CreatePoint(_ context.Context, p *model.Point) (*model.Point, error) {
	if err := m.enter("CreatePoint"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *p
	cp.ID = fmt.Sprintf("srv-%d", m.nextID)
	updated := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cp.UpdatedAt = &updated
	m.points[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *mockRemote) UpdatePoint(_ context.Context, id string, p *model.Point) (*model.Point, error) {
	if err := m.enter("UpdatePoint"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.points[id]; !ok {
		return nil, notFound("/points/" + id)
	}
	cp := *p
	cp.ID = id
	m.points[id] = &cp
	out := cp
	return &out, nil
}

func (m *mockRemote) AddImageToPoint(_ context.Context, pointID, imageURL string) (*model.Point, error) {
	if err := m.enter("AddImageToPoint"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[pointID]
	if !ok {
		return nil, notFound("/points/" + pointID + "/images")
	}
	m.attached[pointID] = append(m.attached[pointID], imageURL)
	p.ImageURL = imageURL
	out := *p
	return &out, nil
}

func (m *mockRemote) GetSymptoms(context.Context) ([]model.Symptom, error) {
	if err := m.enter("GetSymptoms"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Symptom(nil), m.symptoms...), nil
}

func (m *mockRemote) CreateNote(_ context.Context, pointID, content string) (*model.Note, error) {
	if err := m.enter("CreateNote"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("note-%d", m.nextID)
	m.notes[id] = content
	return &model.Note{RemoteID: id, PointID: pointID, Content: content}, nil
}

func (m *mockRemote) UpdateNote(_ context.Context, remoteID, content string) (*model.Note, error) {
	if err := m.enter("UpdateNote"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[remoteID]; !ok {
		return nil, notFound("/notes/" + remoteID)
	}
	m.notes[remoteID] = content
	return &model.Note{RemoteID: remoteID, Content: content}, nil
}

func (m *mockRemote) DeleteNote(_ context.Context, remoteID string) error {
	if err := m.enter("DeleteNote"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[remoteID]; !ok {
		return notFound("/notes/" + remoteID)
	}
	delete(m.notes, remoteID)
	return nil
}

func (m *mockRemote) LogSearchHistory(_ context.Context, query string, typ model.SearchType) error {
	if err := m.enter("LogSearchHistory"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, string(typ)+":"+query)
	return nil
}

// --- Mock Media Uploader -----------------------------------------------------

type mockMedia struct {
	mu       gosync.Mutex
	fail     map[string]error
	uploaded []string

	// hook, when set, runs before every upload outside the lock.
	hook func(uri string)
}

func newMockMedia() *mockMedia {
	return &mockMedia{fail: make(map[string]error)}
}

func (m *mockMedia) Upload(_ context.Context, uri string) (string, error) {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(uri)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[uri]; err != nil {
		return "", err
	}
	m.uploaded = append(m.uploaded, uri)
	return "https://cdn.test/" + path.Base(uri), nil
}

func (m *mockMedia) setHook(fn func(uri string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func (m *mockMedia) failURI(uri string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[uri] = err
}

func (m *mockMedia) uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uploaded...)
}

// --- Session -----------------------------------------------------------------

type staticSession struct {
	mu   gosync.Mutex
	user *model.User
}

func (s *staticSession) CurrentUser() (*model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, false
	}
	u := *s.user
	return &u, true
}

func (s *staticSession) signIn(u *model.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *staticSession) signOut() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

// --- Counting Store ----------------------------------------------------------

// countingStore wraps the real store and counts the reads a pass starts
// with, so tests can assert a skipped pass never touched the database.
type countingStore struct {
	*store.Store
	mu gosync.Mutex
	n  int
}

func (c *countingStore) hit() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingStore) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingStore) GetQueuedOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	c.hit()
	return c.Store.GetQueuedOperations(ctx, limit)
}

func (c *countingStore) MarkOperationInProgress(ctx context.Context, id string) (bool, error) {
	c.hit()
	return c.Store.MarkOperationInProgress(ctx, id)
}

func (c *countingStore) CountPendingOperations(ctx context.Context) (int, error) {
	c.hit()
	return c.Store.CountPendingOperations(ctx)
}

func (c *countingStore) GetFailedOperations(ctx context.Context) ([]*model.SyncOperation, error) {
	c.hit()
	return c.Store.GetFailedOperations(ctx)
}

func (c *countingStore) GetPendingImages(ctx context.Context, limit int) ([]*model.ImageSyncOperation, error) {
	c.hit()
	return c.Store.GetPendingImages(ctx, limit)
}

// --- Test environment --------------------------------------------------------

const testUserID = "user-1"

type testEnv struct {
	clock   *testClock
	dbPath  string
	store   *store.Store
	remote  *mockRemote
	media   *mockMedia
	probe   *connectivity.StaticProbe
	session *staticSession
	engine  *Engine
}

// newTestEnv wires an engine to a real SQLite store in a temp dir, a mock
// backend, an online probe and a signed-in user.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	dbPath := filepath.Join(t.TempDir(), "local.db")
	st, err := store.Open(dbPath, store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		clock:   clock,
		dbPath:  dbPath,
		store:   st,
		remote:  newMockRemote(),
		media:   newMockMedia(),
		probe:   connectivity.NewStaticProbe(true),
		session: &staticSession{user: &model.User{ID: testUserID, Email: "ana@example.com"}},
	}
	env.engine = env.newEngine(st)
	return env
}

// openSecondStore opens another handle on the same database file, standing
// in for a second process.
func (env *testEnv) openSecondStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(env.dbPath, store.WithClock(env.clock.Now))
	if err != nil {
		t.Fatalf("opening second store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func (env *testEnv) newEngine(ls LocalStore) *Engine {
	return env.newEngineWith(ls, Options{CallTimeout: time.Second})
}

// newEngineWith builds an engine on the test clock with custom options.
func (env *testEnv) newEngineWith(ls LocalStore, opts Options) *Engine {
	opts.Now = env.clock.Now
	return NewEngine(Deps{
		Store:   ls,
		Remote:  env.remote,
		Network: connectivity.NewMonitor(env.probe, time.Hour, testLogger),
		Session: env.session,
		Media:   env.media,
	}, nil, opts, testLogger)
}

// enqueue adds an entry directly, bypassing the mutation entry points.
func (env *testEnv) enqueue(t *testing.T, op model.Operation, p model.Payload) *model.SyncOperation {
	t.Helper()
	entry, err := env.store.EnqueueOperation(context.Background(), op, p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return entry
}

func (env *testEnv) queued(t *testing.T) []*model.SyncOperation {
	t.Helper()
	ops, err := env.store.GetQueuedOperations(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetQueuedOperations: %v", err)
	}
	return ops
}

func (env *testEnv) operation(t *testing.T, id string) *model.SyncOperation {
	t.Helper()
	op, err := env.store.GetOperation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	return op
}

func timePtr(t time.Time) *time.Time { return &t }

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
