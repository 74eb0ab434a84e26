package contact

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue/memory"
	"github.com/JakeFAU/camp-discovery-daemon/internal/worker"
)

type fakeSession struct {
	html       string
	extracted  queue.ContactInfo
	extractErr error
	closed     int
}

func (s *fakeSession) Navigate(context.Context, string) error { return nil }

func (s *fakeSession) HTML(context.Context) (string, error) { return s.html, nil }

func (s *fakeSession) Evaluate(context.Context, string, any) error { return nil }

func (s *fakeSession) ExtractStructured(_ context.Context, _ string, _ llm.Schema, out any) error {
	if s.extractErr != nil {
		return s.extractErr
	}
	*out.(*queue.ContactInfo) = s.extracted
	return nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeLauncher struct {
	session *fakeSession
	err     error
}

func (l *fakeLauncher) Open(context.Context) (browser.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

func enqueueContact(t *testing.T, store *memory.Store, website string) string {
	t.Helper()
	id, err := store.EnqueueContact(context.Background(), queue.ContactItem{Name: "Lake Camp", Website: website})
	require.NoError(t, err)
	return id
}

func newWorker(store *memory.Store, launcher browser.Launcher) *Worker {
	return New(store.Contact(), launcher, Config{Config: worker.Config{WorkerID: "w-1", BatchSize: 3}}, nil)
}

func TestDrainSavesExtractedContact(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueContact(t, store, "https://lakecamp.org")
	session := &fakeSession{extracted: queue.ContactInfo{Email: "info@lakecamp.org", ContactName: "Dana Reyes"}}

	summary, err := newWorker(store, &fakeLauncher{session: session}).Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, session.closed)

	item, _ := store.ContactItem(id)
	require.Equal(t, queue.StatusCompleted, item.Status)
	require.Equal(t, "info@lakecamp.org", item.Contact.Email)
	require.Equal(t, "Dana Reyes", item.Contact.ContactName)
}

func TestDrainFallsBackToDOM(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueContact(t, store, "https://lakecamp.org")
	session := &fakeSession{
		extractErr: browser.ErrNoExtractor,
		html:       `<footer><a href="mailto:hello@lakecamp.org">Email</a> <a href="tel:512-555-0100">Call</a></footer>`,
	}

	_, err := newWorker(store, &fakeLauncher{session: session}).Drain(context.Background())
	require.NoError(t, err)
	item, _ := store.ContactItem(id)
	require.Equal(t, "hello@lakecamp.org", item.Contact.Email)
	require.Equal(t, "512-555-0100", item.Contact.Phone)
}

func TestDrainAlwaysMarksAttempted(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	first := enqueueContact(t, store, "https://lakecamp.org")
	second := enqueueContact(t, store, "")
	w := newWorker(store, &fakeLauncher{err: errors.New("browser quota exceeded")})

	summary, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Completed)
	for _, id := range []string{first, second} {
		item, _ := store.ContactItem(id)
		require.Equal(t, queue.StatusCompleted, item.Status)
		require.NotNil(t, item.Contact)
		require.True(t, item.Contact.Empty())
	}

	// Nothing is re-selected on the next poll.
	summary, err = w.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Seen)
}

func TestDrainEmptyExtractionStillCompletes(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueContact(t, store, "https://lakecamp.org")
	session := &fakeSession{html: "<p>Welcome to camp</p>"}

	_, err := newWorker(store, &fakeLauncher{session: session}).Drain(context.Background())
	require.NoError(t, err)
	item, _ := store.ContactItem(id)
	require.Equal(t, queue.StatusCompleted, item.Status)
	require.True(t, item.Contact.Empty())
	require.Equal(t, 1, session.closed)
}

type cancelingLauncher struct{ cancel context.CancelFunc }

func (l cancelingLauncher) Open(ctx context.Context) (browser.Session, error) {
	l.cancel()
	<-ctx.Done()
	return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
}

func TestDrainShutdownLeavesItemClaimed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueContact(t, store, "https://lakecamp.org")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	summary, err := newWorker(store, cancelingLauncher{cancel: cancel}).Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Abandoned)
	require.Zero(t, summary.Completed)

	item, _ := store.ContactItem(id)
	require.Equal(t, queue.StatusInProgress, item.Status)
	require.Nil(t, item.Contact)
}
