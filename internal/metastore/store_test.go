package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, username string) *types.User {
	t.Helper()
	u := &types.User{
		Username:     username,
		DisplayName:  "Test User",
		Role:         types.RoleStudent,
		PasswordSalt: []byte("salt"),
		PasswordHash: []byte("hash"),
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s, "siti")
	require.NotZero(t, u.ID)

	byName, err := s.GetUserByUsername(ctx, "siti")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)
	assert.Equal(t, types.RoleStudent, byName.Role)
	assert.Equal(t, []byte("salt"), byName.PasswordSalt)

	_, err = s.GetUserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	s := newTestStore(t)
	newTestUser(t, s, "budi")
	err := s.CreateUser(context.Background(), &types.User{
		Username: "budi", Role: types.RoleStudent,
		PasswordSalt: []byte("s"), PasswordHash: []byte("h"),
	})
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "siti")

	now := time.Now().UTC().Truncate(time.Second)
	sess := &types.Session{
		Token:     "tok-1",
		UserID:    u.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.InsertSession(ctx, sess))

	got, err := s.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestDeleteSessionsForUserIsCoarse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "siti")

	now := time.Now().UTC()
	for _, tok := range []string{"device-a", "device-b"} {
		require.NoError(t, s.InsertSession(ctx, &types.Session{
			Token: tok, UserID: u.ID, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
	}
	require.NoError(t, s.DeleteSessionsForUser(ctx, u.ID))

	for _, tok := range []string{"device-a", "device-b"} {
		_, err := s.GetSession(ctx, tok)
		assert.ErrorIs(t, err, edgeerr.ErrNotFound)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "siti")

	now := time.Now().UTC()
	require.NoError(t, s.InsertSession(ctx, &types.Session{
		Token: "dead", UserID: u.ID, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.InsertSession(ctx, &types.Session{
		Token: "live", UserID: u.ID, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	n, err := s.SweepExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "dead")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
	_, err = s.GetSession(ctx, "live")
	assert.NoError(t, err)
}

func installFixture(version string) InstallRecord {
	return InstallRecord{
		SubjectCode: "fis",
		SubjectName: "Fisika",
		Grade:       10,
		Version:     version,
		Hash:        "abc123",
		ChunkCount:  2,
		Books: []types.Book{
			{Title: "Fisika Kelas X", SourceFilename: "fisika_x.pdf", ChunkCount: 2},
		},
	}
}

func TestRecordInstallCreatesSubjectAndBooks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vkpID, err := s.RecordInstall(ctx, installFixture("2026.01"))
	require.NoError(t, err)
	require.NotZero(t, vkpID)

	subj, err := s.GetSubject(ctx, "fis", 10)
	require.NoError(t, err)
	assert.Equal(t, "Fisika", subj.DisplayName)

	books, err := s.ListBooks(ctx, subj.ID)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "2026.01", books[0].VKPVersion)

	// Recording never moves the active pointer; that is SetActiveVKP's
	// commit.
	_, err = s.ActiveVKP(ctx, "fis", 10)
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)

	require.NoError(t, s.SetActiveVKP(ctx, "fis", 10, "2026.01"))
	active, err := s.ActiveVKP(ctx, "fis", 10)
	require.NoError(t, err)
	assert.Equal(t, "2026.01", active.Version)
	assert.True(t, active.Active)
}

func TestRecordInstallReusesCrashedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.RecordInstall(ctx, installFixture("2026.01"))
	require.NoError(t, err)
	again, err := s.RecordInstall(ctx, installFixture("2026.01"))
	require.NoError(t, err)
	assert.Equal(t, first, again, "a retried install lands on the same row")

	all, err := s.ListVKPs(ctx, "fis", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetActiveVKPKeepsSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordInstall(ctx, installFixture("2026.01"))
	require.NoError(t, err)
	_, err = s.RecordInstall(ctx, installFixture("2026.02"))
	require.NoError(t, err)

	require.NoError(t, s.SetActiveVKP(ctx, "fis", 10, "2026.01"))
	require.NoError(t, s.SetActiveVKP(ctx, "fis", 10, "2026.02"))

	active, err := s.ActiveVKP(ctx, "fis", 10)
	require.NoError(t, err)
	assert.Equal(t, "2026.02", active.Version)

	all, err := s.ListVKPs(ctx, "fis", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	activeCount := 0
	for _, r := range all {
		if r.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one active version per (subject, grade)")
}

func TestSetActiveVKPRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordInstall(ctx, installFixture("2026.01"))
	require.NoError(t, err)
	_, err = s.RecordInstall(ctx, installFixture("2026.02"))
	require.NoError(t, err)

	require.NoError(t, s.SetActiveVKP(ctx, "fis", 10, "2026.01"))
	active, err := s.ActiveVKP(ctx, "fis", 10)
	require.NoError(t, err)
	assert.Equal(t, "2026.01", active.Version)

	assert.Error(t, s.SetActiveVKP(ctx, "fis", 10, "2099.01"), "unknown version")
}

func TestDeleteVKPRefusesActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RecordInstall(ctx, installFixture("2026.01"))
	require.NoError(t, err)
	require.NoError(t, s.SetActiveVKP(ctx, "fis", 10, "2026.01"))
	assert.Error(t, s.DeleteVKP(ctx, id), "active install is protected")

	_, err = s.RecordInstall(ctx, installFixture("2026.02"))
	require.NoError(t, err)
	require.NoError(t, s.SetActiveVKP(ctx, "fis", 10, "2026.02"))
	assert.NoError(t, s.DeleteVKP(ctx, id), "inactive install can go")
}

func TestChatEntriesAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "siti")

	for i, q := range []string{"q1", "q2", "q3"} {
		require.NoError(t, s.AppendChatEntry(ctx, &types.ChatEntry{
			UserID:     u.ID,
			Question:   q,
			Response:   "a",
			Confidence: 0.5,
			Partial:    i == 2,
			CreatedAt:  time.Now().UTC(),
		}))
	}

	entries, err := s.ListChatEntries(ctx, u.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "q3", entries[0].Question, "newest first")
	assert.True(t, entries[0].Partial)

	n, err := s.CountChatEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSpillBufferOverflow(t *testing.T) {
	b, err := newSpillBuffer("", 2)
	require.NoError(t, err)

	e := &types.ChatEntry{UserID: 1, Question: "q", Response: "a"}
	require.NoError(t, b.add(pendingChatEntry(e)))
	require.NoError(t, b.add(pendingChatEntry(e)))

	err = b.add(pendingChatEntry(e))
	require.Error(t, err)
	assert.Equal(t, edgeerr.KindDegraded, edgeerr.KindOf(err))
	assert.Equal(t, 2, b.len())
}

func TestSpillBufferDurableRecovery(t *testing.T) {
	dir := t.TempDir()
	b, err := newSpillBuffer(dir, 10)
	require.NoError(t, err)

	w := pendingChatEntry(&types.ChatEntry{UserID: 7, Question: "tahan", Response: "jawab"})
	require.NoError(t, b.add(w))

	// A fresh buffer over the same directory recovers the entry.
	b2, err := newSpillBuffer(dir, 10)
	require.NoError(t, err)
	require.Equal(t, 1, b2.len())
	got, ok := b2.peek()
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Chat.UserID)

	b2.remove(got.ID)
	b3, err := newSpillBuffer(dir, 10)
	require.NoError(t, err)
	assert.Zero(t, b3.len())
}

func TestReplaySpillDrainsIntoStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "siti")

	require.NoError(t, s.spill.add(pendingChatEntry(&types.ChatEntry{
		UserID: u.ID, Question: "spilled", Response: "a", CreatedAt: time.Now().UTC(),
	})))
	require.NoError(t, s.ReplaySpill(ctx))

	assert.Zero(t, s.PendingWrites())
	entries, err := s.ListChatEntries(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "spilled", entries[0].Question)
}

func TestSnapshotWritesCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestUser(t, s, "siti")

	dest := t.TempDir() + "/snap.db"
	require.NoError(t, s.Snapshot(ctx, dest))

	copyStore, err := New(dest, Options{})
	require.NoError(t, err)
	defer copyStore.Close()

	u, err := copyStore.GetUserByUsername(ctx, "siti")
	require.NoError(t, err)
	assert.Equal(t, "siti", u.Username)
}
