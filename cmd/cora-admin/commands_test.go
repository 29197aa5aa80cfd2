package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpetran/cora/internal/annotation"
	"github.com/fpetran/cora/internal/auth"
	"github.com/fpetran/cora/internal/events"
	"github.com/fpetran/cora/internal/store"
)

type harness struct {
	t   *testing.T
	dsn string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, dsn: "sqlite://" + filepath.Join(t.TempDir(), "admin.db")}
	h.run("migrate")
	return h
}

func (h *harness) run(args ...string) string {
	h.t.Helper()
	out, err := h.try(args...)
	require.NoError(h.t, err, out)
	return out
}

func (h *harness) try(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := rootCommand(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{
		"--database-url", h.dsn,
		"--migrations", filepath.Join("..", "..", "db", "migrations"),
		"--log-level", "error",
	}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeJSONFile(t *testing.T, value any) string {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestImportUnlockAndDelete(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.run("project", "create", "Anselm"), "project 1 Anselm")
	h.run("tagset", "create", "stts", "STTS", "--class", "pos")

	doc := store.NewDocument{Name: "Melker", TagsetID: "stts", ProjectID: 1, Lines: []store.NewLine{
		{Token: "vnde", Suggestions: map[annotation.Layer][]annotation.Suggestion{annotation.LayerPOS: {{Value: "KON", Score: 0.9}}}},
		{Token: "gote"},
	}}
	out := h.run("import", writeJSONFile(t, doc), "--user", "erin")
	assert.Contains(t, out, `document 1 "Melker" imported with 2 lines`)

	assert.Empty(t, strings.TrimSpace(h.run("locks")))
	assert.Contains(t, h.run("unlock", "document", "1"), "no lock on document 1")

	assert.Contains(t, h.run("delete-document", "1"), "document 1 deleted")
	_, err := h.try("delete-document", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTagsetApplyAndCopy(t *testing.T) {
	h := newHarness(t)
	h.run("tagset", "create", "stts", "STTS")

	diff := store.TagsetDiff{Lang: "de", Created: []store.TagsetEntry{
		{ID: "case", Type: store.EntryAttrib, Shortname: "Kasus", Values: []string{"Nom", "Akk"}},
		{ID: "NA", Type: store.EntryTag, Shortname: "NA", Description: "Appellativum", Links: []string{"case"}},
	}}
	assert.Contains(t, h.run("tagset", "apply", "stts", writeJSONFile(t, diff), "--user", "alice"), "created 2, modified 0, deleted 0")
	assert.Empty(t, strings.TrimSpace(h.run("locks", "--type", "tagset")), "batch apply gives up the lock")

	assert.Contains(t, h.run("tagset", "copy", "stts", "stts-2", "--user", "alice"), "copied to stts-2")
	_, err := h.try("tagset", "copy", "stts", "stts-2")
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("CORA_JWT_SECRET", "")
	var out bytes.Buffer
	cmd := rootCommand(&out)
	cmd.SetArgs([]string{"token", "alice", "--role", "editor"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.ParseToken([]byte("cora-dev-secret"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Sub)
	assert.Equal(t, "editor", claims.Role)

	cmd = rootCommand(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "alice", "--role", "wizard"})
	assert.Error(t, cmd.Execute())
}

func TestWatchPrintsLockEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	h := &harness{t: t, dsn: "sqlite://" + filepath.Join(t.TempDir(), "unused.db")}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.try("watch", "--redis-url", "redis://"+mr.Addr(), "--count", "1")
		done <- result{out, err}
	}()

	publisher, err := events.NewRedisPublisher("redis://" + mr.Addr())
	require.NoError(t, err)
	defer publisher.Close()

	// events published before the subscription is confirmed are dropped, so
	// keep publishing until the command has seen one
	var got result
	require.Eventually(t, func() bool {
		err := publisher.Publish(context.Background(), events.Event{
			Kind: events.LockForced, EntityType: "document", EntityID: "3", Owner: "alice", Actor: "root",
		})
		if err != nil {
			return false
		}
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, got.err)
	assert.Contains(t, got.out, "forced\tdocument\t3\talice")
}

func TestWatchRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	h := &harness{t: t, dsn: "sqlite://" + filepath.Join(t.TempDir(), "unused.db")}
	_, err := h.try("watch")
	assert.ErrorContains(t, err, "REDIS_URL")
}
